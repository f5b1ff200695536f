package scheduler

import (
	"testing"
	"time"

	"llamarun/internal/inference/llamacpp"
)

func testRunner(model string, kind llamacpp.SessionKind, refCount int, durationSecs uint64) *RunnerRef {
	return &RunnerRef{
		Key:                 SessionKey{ModelID: model, Kind: kind},
		Session:             llamacpp.SessionInfo{ModelID: model, Port: 1234, PID: 1},
		RefCount:            refCount,
		EstimatedVRAMMB:     1024,
		SessionDurationSecs: durationSecs,
		LastUsed:            time.Now(),
		CreatedAt:           time.Now(),
	}
}

func TestPickEvictionCandidatePrefersIdleRunner(t *testing.T) {
	loaded := map[SessionKey]*RunnerRef{
		{ModelID: "a", Kind: llamacpp.KindChat}: testRunner("a", llamacpp.KindChat, 1, 100),
		{ModelID: "b", Kind: llamacpp.KindChat}: testRunner("b", llamacpp.KindChat, 0, 100),
	}

	selected, ok := pickEvictionCandidate(loaded)
	if !ok {
		t.Fatal("expected an eviction candidate")
	}
	if selected.ModelID != "b" {
		t.Fatalf("expected b (idle), got %s", selected.ModelID)
	}
}

func TestPickEvictionCandidateReturnsFalseWhenAllBusy(t *testing.T) {
	loaded := map[SessionKey]*RunnerRef{
		{ModelID: "a", Kind: llamacpp.KindChat}: testRunner("a", llamacpp.KindChat, 1, 100),
	}
	if _, ok := pickEvictionCandidate(loaded); ok {
		t.Fatal("expected no eviction candidate when all runners are busy")
	}
}

func TestPickEvictionCandidatePrefersShorterKeepAlive(t *testing.T) {
	loaded := map[SessionKey]*RunnerRef{
		{ModelID: "long", Kind: llamacpp.KindChat}:  testRunner("long", llamacpp.KindChat, 0, 600),
		{ModelID: "short", Kind: llamacpp.KindChat}: testRunner("short", llamacpp.KindChat, 0, 30),
	}
	selected, ok := pickEvictionCandidate(loaded)
	if !ok || selected.ModelID != "short" {
		t.Fatalf("expected short keep-alive runner to be picked, got %+v ok=%v", selected, ok)
	}
}

func TestResolveCapacityLimitHonorsExplicitOverride(t *testing.T) {
	cfg := Config{MaxLoadedModels: 7}
	limit := resolveCapacityLimit(cfg, nil, 1000, TelemetrySnapshot{}, false)
	if limit != 7 {
		t.Fatalf("expected explicit override of 7, got %d", limit)
	}
}

func TestResolveCapacityLimitDerivesFromVRAMWhenNoOverride(t *testing.T) {
	cfg := Config{}
	telemetry := TelemetrySnapshot{TotalVRAMMB: 24000, UsedVRAMMB: 0, FreeVRAMMB: 24000, GPUCount: 1}
	limit := resolveCapacityLimit(cfg, nil, 4000, telemetry, true)
	// base_limit = 3*1 = 3, guard_cap = 24000/4000 = 6 -> min(3,6) = 3
	if limit != 3 {
		t.Fatalf("expected limit 3, got %d", limit)
	}
}

func TestResolveCapacityLimitTightensUnderLowVRAM(t *testing.T) {
	cfg := Config{}
	telemetry := TelemetrySnapshot{TotalVRAMMB: 8000, UsedVRAMMB: 6000, FreeVRAMMB: 2000, GPUCount: 1}
	limit := resolveCapacityLimit(cfg, nil, 4000, telemetry, true)
	// guard_cap = 2000/4000 = 0 -> clamped to 1
	if limit != 1 {
		t.Fatalf("expected limit 1 under low VRAM, got %d", limit)
	}
}

func TestNeedsVRAMEvictionWhenFreeBelowCandidate(t *testing.T) {
	telemetry := TelemetrySnapshot{FreeVRAMMB: 500}
	if !needsVRAMEviction(1000, telemetry, true) {
		t.Fatal("expected eviction to be needed")
	}
	if needsVRAMEviction(1000, telemetry, false) {
		t.Fatal("expected no eviction decision without telemetry")
	}
}

func TestEstimateCandidateVRAMMBFallsBackForMissingFile(t *testing.T) {
	estimate := estimateCandidateVRAMMB("/nonexistent/path/model.gguf")
	if estimate != defaultUnknownModelEstimateMB {
		t.Fatalf("expected fallback estimate, got %d", estimate)
	}
}
