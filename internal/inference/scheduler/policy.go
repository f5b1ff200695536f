package scheduler

import (
	"os"
	"sort"

	"llamarun/internal/inference/llamacpp"
)

const (
	defaultUnknownModelEstimateMB uint64  = 2000
	defaultGPUOffloadFactor       float64 = 0.55
)

// TelemetrySnapshot is a point-in-time VRAM reading across all GPUs.
type TelemetrySnapshot struct {
	TotalVRAMMB uint64
	UsedVRAMMB  uint64
	FreeVRAMMB  uint64
	GPUCount    int
}

// TelemetryReader reports current VRAM usage. The production
// implementation shells out to nvidia-smi (NvidiaSMIReader);
// tests supply a fake.
type TelemetryReader interface {
	ReadTelemetry() (TelemetrySnapshot, bool)
}

// estimateCandidateVRAMMB approximates how much VRAM a model will need
// once loaded, from its file size on disk. Falls back to a
// conservative constant when the file can't be stat'd (e.g. a
// not-yet-downloaded model).
func estimateCandidateVRAMMB(modelPath string) uint64 {
	info, err := os.Stat(modelPath)
	if err != nil {
		return defaultUnknownModelEstimateMB
	}
	fileSizeMB := uint64(info.Size()) / (1024 * 1024)
	estimate := uint64(float64(fileSizeMB) * defaultGPUOffloadFactor)
	if estimate < 512 {
		return 512
	}
	return estimate
}

func avgEstimatedRunnerVRAMMB(loaded map[SessionKey]*RunnerRef) (uint64, bool) {
	var sum, count uint64
	for key, runner := range loaded {
		if key.Kind != llamacpp.KindChat {
			continue
		}
		v := runner.EstimatedVRAMMB
		if v < 1 {
			v = 1
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0, false
	}
	avg := sum / count
	if avg < 1 {
		avg = 1
	}
	return avg, true
}

// resolveCapacityLimit returns the maximum number of concurrently
// loaded runners: an explicit override when configured, otherwise
// derived from GPU count and how much VRAM each runner is estimated to
// need, capped so the pool never promises more than 3 runners per GPU.
func resolveCapacityLimit(cfg Config, loaded map[SessionKey]*RunnerRef, candidateEstimateMB uint64, telemetry TelemetrySnapshot, telemetryOK bool) int {
	if cfg.MaxLoadedModels > 0 {
		return cfg.MaxLoadedModels
	}

	gpuCount := telemetry.GPUCount
	if gpuCount < 1 {
		gpuCount = 1
	}
	baseLimit := 3 * gpuCount
	if !telemetryOK || telemetry.GPUCount == 0 {
		return maxInt(baseLimit, 1)
	}

	baseEstimate, ok := avgEstimatedRunnerVRAMMB(loaded)
	if !ok {
		baseEstimate = candidateEstimateMB
	}
	if baseEstimate < 1 {
		baseEstimate = 1
	}
	guardCap := int(telemetry.FreeVRAMMB / baseEstimate)
	if guardCap < 1 {
		guardCap = 1
	}

	limit := baseLimit
	if guardCap < limit {
		limit = guardCap
	}
	return maxInt(limit, 1)
}

// needsVRAMEviction reports whether free VRAM is already below what
// the candidate model is estimated to require. Unreadable telemetry is
// treated as "no pressure" since the scheduler has no signal to act on.
func needsVRAMEviction(candidateEstimateMB uint64, telemetry TelemetrySnapshot, telemetryOK bool) bool {
	if !telemetryOK {
		return false
	}
	return telemetry.FreeVRAMMB < candidateEstimateMB
}

// pickEvictionCandidate selects the best idle runner to unload: only
// ref_count==0 runners are eligible, ranked by shortest configured
// keep-alive, then least-recently-used, then model id for determinism.
func pickEvictionCandidate(loaded map[SessionKey]*RunnerRef) (SessionKey, bool) {
	var candidates []*RunnerRef
	for _, r := range loaded {
		if r.RefCount == 0 {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return SessionKey{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SessionDurationSecs != b.SessionDurationSecs {
			return a.SessionDurationSecs < b.SessionDurationSecs
		}
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.Before(b.LastUsed)
		}
		return a.Key.ModelID < b.Key.ModelID
	})

	return candidates[0].Key, true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
