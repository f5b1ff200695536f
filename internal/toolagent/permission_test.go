package toolagent

import (
	"context"
	"testing"
	"time"
)

type stubPrompter struct {
	decision PermissionDecision
	err      error
	calls    int
}

func (s *stubPrompter) Prompt(ctx context.Context, req PermissionRequest) (PermissionDecision, error) {
	s.calls++
	return s.decision, s.err
}

func TestPermissionGateAllowOnceAsksEveryTime(t *testing.T) {
	p := &stubPrompter{decision: AllowOnce}
	gate := NewPermissionGate(p, time.Second)

	req := PermissionRequest{ServerName: "fs", ToolName: "read_file"}
	for i := 0; i < 3; i++ {
		allowed, err := gate.Allow(context.Background(), req)
		if err != nil || !allowed {
			t.Fatalf("call %d: expected allowed, got allowed=%v err=%v", i, allowed, err)
		}
	}
	if p.calls != 3 {
		t.Errorf("expected 3 prompts for AllowOnce, got %d", p.calls)
	}
}

func TestPermissionGateAllowThisSessionMemoizes(t *testing.T) {
	p := &stubPrompter{decision: AllowThisSession}
	gate := NewPermissionGate(p, time.Second)

	req1 := PermissionRequest{ServerName: "fs", ToolName: "read_file"}
	req2 := PermissionRequest{ServerName: "other", ToolName: "anything"}

	if allowed, err := gate.Allow(context.Background(), req1); err != nil || !allowed {
		t.Fatalf("first call should be allowed, got allowed=%v err=%v", allowed, err)
	}
	if allowed, err := gate.Allow(context.Background(), req2); err != nil || !allowed {
		t.Fatalf("second call (different server) should be allowed by session grant, got allowed=%v err=%v", allowed, err)
	}
	if p.calls != 1 {
		t.Errorf("expected exactly 1 prompt, got %d", p.calls)
	}
}

func TestPermissionGateAllowThisServerScopesToServer(t *testing.T) {
	p := &stubPrompter{decision: AllowThisServer}
	gate := NewPermissionGate(p, time.Second)

	fsReq := PermissionRequest{ServerName: "fs", ToolName: "read_file"}
	if allowed, _ := gate.Allow(context.Background(), fsReq); !allowed {
		t.Fatal("expected fs call to be allowed")
	}

	otherReq := PermissionRequest{ServerName: "other", ToolName: "anything"}
	p.decision = Deny
	allowed, err := gate.Allow(context.Background(), otherReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("expected other server to still require its own prompt and be denied")
	}
	if p.calls != 2 {
		t.Errorf("expected 2 prompts (one per server), got %d", p.calls)
	}
}

func TestPermissionGateDenyBlocks(t *testing.T) {
	p := &stubPrompter{decision: Deny}
	gate := NewPermissionGate(p, time.Second)

	allowed, err := gate.Allow(context.Background(), PermissionRequest{ServerName: "fs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("expected deny to block the call")
	}
}

func TestPermissionGateNilPrompterDenies(t *testing.T) {
	gate := NewPermissionGate(nil, time.Second)
	allowed, err := gate.Allow(context.Background(), PermissionRequest{ServerName: "fs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatal("expected nil prompter to deny by default")
	}
}
