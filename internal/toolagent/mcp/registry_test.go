package mcp

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_ListToolsWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	r := NewRegistry(0)

	calls := 0
	want := []ToolSchema{{Name: "search"}}
	tools, err := r.listToolsWithRetry(context.Background(), func(ctx context.Context) ([]ToolSchema, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("tools not ready yet")
		}
		return want, nil
	})

	if err != nil {
		t.Fatalf("want success after retry, got err: %v", err)
	}
	if calls != 2 {
		t.Fatalf("want exactly 2 calls (1 failure + 1 success), got %d", calls)
	}
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("want the successful result returned, got %+v", tools)
	}
}

func TestRegistry_ListToolsWithRetry_ExhaustsAndFails(t *testing.T) {
	r := NewRegistry(0)

	calls := 0
	_, err := r.listToolsWithRetry(context.Background(), func(ctx context.Context) ([]ToolSchema, error) {
		calls++
		return nil, errors.New("server never warms up")
	})

	if err == nil {
		t.Fatalf("want an error once retries are exhausted")
	}
	// MaxAttempts=2 in toolsListRetryConfig means the initial try plus
	// up to 2 retries: 3 calls total.
	if calls != toolsListRetryConfig.MaxAttempts+1 {
		t.Fatalf("want %d calls, got %d", toolsListRetryConfig.MaxAttempts+1, calls)
	}
}

func TestRegistry_ListToolsWithRetry_ContextCancelledStopsImmediately(t *testing.T) {
	r := NewRegistry(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := r.listToolsWithRetry(ctx, func(ctx context.Context) ([]ToolSchema, error) {
		calls++
		return nil, errors.New("should not even be attempted meaningfully")
	})

	if err == nil {
		t.Fatalf("want an error for a cancelled context")
	}
}
