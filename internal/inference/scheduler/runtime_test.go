package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"llamarun/internal/inference/llamacpp"
)

type fakeEngine struct {
	startCalls int32
	stopCalls  int32
	port       int32
}

func (f *fakeEngine) Start(_ context.Context, kind llamacpp.SessionKind, source Source, _ llamacpp.RuntimeConfig) (llamacpp.SessionInfo, error) {
	atomic.AddInt32(&f.startCalls, 1)
	port := atomic.AddInt32(&f.port, 1)
	return llamacpp.SessionInfo{
		ModelID: source.ModelID,
		Port:    int(port),
		PID:     int(port) + 1000,
		Kind:    kind,
	}, nil
}

func (f *fakeEngine) Stop(_ context.Context, _ string, _ llamacpp.SessionKind) error {
	atomic.AddInt32(&f.stopCalls, 1)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueueWaitTimeout = 200 * time.Millisecond
	cfg.ExpirationTick = 50 * time.Millisecond
	cfg.KeepAliveSecs = 0
	return cfg
}

func TestAcquireLoadsOnFirstCallAndReusesRunner(t *testing.T) {
	engine := &fakeEngine{}
	s := New(nil, engine, NoGPUReader{}, testConfig())
	defer s.Shutdown(context.Background())

	src := Source{ModelID: "m1", ModelPath: "/tmp/does-not-exist.gguf"}
	cfg := testConfig()

	res1, err := s.Acquire(context.Background(), llamacpp.KindChat, src, llamacpp.RuntimeConfig{}, cfg, PriorityNormal)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	res2, err2 := s.Acquire(context.Background(), llamacpp.KindChat, src, llamacpp.RuntimeConfig{}, cfg, PriorityNormal)
	if err2 != nil {
		t.Fatalf("acquire 2: %v", err2)
	}

	if res1.Lease.Session().Port != res2.Lease.Session().Port {
		t.Fatalf("expected the same runner to be reused, got ports %d and %d", res1.Lease.Session().Port, res2.Lease.Session().Port)
	}
	if atomic.LoadInt32(&engine.startCalls) != 1 {
		t.Fatalf("expected exactly one engine start, got %d", engine.startCalls)
	}

	res1.Lease.Release()
	res2.Lease.Release()
}

func TestAcquireReleaseAllowsExpirationToUnload(t *testing.T) {
	engine := &fakeEngine{}
	s := New(nil, engine, NoGPUReader{}, testConfig())
	defer s.Shutdown(context.Background())

	cfg := testConfig()
	src := Source{ModelID: "m1", ModelPath: "/tmp/does-not-exist.gguf"}

	res, err := s.Acquire(context.Background(), llamacpp.KindChat, src, llamacpp.RuntimeConfig{}, cfg, PriorityNormal)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res.Lease.Release()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&engine.stopCalls) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected expiration loop to unload the idle runner")
}

func TestAcquireAfterShutdownReturnsShutdownError(t *testing.T) {
	engine := &fakeEngine{}
	s := New(nil, engine, NoGPUReader{}, testConfig())
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	src := Source{ModelID: "m1", ModelPath: "/tmp/does-not-exist.gguf"}
	_, err := s.Acquire(context.Background(), llamacpp.KindChat, src, llamacpp.RuntimeConfig{}, testConfig(), PriorityNormal)
	if err == nil || err.Kind != ErrShutdown {
		t.Fatalf("expected shutdown error, got %v", err)
	}
}

type slowEngine struct {
	release chan struct{}
}

func (f *slowEngine) Start(ctx context.Context, kind llamacpp.SessionKind, source Source, _ llamacpp.RuntimeConfig) (llamacpp.SessionInfo, error) {
	select {
	case <-f.release:
	case <-ctx.Done():
		return llamacpp.SessionInfo{}, ctx.Err()
	}
	return llamacpp.SessionInfo{ModelID: source.ModelID, Port: 1, PID: 1, Kind: kind}, nil
}

func (f *slowEngine) Stop(_ context.Context, _ string, _ llamacpp.SessionKind) error { return nil }

func TestAcquireWithZeroMaxQueueFailsBusyInsteadOfQueueing(t *testing.T) {
	engine := &slowEngine{release: make(chan struct{})}
	defer close(engine.release)
	s := New(nil, engine, NoGPUReader{}, testConfig())
	defer s.Shutdown(context.Background())

	cfg := testConfig()
	cfg.MaxQueue = 0

	started := make(chan struct{})
	go func() {
		close(started)
		s.Acquire(context.Background(), llamacpp.KindChat, Source{ModelID: "m1", ModelPath: "/tmp/a.gguf"}, llamacpp.RuntimeConfig{}, cfg, PriorityNormal)
	}()
	<-started
	time.Sleep(50 * time.Millisecond) // let the first Acquire claim activeLoading

	src2 := Source{ModelID: "m2", ModelPath: "/tmp/b.gguf"}
	_, err := s.Acquire(context.Background(), llamacpp.KindChat, src2, llamacpp.RuntimeConfig{}, cfg, PriorityNormal)
	if err == nil || err.Kind != ErrBusy {
		t.Fatalf("expected ErrBusy with MaxQueue=0, got %v", err)
	}
}

func TestDequeueMeteredRemovesQueueEntry(t *testing.T) {
	s := &Scheduler{state: inner{}}
	ch := make(chan struct{}, 1)
	s.enqueueWithPriority(1, PriorityNormal, ch)
	if len(s.state.queue) != 1 {
		t.Fatalf("expected 1 queued entry before dequeue, got %d", len(s.state.queue))
	}

	s.dequeueMetered(context.Background(), 1)
	if len(s.state.queue) != 0 {
		t.Fatalf("expected dequeueMetered to remove the queue entry, got %d remaining", len(s.state.queue))
	}
}

func TestEnqueueWithPriorityOrdersHighBeforeLow(t *testing.T) {
	s := &Scheduler{state: inner{}}
	chA := make(chan struct{}, 1)
	chB := make(chan struct{}, 1)
	chC := make(chan struct{}, 1)

	s.enqueueWithPriority(1, PriorityLow, chA)
	s.enqueueWithPriority(2, PriorityHigh, chB)
	s.enqueueWithPriority(3, PriorityNormal, chC)

	if len(s.state.queue) != 3 {
		t.Fatalf("expected 3 queued entries, got %d", len(s.state.queue))
	}
	if s.state.queue[0].priority != PriorityHigh {
		t.Fatalf("expected high priority first, got %v", s.state.queue[0].priority)
	}
	if s.state.queue[1].priority != PriorityNormal {
		t.Fatalf("expected normal priority second, got %v", s.state.queue[1].priority)
	}
	if s.state.queue[2].priority != PriorityLow {
		t.Fatalf("expected low priority last, got %v", s.state.queue[2].priority)
	}
}
