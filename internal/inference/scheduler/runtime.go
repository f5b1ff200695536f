package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"llamarun/internal/async"
	"llamarun/internal/inference/llamacpp"
	"llamarun/internal/logging"
	"llamarun/internal/observability"
)

// EngineManager starts and stops llama-server processes on the
// scheduler's behalf. The production implementation wraps the
// llamacpp package; tests supply a fake so policy decisions can be
// exercised without spawning real processes.
type EngineManager interface {
	Start(ctx context.Context, kind llamacpp.SessionKind, source Source, cfg llamacpp.RuntimeConfig) (llamacpp.SessionInfo, error)
	Stop(ctx context.Context, modelID string, kind llamacpp.SessionKind) error
}

// RunnerRef is one loaded runner tracked by the scheduler.
type RunnerRef struct {
	Key                  SessionKey
	Session              llamacpp.SessionInfo
	RefCount             int
	EstimatedVRAMMB      uint64
	SessionDurationSecs  uint64
	LastUsed             time.Time
	CreatedAt            time.Time
}

type queueEntry struct {
	id       uint64
	priority RequestPriority
	notify   chan struct{}
}

type inner struct {
	loaded        *registry
	queue         []*queueEntry
	nextLeaseID   uint64
	nextQueueID   uint64
	activeLoading bool
	shuttingDown  bool
	config        Config
}

// Scheduler multiplexes concurrent acquire() calls over a bounded pool
// of loaded llama-server runners: reference-counted reuse of warm
// runners, priority-ordered queueing when at capacity, and a
// VRAM-aware eviction policy when a new model needs to be loaded.
type Scheduler struct {
	logger    logging.Logger
	engine    EngineManager
	telemetry TelemetryReader
	metrics   *observability.Metrics

	mu    sync.Mutex
	state inner

	releaseCh chan leaseRelease

	snapMu      sync.Mutex
	snapshot    Snapshot
	subscribers map[chan Snapshot]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Scheduler and starts its background release and
// expiration loops. Callers must call Shutdown to stop them cleanly.
func New(logger logging.Logger, engine EngineManager, telemetry TelemetryReader, cfg Config) *Scheduler {
	if telemetry == nil {
		telemetry = NoGPUReader{}
	}
	s := &Scheduler{
		logger:    logging.OrNop(logger),
		engine:    engine,
		telemetry: telemetry,
		state: inner{
			loaded:      newRegistry(),
			nextLeaseID: 1,
			nextQueueID: 1,
			config:      cfg,
		},
		releaseCh:   make(chan leaseRelease, 64),
		subscribers: make(map[chan Snapshot]struct{}),
		stopCh:      make(chan struct{}),
	}

	async.Go(s.logger, "scheduler.releaseLoop", s.releaseLoop)
	async.Go(s.logger, "scheduler.expirationLoop", s.expirationLoop)
	return s
}

// WithMetrics attaches the process's observability.Metrics instance,
// recording queue wait, load duration, and eviction counts against it.
// A nil metrics (the default) makes every recording call a no-op.
func (s *Scheduler) WithMetrics(m *observability.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Snapshot returns the most recently published state.
func (s *Scheduler) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snapshot
}

// Stats returns a reduced view of the current snapshot.
func (s *Scheduler) Stats() Stats {
	return s.Snapshot().Stats()
}

// Subscribe returns a channel that receives every published snapshot.
// The caller must keep draining it (or call Unsubscribe): a snapshot
// published while its buffer is full is skipped for that subscriber.
func (s *Scheduler) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	s.snapMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.snapMu.Unlock()

	unsubscribe := func() {
		s.snapMu.Lock()
		delete(s.subscribers, ch)
		s.snapMu.Unlock()
	}
	return ch, unsubscribe
}

// Acquire returns a lease on a runner for (source, kind), loading and,
// if necessary, evicting other runners to make room. It blocks until a
// lease is granted, the queue wait times out, or the scheduler shuts
// down.
func (s *Scheduler) Acquire(ctx context.Context, kind llamacpp.SessionKind, source Source, runtimeCfg llamacpp.RuntimeConfig, cfg Config, priority RequestPriority) (*AcquireResult, *AcquireError) {
	begin := time.Now()
	defer func() { s.metrics.RecordAcquire(ctx, time.Since(begin)) }()
	key := SessionKey{ModelID: source.ModelID, Kind: kind}

	var queuedPosition int
	var waitID uint64
	var waitCh chan struct{}
	haveWaiter := false

	for {
		var shouldLoad bool
		var notify chan struct{}

		s.mu.Lock()
		s.state.config = cfg

		if s.state.shuttingDown {
			s.mu.Unlock()
			return nil, &AcquireError{Kind: ErrShutdown}
		}

		if runner, ok := s.state.loaded.get(key); ok {
			runner.RefCount++
			runner.LastUsed = time.Now()
			leaseID := s.takeLeaseID()
			lease := newLease(leaseID, runner.Key, runner.Session, s.releaseCh)
			s.mu.Unlock()
			s.publishSnapshot()
			return &AcquireResult{Lease: lease, WaitedMS: time.Since(begin).Milliseconds(), QueuePosition: queuedPosition}, nil
		}

		if !s.state.activeLoading {
			s.state.activeLoading = true
			shouldLoad = true
		} else if haveWaiter {
			notify = waitCh
		} else {
			if len(s.state.queue) >= cfg.MaxQueue {
				s.mu.Unlock()
				return nil, &AcquireError{Kind: ErrBusy}
			}
			id := s.state.nextQueueID
			s.state.nextQueueID++
			ch := make(chan struct{}, 1)
			pos := s.enqueueWithPriority(id, priority, ch)
			waitID, waitCh, haveWaiter = id, ch, true
			queuedPosition = pos
			notify = ch
			s.metrics.AdjustQueueDepth(ctx, 1)
		}
		s.mu.Unlock()

		s.publishSnapshot()

		if shouldLoad {
			session, estimateMB, err := s.loadSessionWithEviction(ctx, kind, source, runtimeCfg, cfg)

			s.mu.Lock()
			s.state.activeLoading = false
			s.notifyNextWaiter()

			if err != nil {
				s.mu.Unlock()
				s.publishSnapshot()
				var acqErr *AcquireError
				if isCapacityBusy(err) {
					acqErr = &AcquireError{Kind: ErrBusy, Err: err}
				} else {
					acqErr = &AcquireError{Kind: ErrInternal, Err: err}
				}
				return nil, acqErr
			}

			runner := &RunnerRef{
				Key:                 key,
				Session:             session,
				RefCount:            1,
				EstimatedVRAMMB:     estimateMB,
				SessionDurationSecs: cfg.KeepAliveSecs,
				LastUsed:            time.Now(),
				CreatedAt:           time.Now(),
			}
			s.state.loaded.insert(key, runner)
			leaseID := s.takeLeaseID()
			lease := newLease(leaseID, runner.Key, runner.Session, s.releaseCh)
			s.mu.Unlock()

			s.publishSnapshot()
			return &AcquireResult{Lease: lease, WaitedMS: time.Since(begin).Milliseconds(), QueuePosition: queuedPosition}, nil
		}

		if notify != nil {
			timeout := cfg.QueueWaitTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			select {
			case <-notify:
				s.dequeueMetered(ctx, waitID)
				haveWaiter = false
				continue
			case <-time.After(timeout):
				s.dequeueMetered(ctx, waitID)
				s.publishSnapshot()
				pos := queuedPosition
				if pos == 0 {
					pos = 1
				}
				return nil, &AcquireError{Kind: ErrTimeout, QueuePosition: pos}
			case <-ctx.Done():
				s.dequeueMetered(ctx, waitID)
				return nil, &AcquireError{Kind: ErrInternal, Err: ctx.Err()}
			case <-s.stopCh:
				s.dequeueMetered(ctx, waitID)
				return nil, &AcquireError{Kind: ErrShutdown}
			}
		}
	}
}

type capacityBusyError struct{}

func (capacityBusyError) Error() string { return "scheduler_capacity_busy" }

func isCapacityBusy(err error) bool {
	_, ok := err.(capacityBusyError)
	return ok
}

func (s *Scheduler) loadSessionWithEviction(ctx context.Context, kind llamacpp.SessionKind, source Source, runtimeCfg llamacpp.RuntimeConfig, cfg Config) (llamacpp.SessionInfo, uint64, error) {
	loadBegin := time.Now()
	defer func() { s.metrics.RecordLoad(ctx, time.Since(loadBegin)) }()

	candidateEstimateMB := estimateCandidateVRAMMB(source.ModelPath)

	if err := s.ensureCapacity(ctx, candidateEstimateMB, cfg); err != nil {
		return llamacpp.SessionInfo{}, 0, err
	}

	session, err := s.engine.Start(ctx, kind, source, runtimeCfg)
	if err != nil {
		return llamacpp.SessionInfo{}, 0, fmt.Errorf("start session: %w", err)
	}
	return session, candidateEstimateMB, nil
}

func (s *Scheduler) ensureCapacity(ctx context.Context, candidateEstimateMB uint64, cfg Config) error {
	for {
		s.mu.Lock()
		telemetry, telemetryOK := s.telemetry.ReadTelemetry()
		limit := resolveCapacityLimit(cfg, s.state.loaded.all(), candidateEstimateMB, telemetry, telemetryOK)
		overCapacity := s.state.loaded.len() >= limit
		needVRAM := needsVRAMEviction(candidateEstimateMB, telemetry, telemetryOK)

		if !overCapacity && !needVRAM {
			s.mu.Unlock()
			return nil
		}

		candidate, ok := pickEvictionCandidate(s.state.loaded.all())
		s.mu.Unlock()

		if !ok {
			return capacityBusyError{}
		}
		if err := s.unloadKeyWithRecovery(ctx, candidate, cfg, true); err != nil {
			return err
		}
		s.metrics.RecordEviction(ctx)
	}
}

func (s *Scheduler) unloadKeyWithRecovery(ctx context.Context, key SessionKey, cfg Config, waitForRecovery bool) error {
	s.mu.Lock()
	runner, ok := s.state.loaded.remove(key)
	s.mu.Unlock()
	s.publishSnapshot()

	if !ok {
		return nil
	}

	before, telemetryOK := s.telemetry.ReadTelemetry()

	if err := s.engine.Stop(ctx, key.ModelID, key.Kind); err != nil {
		return fmt.Errorf("stop session %s: %w", key.ModelID, err)
	}

	if waitForRecovery && telemetryOK {
		s.waitForVRAMRecovery(before, runner.EstimatedVRAMMB, cfg)
	}
	return nil
}

// waitForVRAMRecovery polls telemetry until freed VRAM crosses the
// configured recovery threshold or the timeout elapses.
//
// Telemetry is treated as unreliable (and the wait returns
// immediately) once it reports used > total, a single-step jump
// exceeding 95% of total capacity, or two consecutive read failures —
// these are signs the GPU driver's counters are glitching rather than
// genuine signal, and continuing to block on them would stall request
// handling for no benefit.
func (s *Scheduler) waitForVRAMRecovery(before TelemetrySnapshot, estimatedVRAMMB uint64, cfg Config) {
	if before.GPUCount == 0 || estimatedVRAMMB == 0 {
		return
	}

	timeout := cfg.VRAMRecoveryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	poll := cfg.VRAMRecoveryPollEvery
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}
	threshold := cfg.VRAMRecoveryThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	expectedRecovery := uint64(float64(estimatedVRAMMB) * threshold)

	deadline := time.Now().Add(timeout)
	prevUsed := before.UsedVRAMMB
	var readErrors int

	for time.Now().Before(deadline) {
		time.Sleep(poll)

		now, ok := s.telemetry.ReadTelemetry()
		if !ok {
			readErrors++
			if readErrors >= 2 {
				return
			}
			continue
		}

		unreliable := now.UsedVRAMMB > now.TotalVRAMMB
		if now.TotalVRAMMB > 0 {
			jump := absDiffU64(now.UsedVRAMMB, prevUsed)
			if float64(jump) > float64(now.TotalVRAMMB)*0.95 {
				unreliable = true
			}
		}
		prevUsed = now.UsedVRAMMB

		if unreliable {
			return
		}

		recovered := satSubU64(now.FreeVRAMMB, before.FreeVRAMMB)
		if recovered >= expectedRecovery {
			return
		}
	}
}

func absDiffU64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func satSubU64(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// ForceUnloadModel stops every runner for modelID regardless of kind.
func (s *Scheduler) ForceUnloadModel(ctx context.Context, modelID string) error {
	s.mu.Lock()
	var keys []SessionKey
	for k := range s.state.loaded.all() {
		if k.ModelID == modelID {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		s.state.loaded.remove(k)
	}
	s.mu.Unlock()
	s.publishSnapshot()

	for _, k := range keys {
		if err := s.engine.Stop(ctx, k.ModelID, k.Kind); err != nil {
			return fmt.Errorf("stop session %s: %w", k.ModelID, err)
		}
	}
	return nil
}

// ForceUnloadAll stops every currently loaded runner.
func (s *Scheduler) ForceUnloadAll(ctx context.Context) error {
	s.mu.Lock()
	drained := s.state.loaded.drainAll()
	keys := make([]SessionKey, 0, len(drained))
	for _, r := range drained {
		keys = append(keys, r.Key)
	}
	s.mu.Unlock()
	s.publishSnapshot()

	for _, k := range keys {
		if err := s.engine.Stop(ctx, k.ModelID, k.Kind); err != nil {
			return fmt.Errorf("stop session %s: %w", k.ModelID, err)
		}
	}
	return nil
}

// Shutdown drains the queue, waits briefly for in-flight leases to
// release, then force-unloads every runner and stops the background
// loops.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.state.shuttingDown = true
	for _, w := range s.state.queue {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	s.state.queue = nil
	s.mu.Unlock()
	s.publishSnapshot()

	deadline := time.Now().Add(3 * time.Second)
	for {
		s.mu.Lock()
		inflight := 0
		for _, r := range s.state.loaded.all() {
			inflight += r.RefCount
		}
		s.mu.Unlock()
		if inflight == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	err := s.ForceUnloadAll(ctx)
	s.publishSnapshot()

	s.stopOnce.Do(func() { close(s.stopCh) })
	return err
}

func (s *Scheduler) releaseLoop() {
	for {
		select {
		case release := <-s.releaseCh:
			s.mu.Lock()
			if runner, ok := s.state.loaded.get(release.Key); ok && runner.RefCount > 0 {
				runner.RefCount--
				runner.LastUsed = time.Now()
			}
			s.mu.Unlock()
			s.publishSnapshot()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) expirationLoop() {
	for {
		s.mu.Lock()
		tick := s.state.config.ExpirationTick
		if tick <= 0 {
			tick = time.Second
		}
		s.mu.Unlock()

		select {
		case <-time.After(tick):
		case <-s.stopCh:
			return
		}

		s.mu.Lock()
		if s.state.shuttingDown {
			s.mu.Unlock()
			return
		}
		keepAlive := time.Duration(s.state.config.KeepAliveSecs) * time.Second
		var expired []SessionKey
		for k, r := range s.state.loaded.all() {
			if r.RefCount == 0 && time.Since(r.LastUsed) > keepAlive {
				expired = append(expired, k)
			}
		}
		cfg := s.state.config
		s.mu.Unlock()

		for _, k := range expired {
			if err := s.unloadKeyWithRecovery(context.Background(), k, cfg, false); err != nil {
				s.logger.Warn("scheduler expiration unload failed for %s: %v", k.ModelID, err)
			}
		}
	}
}

func (s *Scheduler) takeLeaseID() uint64 {
	id := s.state.nextLeaseID
	s.state.nextLeaseID++
	return id
}

func (s *Scheduler) notifyNextWaiter() {
	if len(s.state.queue) == 0 {
		return
	}
	next := s.state.queue[0]
	s.state.queue = s.state.queue[1:]
	select {
	case next.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) removeQueueEntry(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.state.queue {
		if e.id == id {
			s.state.queue = append(s.state.queue[:i], s.state.queue[i+1:]...)
			return
		}
	}
}

// dequeueMetered removes a waiter's queue entry (a no-op if
// notifyNextWaiter already popped it off the front) and balances the
// +1 recorded against scheduler_queue_depth at enqueue time. Every
// notify/timeout/cancel/shutdown exit from the wait select must call
// this exactly once per enqueued waiter.
func (s *Scheduler) dequeueMetered(ctx context.Context, id uint64) {
	s.removeQueueEntry(id)
	s.metrics.AdjustQueueDepth(ctx, -1)
}

// enqueueWithPriority inserts into the queue ordered by priority rank,
// FIFO within the same rank, and returns the entry's 1-based position.
// Caller must hold s.mu.
func (s *Scheduler) enqueueWithPriority(id uint64, priority RequestPriority, notify chan struct{}) int {
	entry := &queueEntry{id: id, priority: priority, notify: notify}

	index := len(s.state.queue)
	for i, e := range s.state.queue {
		if priority.rank() < e.priority.rank() {
			index = i
			break
		}
	}

	s.state.queue = append(s.state.queue, nil)
	copy(s.state.queue[index+1:], s.state.queue[index:])
	s.state.queue[index] = entry
	return index + 1
}

func (s *Scheduler) publishSnapshot() {
	s.mu.Lock()
	snap := s.buildSnapshot()
	s.mu.Unlock()

	s.snapMu.Lock()
	s.snapshot = snap
	for ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
	s.snapMu.Unlock()
}

func (s *Scheduler) buildSnapshot() Snapshot {
	modelSet := make(map[string]struct{})
	sessions := make([]LoadedSessionSnapshot, 0, s.state.loaded.len())
	inflight := 0

	for _, r := range s.state.loaded.all() {
		modelSet[r.Key.ModelID] = struct{}{}
		inflight += r.RefCount
		sessions = append(sessions, LoadedSessionSnapshot{
			ModelID:         r.Key.ModelID,
			Kind:            r.Key.Kind,
			Port:            r.Session.Port,
			PID:             r.Session.PID,
			RefCount:        r.RefCount,
			EstimatedVRAMMB: r.EstimatedVRAMMB,
		})
	}

	models := make([]string, 0, len(modelSet))
	for m := range modelSet {
		models = append(models, m)
	}
	sort.Strings(models)

	return Snapshot{
		LoadedModels:   models,
		LoadedSessions: sessions,
		QueueLen:       len(s.state.queue),
		Inflight:       inflight,
		Timestamp:      time.Now().Unix(),
		ShuttingDown:   s.state.shuttingDown,
	}
}
