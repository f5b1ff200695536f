package scheduler

import (
	"sync"

	"llamarun/internal/inference/llamacpp"
)

// leaseRelease is posted to the scheduler's release channel when a
// lease is released, decrementing the runner's ref count.
type leaseRelease struct {
	LeaseID uint64
	Key     SessionKey
}

// Lease is a move-only handle on a loaded session: callers must call
// Release exactly once (repeated calls are safe no-ops) when done
// issuing requests against Session(). A lease that is never released
// leaks a reference count and prevents its runner from ever being
// evicted or expired.
type Lease struct {
	id      uint64
	key     SessionKey
	session llamacpp.SessionInfo

	releaseOnce sync.Once
	releaseCh   chan<- leaseRelease
}

func newLease(id uint64, key SessionKey, session llamacpp.SessionInfo, releaseCh chan<- leaseRelease) *Lease {
	return &Lease{id: id, key: key, session: session, releaseCh: releaseCh}
}

// Session returns the underlying runner's connection info (port, api
// key, pid) for issuing HTTP requests against it.
func (l *Lease) Session() llamacpp.SessionInfo {
	return l.session
}

// Release returns this lease's reference to the scheduler. Idempotent.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		l.releaseCh <- leaseRelease{LeaseID: l.id, Key: l.key}
	})
}
