package microtetherdb

import (
	"sync"
	"time"
)

// leaseLock is the shared-lease / exclusive-mutation lock described in
// spec.md §4.6: readers (Get/Query) take a shared lease for the duration
// of their work; the worker takes the exclusive side before applying
// each mutation, waiting up to a caller-supplied timeout for
// outstanding leases to drain.
//
// It is intentionally a polling wait rather than sync.Cond, which has no
// timeout-aware Wait: the worker is a single cooperative task that
// already yields at operation boundaries, so a short poll interval fits
// the same suspension-point model spec.md describes rather than adding
// real blocking concurrency primitives the cooperative model doesn't
// need.
type leaseLock struct {
	mu      sync.Mutex
	readers int
}

const leasePollInterval = 1 * time.Millisecond

func (l *leaseLock) RLock() {
	l.mu.Lock()
	l.readers++
	l.mu.Unlock()
}

func (l *leaseLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	l.mu.Unlock()
}

// LockExclusive waits up to timeout for all outstanding read leases to
// drain, then reports true. A zero or negative timeout means "wait
// forever". Returns false on timeout; the caller holds no lock in that
// case.
func (l *leaseLock) LockExclusive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		if l.readers == 0 {
			// Leave mu held: exclusive "lock" for this lease is
			// represented by holding mu across the mutation.
			return true
		}
		l.mu.Unlock()

		if timeout > 0 && time.Now().After(deadline) {
			return false
		}
		time.Sleep(leasePollInterval)
	}
}

func (l *leaseLock) UnlockExclusive() {
	l.mu.Unlock()
}
