package clock

import "sync"

// Flag is an interruptible, deadline-bounded wait bound to a Clock and a
// caller-supplied mutex. Sleep and SleepUntil release the mutex for the
// duration of the wait and re-acquire it before returning, so callers get
// classical condition-variable semantics: hold the mutex, check the
// predicate, sleep, re-check.
//
// Set is idempotent. If no sleeper is waiting, the next sleep call returns
// immediately once. Spurious wakeups are permitted.
type Flag struct {
	clock Clock
	mu    *sync.Mutex
	wake  chan struct{}
}

// NewFlag returns a Flag bound to the given clock and mutex.
func NewFlag(c Clock, mu *sync.Mutex) *Flag {
	return &Flag{clock: c, mu: mu, wake: make(chan struct{}, 1)}
}

// Set wakes the current sleeper, or arms the flag so the next sleep
// returns immediately. Safe to call with or without the mutex held,
// from any goroutine.
func (f *Flag) Set() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Sleep blocks until Set is called. The mutex must be held on entry;
// it is released while blocked and re-acquired before return.
func (f *Flag) Sleep() {
	f.mu.Unlock()
	<-f.wake
	f.mu.Lock()
}

// SleepUntil blocks until the clock reaches deadline or Set is called,
// whichever comes first. Returns true iff the wait ended with Set.
// The mutex must be held on entry; it is released while blocked and
// re-acquired before return.
func (f *Flag) SleepUntil(deadline MonoTime) bool {
	timer, cancel := f.clock.Timer(deadline)
	defer cancel()

	f.mu.Unlock()
	var woken bool
	select {
	case <-f.wake:
		woken = true
	case <-timer:
	}
	f.mu.Lock()
	return woken
}
