package session

import "sync"

// lease owns the timers of one signed-in session. It is acquired when a
// session starts and released on every exit path; callbacks carry the
// lease id so a released lease never acts on its successor.
type lease struct {
	id        string
	countdown *Countdown
	tracker   *Tracker

	mu       sync.Mutex
	started  bool
	released bool
}

// start arms both timer families. A lease released before start stays idle.
func (l *lease) start() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.released {
		return
	}
	l.started = true
	l.countdown.Start()
	l.tracker.Attach()
}

// release cancels both timer families together. Safe to call repeatedly.
func (l *lease) release() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.countdown.Stop()
	l.tracker.Detach()
}
