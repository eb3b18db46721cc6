package session

import (
	"strings"
	"sync"
	"time"

	"tourwatch.org/internal/clock"
)

// Signal is a user interaction reported by the dashboard.
type Signal string

const (
	SignalPointerDown Signal = "pointerdown"
	SignalPointerMove Signal = "pointermove"
	SignalKeyPress    Signal = "keypress"
	SignalScroll      Signal = "scroll"
	SignalTouchStart  Signal = "touchstart"
	SignalClick       Signal = "click"
)

// TrackedSignals lists every signal counted as liveness.
var TrackedSignals = []Signal{
	SignalPointerDown, SignalPointerMove, SignalKeyPress,
	SignalScroll, SignalTouchStart, SignalClick,
}

// ParseSignal normalises s and reports whether it is tracked.
func ParseSignal(s string) (Signal, bool) {
	sig := Signal(strings.ToLower(strings.TrimSpace(s)))
	return sig, sig.Tracked()
}

// Tracked reports whether sig counts as user activity.
func (sig Signal) Tracked() bool {
	for _, t := range TrackedSignals {
		if sig == t {
			return true
		}
	}
	return false
}

// Tracker keeps the presence flag for one session. Activity re-arms the
// idle timer and is forwarded to onActivity; the idle timer only clears
// the flag and never ends the session.
type Tracker struct {
	clock      clock.Clock
	idle       time.Duration
	onActivity func()
	onIdle     func()

	mu       sync.Mutex
	attached bool
	detached bool
	active   bool
	last     time.Time
	timer    *clock.Timer
}

func newTracker(c clock.Clock, idle time.Duration, onActivity, onIdle func()) *Tracker {
	return &Tracker{clock: c, idle: idle, onActivity: onActivity, onIdle: onIdle}
}

// Attach marks the user present and starts the idle window.
func (t *Tracker) Attach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attached || t.detached {
		return
	}
	t.attached = true
	t.active = true
	t.last = t.clock.Now()
	t.timer = t.clock.AfterFunc(t.idle, t.expire)
}

// Detach stops the idle timer. A detached tracker ignores every signal.
func (t *Tracker) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
	t.attached = false
	t.active = false
	t.timer.Stop()
}

// Record handles one signal and reports whether it was counted.
func (t *Tracker) Record(sig Signal) bool {
	if !sig.Tracked() {
		return false
	}
	t.mu.Lock()
	if !t.attached {
		t.mu.Unlock()
		return false
	}
	t.active = true
	t.last = t.clock.Now()
	t.timer.Reset(t.idle)
	t.mu.Unlock()

	if t.onActivity != nil {
		t.onActivity()
	}
	return true
}

// Active reports the presence flag.
func (t *Tracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tracker) expire() {
	t.mu.Lock()
	// A signal may have landed between the timer firing and this call.
	if !t.attached || !t.active || t.clock.Now().Sub(t.last) < t.idle {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()

	if t.onIdle != nil {
		t.onIdle()
	}
}
