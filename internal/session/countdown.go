package session

import (
	"sync"
	"time"

	"tourwatch.org/internal/clock"
)

// Countdown re-arms itself every interval until tick returns false or
// Stop is called. It never fires after Stop returns.
type Countdown struct {
	clock    clock.Clock
	interval time.Duration
	tick     func() bool

	mu      sync.Mutex
	timer   *clock.Timer
	started bool
	stopped bool
}

func newCountdown(c clock.Clock, interval time.Duration, tick func() bool) *Countdown {
	return &Countdown{clock: c, interval: interval, tick: tick}
}

// Start arms the first tick. Calling Start twice, or after Stop, does nothing.
func (c *Countdown) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	c.timer = c.clock.AfterFunc(c.interval, c.fire)
}

// Stop cancels the pending tick.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.timer.Stop()
}

func (c *Countdown) fire() {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return
	}

	// tick takes the store lock; it must run without c.mu held.
	if !c.tick() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.timer = c.clock.AfterFunc(c.interval, c.fire)
	}
}
