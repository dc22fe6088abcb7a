// Package clock provides a pausable playback clock driven by the demux
// coordinator's pause notifications.
package clock

import (
	"sync"
	"time"
)

// Clock tracks a playback position that advances with wall time while
// running and holds still while paused. It starts paused at zero.
type Clock struct {
	mu     sync.Mutex
	now    func() time.Time
	base   time.Duration
	start  time.Time
	paused bool
}

// New creates a paused clock at position zero.
func New() *Clock {
	return &Clock{now: time.Now, paused: true}
}

// Pause freezes or resumes the clock. Repeated calls with the same value
// are no-ops.
func (c *Clock) Pause(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused == paused {
		return
	}
	if paused {
		c.base += c.now().Sub(c.start)
	} else {
		c.start = c.now()
	}
	c.paused = paused
}

// Set jumps to pos, keeping the paused state.
func (c *Clock) Set(pos time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = pos
	c.start = c.now()
}

// Position returns the current playback position.
func (c *Clock) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return c.base
	}
	return c.base + c.now().Sub(c.start)
}

// Paused reports whether the clock is paused.
func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
