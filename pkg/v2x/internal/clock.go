// Package internal provides helpers shared by the v2x packages.
package internal

import (
	"sync"
	"time"
)

// Clock supplies the current time to components that timestamp samples
// themselves. Implementations must never go backwards.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now, which carries a monotonic reading.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock is a Clock whose time only moves when told to. It is intended
// for deterministic tests and simulations. It is safe for concurrent use so
// background loops can read it while a test advances it.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock reading start. A zero start is replaced by
// a fixed, non-zero instant so that "unset" timestamps stay distinguishable.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Date(2021, time.June, 8, 0, 0, 0, 0, time.UTC)
	}
	return &ManualClock{now: start}
}

// Now returns the clock's current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. It panics on negative d.
func (c *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("ManualClock.Advance: negative duration")
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Step advances the clock by n ticks of period and returns the new reading.
func (c *ManualClock) Step(n int, period time.Duration) time.Time {
	c.Advance(time.Duration(n) * period)
	return c.Now()
}
