package generic

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Single source of "now" for every checkpoint
// =============================================================================

// Clock returns the current instant. Validity decisions take the instant from
// a Clock so that all checkpoints evaluated at the same instant agree.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock is a settable clock for tests and demo scenarios.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{t: t.UTC()} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t.UTC()
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// JustBefore returns the instant one tick before t. Exhausted instruments get
// this as their expiry so they read as expired at any later clock reading.
func JustBefore(t time.Time) time.Time { return t.Add(-time.Nanosecond) }
