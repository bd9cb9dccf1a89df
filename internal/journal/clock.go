package journal

import "sync/atomic"

// Clock is the logical clock that numbers transitions.
//
// Every transition is stamped with a strictly increasing ordinal. A query
// records the clock's current value when it starts, and ignores every
// transition at or below it.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Uint64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific ordinal.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next ordinal and advances the clock.
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// Current returns the last ordinal handed out.
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}
