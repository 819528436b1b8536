package engine

import "sync/atomic"

// Clock stamps lifecycle events. Sequence numbers are shared by every
// flow of an engine, so events of consecutive flows never interleave
// their numbers.
type Clock struct {
	last atomic.Int64
}

// NewClock returns a clock whose first tick is 1.
func NewClock() *Clock {
	return NewClockAt(0)
}

// NewClockAt returns a clock whose first tick is last+1, for resuming a
// sequence.
func NewClockAt(last int64) *Clock {
	c := new(Clock)
	c.last.Store(last)
	return c
}

// Next ticks and returns the new sequence number. Safe for concurrent use.
func (c *Clock) Next() int64 { return c.last.Add(1) }

// Current returns the most recent tick, 0 before the first.
func (c *Clock) Current() int64 { return c.last.Load() }
