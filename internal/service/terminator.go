package service

import (
	"time"
)

// TimeoutTerminator tracks the remaining budget of one request from its start.
// A nil terminator never expires.
type TimeoutTerminator struct {
	start    time.Time
	deadline time.Time
	now      func() time.Time
}

// NewTimeoutTerminator creates a terminator expiring budget after start
func NewTimeoutTerminator(start time.Time, budget time.Duration) *TimeoutTerminator {
	return &TimeoutTerminator{
		start:    start,
		deadline: start.Add(budget),
		now:      time.Now,
	}
}

// Deadline returns the absolute end of the budget
func (t *TimeoutTerminator) Deadline() time.Time {
	if t == nil {
		return time.Now().Add(24 * time.Hour)
	}
	return t.deadline
}

// Remaining returns the unused budget, never negative
func (t *TimeoutTerminator) Remaining() time.Duration {
	if t == nil {
		return 24 * time.Hour
	}
	left := t.deadline.Sub(t.now())
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the budget is used up
func (t *TimeoutTerminator) Expired() bool {
	return t != nil && t.Remaining() <= 0
}

// Clamp returns min(d, remaining budget). A non-positive d means no configured limit.
func (t *TimeoutTerminator) Clamp(d time.Duration) time.Duration {
	left := t.Remaining()
	if d <= 0 || d > left {
		return left
	}
	return d
}

// Elapsed returns the time since the request started
func (t *TimeoutTerminator) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return t.now().Sub(t.start)
}
