// Package clocktest provides a manually-advanced clock for deterministic
// tests of time-driven combinators, playing the same role catrate's
// fake timeNow/timeNewTicker substitution plays for its limiter tests,
// but packaged as a real Clock implementation rather than package
// variables.
package clocktest

import (
	"context"
	"sync"
	"time"
)

type waiter struct {
	deadline time.Time
	wake     chan struct{}
}

// Clock is a fake clock whose Now only changes when Advance is called.
// The zero value is not usable; construct with New.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

// New constructs a Clock starting at the given instant.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements asyncseq.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// MinResolution implements asyncseq.Clock.
func (c *Clock) MinResolution() time.Duration { return time.Nanosecond }

// SleepUntil implements asyncseq.Clock.
func (c *Clock) SleepUntil(ctx context.Context, deadline time.Time, _ time.Duration) error {
	c.mu.Lock()
	if !c.now.Before(deadline) {
		c.mu.Unlock()
		return nil
	}
	w := &waiter{deadline: deadline, wake: make(chan struct{})}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves the clock forward by d, waking any SleepUntil calls whose
// deadline has now arrived.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	var woken []*waiter
	for _, w := range c.waiters {
		if !c.now.Before(w.deadline) {
			woken = append(woken, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	for _, w := range woken {
		close(w.wake)
	}
}
