package asyncseq

import (
	"context"
	"time"
)

// Clock abstracts wall-clock access for Debounce and Repeating, the same
// way catrate's Limiter indirects through a package-level timeNow/
// timeNewTicker pair so tests can substitute a fake. Here the
// indirection is a proper interface, since debounce also needs a
// cancellable sleep rather than just a ticker.
type Clock interface {
	// Now returns the clock's current instant.
	Now() time.Time

	// MinResolution is the smallest duration this clock can reliably
	// distinguish; combinators may use it as a default tolerance.
	MinResolution() time.Duration

	// SleepUntil suspends the caller until deadline, or ctx is done,
	// whichever comes first. Implementations may over-sleep by up to
	// tolerance but must never wake before deadline.
	SleepUntil(ctx context.Context, deadline time.Time, tolerance time.Duration) error
}

// systemClock is the default Clock, backed by the time package.
type systemClock struct{}

// SystemClock is a Clock backed by the real wall clock.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) MinResolution() time.Duration { return time.Millisecond }

func (systemClock) SleepUntil(ctx context.Context, deadline time.Time, _ time.Duration) error {
	d := time.Until(deadline)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
