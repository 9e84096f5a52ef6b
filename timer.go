package asyncseq

import (
	"context"
	"io"
	"time"
)

// repeater is a stateless Iterator[time.Time] ticking on a fixed
// schedule.
type repeater struct {
	clock     Clock
	every     time.Duration
	tolerance time.Duration
}

// Repeating produces the clock's instant every `every` duration,
// computing each deadline afresh from the clock's current now rather
// than from the previous scheduled tick, so a slow consumer never sees
// a burst of catch-up ticks. tolerance <= 0 defers to
// clock.MinResolution. A nil clock uses SystemClock. Cancelling the
// consuming context resumes with io.EOF, per the Iterator contract.
func Repeating(clock Clock, every, tolerance time.Duration) Iterator[time.Time] {
	precondition("Repeating", every > 0, "every must be positive")
	if clock == nil {
		clock = SystemClock
	}
	if tolerance <= 0 {
		tolerance = clock.MinResolution()
	}
	return &repeater{clock: clock, every: every, tolerance: tolerance}
}

// Advance implements Iterator.
func (r *repeater) Advance(ctx context.Context) (time.Time, error) {
	deadline := r.clock.Now().Add(r.every)
	if err := r.clock.SleepUntil(ctx, deadline, r.tolerance); err != nil {
		return time.Time{}, io.EOF
	}
	return deadline, nil
}
