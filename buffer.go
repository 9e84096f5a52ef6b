package asyncseq

import (
	"context"
	"io"
	"sync"

	"github.com/joeycumines/go-asyncseq/internal/deque"
	"github.com/joeycumines/go-asyncseq/internal/guard"
	"github.com/joeycumines/go-asyncseq/internal/telemetry"
)

// BufferKind selects a Buffer's back-pressure policy.
type BufferKind int

const (
	// BufferBounded suspends the producer once the buffer holds N
	// elements, resuming it as the consumer drains.
	BufferBounded BufferKind = iota
	// BufferUnbounded never suspends the producer.
	BufferUnbounded
	// BufferLatest drops the oldest buffered element to make room for a
	// new one once the buffer holds N elements.
	BufferLatest
	// BufferOldest drops a newly produced element once the buffer holds
	// N elements, keeping whatever arrived first.
	BufferOldest
)

// BufferPolicy configures a Buffer. Construct one with Bounded,
// Unbounded, BufferingLatest, or BufferingOldest.
type BufferPolicy struct {
	kind BufferKind
	n    int
}

// Bounded suspends the producer once the buffer reaches n queued
// elements. n == 0 degenerates to a transparent pass-through of upstream.
func Bounded(n int) BufferPolicy {
	precondition("Bounded", n >= 0, "capacity must be >= 0")
	return BufferPolicy{kind: BufferBounded, n: n}
}

// Unbounded never suspends the producer; memory is the only limit.
func Unbounded() BufferPolicy {
	return BufferPolicy{kind: BufferUnbounded}
}

// BufferingLatest retains only the n most recently produced, unconsumed
// elements, dropping the oldest as new ones arrive. n == 0 degenerates
// to a transparent pass-through of upstream.
func BufferingLatest(n int) BufferPolicy {
	precondition("BufferingLatest", n >= 0, "capacity must be >= 0")
	return BufferPolicy{kind: BufferLatest, n: n}
}

// BufferingOldest retains only the first n unconsumed elements,
// discarding newer arrivals once full. n == 0 degenerates to a
// transparent pass-through of upstream.
func BufferingOldest(n int) BufferPolicy {
	precondition("BufferingOldest", n >= 0, "capacity must be >= 0")
	return BufferPolicy{kind: BufferOldest, n: n}
}

type bufferResult[E any] struct {
	value E
	err   error
}

// bufferCore is the pure state behind the mutex: everything an Advance
// or a driver delivery needs to read or mutate.
type bufferCore[E any] struct {
	buf            *deque.Deque[E]
	consumerWaiter chan bufferResult[E]
	producerWaiter chan struct{}
	done           bool
	finalErr       error
}

// Buffer wraps an upstream Iterator with a back-pressure policy. The
// driver task is spawned lazily, on the first Advance.
type Buffer[E any] struct {
	policy      BufferPolicy
	upstream    Iterator[E]
	passthrough bool

	startOnce sync.Once
	state     *guard.Guard[bufferCore[E]]

	cancel     context.CancelCauseFunc
	driverDone chan struct{}
	closeOnce  sync.Once
}

// NewBuffer constructs a Buffer wrapping upstream under policy.
func NewBuffer[E any](upstream Iterator[E], policy BufferPolicy) *Buffer[E] {
	b := &Buffer[E]{
		policy:   policy,
		upstream: upstream,
	}
	if policy.kind != BufferUnbounded && policy.n == 0 {
		b.passthrough = true
		return b
	}
	b.state = guard.New(bufferCore[E]{buf: deque.New[E]()})
	return b
}

// Advance implements Iterator.
func (b *Buffer[E]) Advance(ctx context.Context) (E, error) {
	var zero E
	if b.passthrough {
		return b.upstream.Advance(ctx)
	}

	b.startOnce.Do(func() { b.start() })

	type popResult struct {
		value   E
		haveVal bool
		done    bool
		err     error
		wake    chan struct{}
		ch      chan bufferResult[E]
	}

	// Pop, observe end, or install a consumer waiter, all inside one
	// critical section so the buffer can't gain an element between a
	// "no value yet" observation and the waiter being installed.
	pr := guard.Do(b.state, func(s *bufferCore[E]) popResult {
		if v, ok := s.buf.PopFront(); ok {
			var wake chan struct{}
			if s.producerWaiter != nil && b.producerMayResume(s) {
				wake = s.producerWaiter
				s.producerWaiter = nil
			}
			return popResult{value: v, haveVal: true, wake: wake}
		}
		if s.done {
			// A failure is reported once; every later call sees io.EOF.
			err := s.finalErr
			s.finalErr = io.EOF
			return popResult{done: true, err: err}
		}
		ch := make(chan bufferResult[E], 1)
		s.consumerWaiter = ch
		return popResult{ch: ch}
	})

	if pr.wake != nil {
		close(pr.wake)
	}
	if pr.haveVal {
		return pr.value, nil
	}
	if pr.done {
		if pr.err == nil {
			pr.err = io.EOF
		}
		return zero, pr.err
	}

	ch := pr.ch
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		guard.Do(b.state, func(s *bufferCore[E]) struct{} {
			if s.consumerWaiter == ch {
				s.consumerWaiter = nil
			}
			return struct{}{}
		})
		return zero, ctx.Err()
	}
}

// producerMayResume reports whether, having just freed one slot, a
// suspended producer (bounded policy only) may now proceed.
func (b *Buffer[E]) producerMayResume(s *bufferCore[E]) bool {
	return b.policy.kind == BufferBounded && s.buf.Len() < b.policy.n
}

// Close cancels the driver task and resumes any suspended consumer with
// io.EOF, matching the contract that consumer continuations resume with
// end on cancellation. Idempotent.
func (b *Buffer[E]) Close() error {
	if b.passthrough {
		return nil
	}
	b.closeOnce.Do(func() {
		// Finalize before cancelling, so the driver's own finish (reacting
		// to the cancellation) is a no-op rather than a competing delivery.
		cw := guard.Do(b.state, func(s *bufferCore[E]) chan bufferResult[E] {
			s.done = true
			if s.finalErr == nil {
				s.finalErr = io.EOF
			}
			cw := s.consumerWaiter
			s.consumerWaiter = nil
			return cw
		})
		if b.cancel != nil {
			b.cancel(ErrClosed)
		}
		if cw != nil {
			var zero E
			cw <- bufferResult[E]{value: zero, err: io.EOF}
		}
		if b.driverDone != nil {
			<-b.driverDone
		}
	})
	return nil
}

func (b *Buffer[E]) start() {
	ctx, cancel := context.WithCancelCause(context.Background())
	b.cancel = cancel
	b.driverDone = make(chan struct{})
	go b.drive(ctx)
}

func (b *Buffer[E]) drive(ctx context.Context) {
	defer close(b.driverDone)
	log := telemetry.Logger()

	for {
		if b.policy.kind == BufferBounded {
			type waitState struct {
				wake      chan struct{}
				mustWait  bool
			}
			ws := guard.Do(b.state, func(s *bufferCore[E]) waitState {
				if s.buf.Len() < b.policy.n {
					return waitState{}
				}
				ch := make(chan struct{})
				s.producerWaiter = ch
				return waitState{wake: ch, mustWait: true}
			})
			if ws.mustWait {
				select {
				case <-ws.wake:
				case <-ctx.Done():
					return
				}
			}
		}

		v, err := b.upstream.Advance(ctx)
		if err != nil {
			if err != io.EOF {
				err = &UpstreamError{Op: "Buffer", Err: err}
			}
			b.finish(err)
			return
		}

		cw := guard.Do(b.state, func(s *bufferCore[E]) chan bufferResult[E] {
			if s.consumerWaiter != nil {
				cw := s.consumerWaiter
				s.consumerWaiter = nil
				return cw
			}
			switch b.policy.kind {
			case BufferLatest:
				if b.policy.n > 0 && s.buf.Len() >= b.policy.n {
					s.buf.PopFront()
					log.Debug().Log("asyncseq: buffer dropped oldest element")
				}
				s.buf.PushBack(v)
			case BufferOldest:
				if b.policy.n > 0 && s.buf.Len() >= b.policy.n {
					log.Debug().Log("asyncseq: buffer dropped newest element")
				} else {
					s.buf.PushBack(v)
				}
			default:
				s.buf.PushBack(v)
			}
			return nil
		})
		if cw != nil {
			cw <- bufferResult[E]{value: v}
		}
	}
}

func (b *Buffer[E]) finish(err error) {
	cw := guard.Do(b.state, func(s *bufferCore[E]) chan bufferResult[E] {
		if s.done {
			// Already finished, e.g. via Close racing the driver's own
			// upstream failure/end. Whichever finalized first wins.
			return nil
		}
		s.done = true
		s.finalErr = err
		cw := s.consumerWaiter
		s.consumerWaiter = nil
		if cw != nil {
			// The waiting consumer observes err; later calls see io.EOF.
			s.finalErr = io.EOF
		}
		return cw
	})
	if cw != nil {
		var zero E
		cw <- bufferResult[E]{value: zero, err: err}
	}
}
