package asyncseq

import (
	"context"
	"io"

	"github.com/joeycumines/go-asyncseq/internal/deque"
	"github.com/joeycumines/go-asyncseq/internal/guard"
	"github.com/joeycumines/go-asyncseq/internal/telemetry"
)

type channelResult[E any] struct {
	value E
	err   error
}

type pendingSend[E any] struct {
	value E
	done  chan error
}

// channelCore is the pure state behind the mutex. The invariant: if a
// consumer is pending, the send queue is empty; if the send queue is
// nonempty, no consumer is pending.
type channelCore[E any] struct {
	sends      *deque.Deque[pendingSend[E]]
	consumer   chan channelResult[E]
	terminal   bool
	terminalErr error // nil means finished cleanly
}

// Channel is a reference-shared, rendezvous, multi-producer,
// single-consumer handoff. Send suspends until a consumer accepts the
// element or the channel terminates; Advance implements Iterator for
// the consuming side. There is no finish-on-drop semantic: senders and
// the consumer must terminate the channel explicitly via Finish or
// Fail.
type Channel[E any] struct {
	state *guard.Guard[channelCore[E]]
}

// NewChannel constructs an empty, open Channel.
func NewChannel[E any]() *Channel[E] {
	return &Channel[E]{
		state: guard.New(channelCore[E]{sends: deque.New[pendingSend[E]]()}),
	}
}

type sendOutcome[E any] struct {
	immediate bool
	immErr    error
	consumer  chan channelResult[E]
	wait      chan error
}

// Send suspends the caller until a consumer accepts e or the channel is
// terminated, in which case it returns immediately without delivery.
// Concurrent senders are ordered by arrival at the mutex. Cancelling ctx
// resumes only this call, leaving the channel and other senders
// unaffected.
func (c *Channel[E]) Send(ctx context.Context, e E) error {
	out := guard.Do(c.state, func(s *channelCore[E]) sendOutcome[E] {
		if s.terminal {
			return sendOutcome[E]{immediate: true}
		}
		if s.consumer != nil {
			cw := s.consumer
			s.consumer = nil
			return sendOutcome[E]{consumer: cw}
		}
		wait := make(chan error, 1)
		s.sends.PushBack(pendingSend[E]{value: e, done: wait})
		return sendOutcome[E]{wait: wait}
	})

	if out.immediate {
		return nil
	}
	if out.consumer != nil {
		out.consumer <- channelResult[E]{value: e}
		return nil
	}

	select {
	case err := <-out.wait:
		return err
	case <-ctx.Done():
		guard.Do(c.state, func(s *channelCore[E]) struct{} {
			c.removePendingSend(s, out.wait)
			return struct{}{}
		})
		return ctx.Err()
	}
}

// removePendingSend drops a sender's queued entry by identity, called
// while already holding the mutex. No-op if it already left the queue
// (e.g. a consumer claimed it concurrently with the cancellation).
func (c *Channel[E]) removePendingSend(s *channelCore[E], wait chan error) {
	n := s.sends.Len()
	for i := 0; i < n; i++ {
		v, _ := s.sends.PopFront()
		if v.done != wait {
			s.sends.PushBack(v)
		}
	}
}

type advanceOutcome[E any] struct {
	imm    channelResult[E]
	hasImm bool
	ch     chan channelResult[E]
	resume chan error
	value  E
}

// Advance implements Iterator for the consuming side: it returns the
// next pending send's element, or io.EOF/the failure once Finish/Fail
// has been called and the queue has drained.
func (c *Channel[E]) Advance(ctx context.Context) (E, error) {
	var zero E
	out := guard.Do(c.state, func(s *channelCore[E]) advanceOutcome[E] {
		if v, ok := s.sends.PopFront(); ok {
			return advanceOutcome[E]{hasImm: true, imm: channelResult[E]{value: v.value}, resume: v.done}
		}
		if s.terminal {
			err := s.terminalErr
			if err == nil {
				err = io.EOF
			}
			// A failure is reported once; every later call sees io.EOF.
			s.terminalErr = nil
			return advanceOutcome[E]{hasImm: true, imm: channelResult[E]{err: err}}
		}
		ch := make(chan channelResult[E], 1)
		s.consumer = ch
		return advanceOutcome[E]{ch: ch}
	})

	if out.resume != nil {
		out.resume <- nil
	}
	if out.hasImm {
		return out.imm.value, out.imm.err
	}

	select {
	case r := <-out.ch:
		return r.value, r.err
	case <-ctx.Done():
		guard.Do(c.state, func(s *channelCore[E]) struct{} {
			if s.consumer == out.ch {
				s.consumer = nil
			}
			return struct{}{}
		})
		return zero, ctx.Err()
	}
}

type terminateOutcome[E any] struct {
	consumer chan channelResult[E]
	senders  []pendingSend[E]
}

// Finish terminates the channel cleanly: pending senders return nil
// immediately and the pending consumer (if any) resumes with io.EOF.
// Subsequent Send calls return immediately without delivery; subsequent
// Advance calls return io.EOF. Idempotent.
func (c *Channel[E]) Finish() { c.terminate(nil) }

// Fail terminates the channel with err: pending senders return nil
// immediately without their elements being delivered (the failure is
// the consumer's to see) and the pending consumer (if any) resumes with
// err.
// Subsequent Advance calls return err once, then io.EOF. Idempotent.
func (c *Channel[E]) Fail(err error) {
	precondition("Channel.Fail", err != nil, "err must not be nil")
	c.terminate(err)
}

func (c *Channel[E]) terminate(err error) {
	if err != nil {
		telemetry.Logger().Debug().Err(err).Log("asyncseq: channel failed, draining pending senders")
	}
	out := guard.Do(c.state, func(s *channelCore[E]) terminateOutcome[E] {
		if s.terminal {
			return terminateOutcome[E]{}
		}
		s.terminal = true
		s.terminalErr = err
		var senders []pendingSend[E]
		for {
			v, ok := s.sends.PopFront()
			if !ok {
				break
			}
			senders = append(senders, v)
		}
		cw := s.consumer
		s.consumer = nil
		if cw != nil {
			// The pending consumer observes err; later calls see io.EOF.
			s.terminalErr = nil
		}
		return terminateOutcome[E]{consumer: cw, senders: senders}
	})

	for _, snd := range out.senders {
		snd.done <- nil
	}
	if out.consumer != nil {
		resultErr := err
		if resultErr == nil {
			resultErr = io.EOF
		}
		out.consumer <- channelResult[E]{err: resultErr}
	}
}
