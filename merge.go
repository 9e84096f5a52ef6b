package asyncseq

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-asyncseq/internal/deque"
	"github.com/joeycumines/go-asyncseq/internal/guard"
	"github.com/joeycumines/go-asyncseq/internal/telemetry"
)

type mergeTag int

const (
	mgMerging mergeTag = iota
	mgUpstreamFailure
	mgFinished
)

type mergeResult[E any] struct {
	value E
	err   error
}

// mergeCore is the pure state behind the mutex. parked holds, per
// upstream index, the wake channel that sub-task is suspended on while
// awaiting demand; nil means that sub-task isn't currently parked there
// (either still racing upstream, or it has already observed demandGen).
type mergeCore[E any] struct {
	tag            mergeTag
	buf            *deque.Deque[E]
	consumerWaiter chan mergeResult[E]
	demandGen      int
	parked         []chan struct{}
	finishedCount  int
	failure        error
}

// Merge fans in 2 or 3 upstream Iterators of identical element type,
// producing elements in arrival order and ending only once every
// upstream has ended. The first upstream failure cancels the others and
// is delivered after any already-buffered elements drain.
type Merge[E any] struct {
	upstreams []Iterator[E]
	total     int

	startOnce sync.Once
	state     *guard.Guard[mergeCore[E]]

	cancel     context.CancelCauseFunc
	driverDone chan struct{}
	closeOnce  sync.Once
}

// NewMerge constructs a Merge over 2 or 3 upstreams.
func NewMerge[E any](upstreams ...Iterator[E]) *Merge[E] {
	precondition("NewMerge", len(upstreams) >= 2 && len(upstreams) <= 3, "merge requires 2 or 3 upstreams")
	return &Merge[E]{
		upstreams: upstreams,
		total:     len(upstreams),
		state: guard.New(mergeCore[E]{
			tag:    mgMerging,
			buf:    deque.New[E](),
			parked: make([]chan struct{}, len(upstreams)),
		}),
	}
}

type mergeAdvanceOutcome[E any] struct {
	ch     chan mergeResult[E]
	imm    mergeResult[E]
	hasImm bool
	grant  []chan struct{}
}

// Advance implements Iterator.
func (m *Merge[E]) Advance(ctx context.Context) (E, error) {
	var zero E
	m.startOnce.Do(m.start)

	out := guard.Do(m.state, func(s *mergeCore[E]) mergeAdvanceOutcome[E] {
		switch s.tag {
		case mgMerging:
			if v, ok := s.buf.PopFront(); ok {
				return mergeAdvanceOutcome[E]{hasImm: true, imm: mergeResult[E]{value: v}}
			}
			ch := make(chan mergeResult[E], 1)
			s.consumerWaiter = ch
			s.demandGen++
			var grant []chan struct{}
			for i, p := range s.parked {
				if p != nil {
					grant = append(grant, p)
					s.parked[i] = nil
				}
			}
			return mergeAdvanceOutcome[E]{ch: ch, grant: grant}

		case mgUpstreamFailure:
			if v, ok := s.buf.PopFront(); ok {
				return mergeAdvanceOutcome[E]{hasImm: true, imm: mergeResult[E]{value: v}}
			}
			err := s.failure
			s.tag = mgFinished
			return mergeAdvanceOutcome[E]{hasImm: true, imm: mergeResult[E]{err: err}}

		default: // mgFinished
			if v, ok := s.buf.PopFront(); ok {
				return mergeAdvanceOutcome[E]{hasImm: true, imm: mergeResult[E]{value: v}}
			}
			return mergeAdvanceOutcome[E]{hasImm: true, imm: mergeResult[E]{err: io.EOF}}
		}
	})

	for _, ch := range out.grant {
		close(ch)
	}

	if out.hasImm {
		err := out.imm.err
		if err == nil {
			err = io.EOF
		}
		return out.imm.value, err
	}

	select {
	case r := <-out.ch:
		return r.value, r.err
	case <-ctx.Done():
		guard.Do(m.state, func(s *mergeCore[E]) struct{} {
			if s.consumerWaiter == out.ch {
				s.consumerWaiter = nil
			}
			return struct{}{}
		})
		return zero, ctx.Err()
	}
}

// Close cancels the driver's sub-tasks and resumes any suspended
// consumer with io.EOF. Idempotent.
func (m *Merge[E]) Close() error {
	m.closeOnce.Do(func() {
		// Finalize before cancelling, so sub-tasks reacting to the
		// cancellation find mgFinished and deliver nothing themselves.
		type deliver struct {
			ch  chan mergeResult[E]
			has bool
		}
		dl := guard.Do(m.state, func(s *mergeCore[E]) deliver {
			cw := s.consumerWaiter
			s.consumerWaiter = nil
			s.tag = mgFinished
			return deliver{ch: cw, has: cw != nil}
		})
		if m.cancel != nil {
			m.cancel(ErrClosed)
		}
		if dl.has {
			dl.ch <- mergeResult[E]{err: io.EOF}
		}
		if m.driverDone != nil {
			<-m.driverDone
		}
	})
	return nil
}

// start spawns one sub-task per upstream under an errgroup: a sub-task
// returning a non-nil error (an upstream failure) cancels the shared
// context for its siblings automatically. An outer cancellable context
// layers Close's iterator-destruction cancellation on top, since
// errgroup's own derived context only reacts to sub-task errors.
func (m *Merge[E]) start() {
	base, cancel := context.WithCancelCause(context.Background())
	m.cancel = cancel
	m.driverDone = make(chan struct{})

	g, ctx := errgroup.WithContext(base)
	for i, up := range m.upstreams {
		i, up := i, up
		g.Go(func() error { return m.subtask(ctx, i, up) })
	}
	go func() {
		_ = g.Wait()
		close(m.driverDone)
	}()
}

// subtask implements one upstream's loop: park for demand, advance once,
// hand the result to the state machine, and re-park. Demand is granted
// to every parked sub-task by each consumer Advance, so the first to
// produce wins; losers simply buffer. Returning a non-nil error signals
// the owning errgroup to cancel the remaining sub-tasks.
func (m *Merge[E]) subtask(ctx context.Context, idx int, up Iterator[E]) error {
	lastGen := 0
	for {
		gen, ok := m.waitForDemand(ctx, idx, lastGen)
		if !ok {
			return nil
		}
		lastGen = gen

		v, err := up.Advance(ctx)
		if err != nil {
			if err == io.EOF {
				m.onUpstreamEnd()
				return nil
			}
			err = &UpstreamError{Op: "Merge", Err: err}
			m.onUpstreamFailure(err)
			return err
		}
		m.onElement(v)
	}
}

type mergeArm struct {
	proceed bool
	gen     int
	wake    chan struct{}
	done    bool
}

func (m *Merge[E]) waitForDemand(ctx context.Context, idx int, lastGen int) (int, bool) {
	for {
		a := guard.Do(m.state, func(s *mergeCore[E]) mergeArm {
			if s.tag != mgMerging {
				return mergeArm{done: true}
			}
			if s.demandGen > lastGen {
				return mergeArm{proceed: true, gen: s.demandGen}
			}
			ch := make(chan struct{})
			s.parked[idx] = ch
			return mergeArm{wake: ch}
		})
		if a.done {
			return 0, false
		}
		if a.proceed {
			return a.gen, true
		}
		select {
		case <-a.wake:
		case <-ctx.Done():
			return 0, false
		}
	}
}

func (m *Merge[E]) onElement(v E) {
	type deliver struct {
		ch  chan mergeResult[E]
		has bool
	}
	dl := guard.Do(m.state, func(s *mergeCore[E]) deliver {
		if s.tag != mgMerging {
			return deliver{}
		}
		if s.consumerWaiter != nil {
			cw := s.consumerWaiter
			s.consumerWaiter = nil
			return deliver{ch: cw, has: true}
		}
		s.buf.PushBack(v)
		return deliver{}
	})
	if dl.has {
		dl.ch <- mergeResult[E]{value: v}
	}
}

func (m *Merge[E]) onUpstreamEnd() {
	type deliver struct {
		ch  chan mergeResult[E]
		has bool
	}
	dl := guard.Do(m.state, func(s *mergeCore[E]) deliver {
		if s.tag != mgMerging {
			return deliver{}
		}
		s.finishedCount++
		if s.finishedCount < m.total {
			return deliver{}
		}
		s.tag = mgFinished
		cw := s.consumerWaiter
		s.consumerWaiter = nil
		return deliver{ch: cw, has: cw != nil}
	})
	if dl.has {
		dl.ch <- mergeResult[E]{err: io.EOF}
	}
}

// onUpstreamFailure records the failure in the state machine; the
// caller returning err from its errgroup goroutine is what actually
// cancels the sibling sub-tasks.
func (m *Merge[E]) onUpstreamFailure(err error) {
	telemetry.Logger().Debug().Err(err).Log("asyncseq: merge upstream failed, cancelling siblings")
	type deliver struct {
		ch  chan mergeResult[E]
		has bool
	}
	dl := guard.Do(m.state, func(s *mergeCore[E]) deliver {
		if s.tag != mgMerging {
			return deliver{}
		}
		if s.consumerWaiter != nil {
			cw := s.consumerWaiter
			s.consumerWaiter = nil
			s.tag = mgFinished
			return deliver{ch: cw, has: true}
		}
		s.tag = mgUpstreamFailure
		s.failure = err
		return deliver{}
	})
	if dl.has {
		dl.ch <- mergeResult[E]{err: err}
	}
}
