package asyncseq

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/joeycumines/go-asyncseq/internal/guard"
	"github.com/joeycumines/go-asyncseq/internal/telemetry"
)

type debounceTag int

const (
	dbInitial debounceTag = iota
	dbWaitingForDemand
	dbDemandSignalled
	dbDebouncing
	dbUpstreamFailure
	dbFinished
)

type debounceResult[E any] struct {
	value E
	err   error
}

// debounceCore is the pure state behind Debounce's mutex. buffered exists
// solely to absorb the race where the upstream reader delivers one more
// element before the consumer's next Advance call: it holds at most one
// element, per the contract.
type debounceCore[E any] struct {
	tag            debounceTag
	buffered       E
	hasBuffered    bool
	current        E
	deadline       time.Time
	consumerWaiter chan debounceResult[E]
	clockWake      chan struct{}
	pendingFailure error
}

// Debounce emits the latest element from upstream only after it has
// been quiescent for interval, driven by clock. An element superseded by
// a newer arrival before its deadline is never emitted.
type Debounce[E any] struct {
	upstream  Iterator[E]
	interval  time.Duration
	tolerance time.Duration
	clock     Clock

	startOnce sync.Once
	state     *guard.Guard[debounceCore[E]]

	cancel     context.CancelCauseFunc
	readerDone chan struct{}
	clockDone  chan struct{}
	closeOnce  sync.Once
}

// NewDebounce wraps upstream with a debounce gate of the given interval.
// tolerance <= 0 defers to clock.MinResolution. A nil clock uses
// SystemClock.
func NewDebounce[E any](upstream Iterator[E], interval time.Duration, tolerance time.Duration, clock Clock) *Debounce[E] {
	precondition("NewDebounce", interval > 0, "interval must be positive")
	if clock == nil {
		clock = SystemClock
	}
	if tolerance <= 0 {
		tolerance = clock.MinResolution()
	}
	return &Debounce[E]{
		upstream:  upstream,
		interval:  interval,
		tolerance: tolerance,
		clock:     clock,
		state:     guard.New(debounceCore[E]{tag: dbInitial}),
	}
}

type debounceAdvanceOutcome[E any] struct {
	ch     chan debounceResult[E]
	imm    debounceResult[E]
	hasImm bool
}

// Advance implements Iterator.
func (d *Debounce[E]) Advance(ctx context.Context) (E, error) {
	var zero E

	out := guard.Do(d.state, func(s *debounceCore[E]) debounceAdvanceOutcome[E] {
		switch s.tag {
		case dbInitial:
			ch := make(chan debounceResult[E], 1)
			s.consumerWaiter = ch
			s.tag = dbDemandSignalled
			return debounceAdvanceOutcome[E]{ch: ch}

		case dbWaitingForDemand:
			ch := make(chan debounceResult[E], 1)
			s.consumerWaiter = ch
			if s.hasBuffered {
				var zeroE E
				s.current = s.buffered
				s.buffered = zeroE
				s.hasBuffered = false
				s.deadline = d.clock.Now().Add(d.interval)
				s.tag = dbDebouncing
				if s.clockWake != nil {
					close(s.clockWake)
					s.clockWake = nil
				}
			} else {
				s.tag = dbDemandSignalled
			}
			return debounceAdvanceOutcome[E]{ch: ch}

		case dbDemandSignalled, dbDebouncing:
			// A prior Advance's per-call context may have been cancelled
			// while still installed as the waiter; reinstall without
			// disturbing the in-flight element or deadline.
			precondition("Debounce.Advance", s.consumerWaiter == nil, "concurrent Advance on the same iterator")
			ch := make(chan debounceResult[E], 1)
			s.consumerWaiter = ch
			return debounceAdvanceOutcome[E]{ch: ch}

		case dbUpstreamFailure:
			err := s.pendingFailure
			s.tag = dbFinished
			return debounceAdvanceOutcome[E]{hasImm: true, imm: debounceResult[E]{err: err}}

		default: // dbFinished
			return debounceAdvanceOutcome[E]{hasImm: true, imm: debounceResult[E]{err: io.EOF}}
		}
	})

	// Started only after the dbInitial -> dbDemandSignalled transition, so
	// the upstream reader never observes dbInitial.
	d.startOnce.Do(d.start)

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
		guard.Do(d.state, func(s *debounceCore[E]) struct{} {
			if s.consumerWaiter == out.ch {
				s.consumerWaiter = nil
			}
			return struct{}{}
		})
		return zero, ctx.Err()
	}
}

// Close implements the iterator-destruction contract: cancel the driver
// tasks, resume any suspended consumer with io.EOF, and make all further
// Advance calls return io.EOF. Idempotent.
func (d *Debounce[E]) Close() error {
	d.closeOnce.Do(func() {
		// Finalize before cancelling, so the driver goroutines (reacting to
		// the cancellation) find dbFinished and deliver nothing themselves.
		type deliver struct {
			ch        chan debounceResult[E]
			clockWake chan struct{}
		}
		dl := guard.Do(d.state, func(s *debounceCore[E]) deliver {
			cw := s.consumerWaiter
			s.consumerWaiter = nil
			clockWake := s.clockWake
			s.clockWake = nil
			s.tag = dbFinished
			return deliver{ch: cw, clockWake: clockWake}
		})
		if d.cancel != nil {
			d.cancel(ErrClosed)
		}
		if dl.clockWake != nil {
			close(dl.clockWake)
		}
		if dl.ch != nil {
			dl.ch <- debounceResult[E]{err: io.EOF}
		}
		if d.readerDone != nil {
			<-d.readerDone
		}
		if d.clockDone != nil {
			<-d.clockDone
		}
	})
	return nil
}

func (d *Debounce[E]) start() {
	ctx, cancel := context.WithCancelCause(context.Background())
	d.cancel = cancel
	d.readerDone = make(chan struct{})
	d.clockDone = make(chan struct{})
	go d.upstreamReader(ctx)
	go d.clockWaiter(ctx)
}

type debounceReaderWake struct {
	ch chan struct{}
}

func (d *Debounce[E]) upstreamReader(ctx context.Context) {
	defer close(d.readerDone)
	for {
		v, err := d.upstream.Advance(ctx)
		if err != nil {
			d.finishReader(err)
			return
		}

		deadline := d.clock.Now().Add(d.interval)
		w := guard.Do(d.state, func(s *debounceCore[E]) debounceReaderWake {
			switch s.tag {
			case dbDemandSignalled:
				s.tag = dbDebouncing
				s.current = v
				s.deadline = deadline
				if s.clockWake != nil {
					ch := s.clockWake
					s.clockWake = nil
					return debounceReaderWake{ch: ch}
				}
			case dbDebouncing:
				s.current = v
				s.deadline = deadline
			case dbWaitingForDemand:
				s.buffered = v
				s.hasBuffered = true
			default:
				// dbFinished or dbUpstreamFailure: the iterator has
				// already terminated (e.g. via Close racing this read);
				// drop the element, the loop exits on the next Advance
				// error from a cancelled upstream.
			}
			return debounceReaderWake{}
		})
		if w.ch != nil {
			close(w.ch)
		}
	}
}

func (d *Debounce[E]) finishReader(err error) {
	if err == io.EOF {
		type deliver struct {
			ch        chan debounceResult[E]
			val       debounceResult[E]
			has       bool
			clockWake chan struct{}
			noop      bool
		}
		dl := guard.Do(d.state, func(s *debounceCore[E]) deliver {
			if s.tag == dbFinished {
				return deliver{noop: true}
			}
			var val debounceResult[E]
			if s.tag == dbDebouncing {
				val = debounceResult[E]{value: s.current}
			} else {
				val = debounceResult[E]{err: io.EOF}
			}
			cw := s.consumerWaiter
			s.consumerWaiter = nil
			clockWake := s.clockWake
			s.clockWake = nil
			s.tag = dbFinished
			return deliver{ch: cw, val: val, has: cw != nil, clockWake: clockWake}
		})
		if dl.noop {
			return
		}
		if dl.clockWake != nil {
			close(dl.clockWake)
		}
		if dl.has {
			dl.ch <- dl.val
		}
		return
	}

	err = &UpstreamError{Op: "Debounce", Err: err}

	type deliver struct {
		ch        chan debounceResult[E]
		has       bool
		clockWake chan struct{}
		noop      bool
	}
	dl := guard.Do(d.state, func(s *debounceCore[E]) deliver {
		if s.tag == dbFinished {
			return deliver{noop: true}
		}
		clockWake := s.clockWake
		s.clockWake = nil
		if s.consumerWaiter != nil {
			cw := s.consumerWaiter
			s.consumerWaiter = nil
			s.tag = dbFinished
			return deliver{ch: cw, has: true, clockWake: clockWake}
		}
		s.tag = dbUpstreamFailure
		s.pendingFailure = err
		return deliver{clockWake: clockWake}
	})
	if dl.noop {
		return
	}
	telemetry.Logger().Debug().Err(err).Log("asyncseq: debounce upstream failed, dropping pending element")
	if dl.clockWake != nil {
		close(dl.clockWake)
	}
	if dl.has {
		dl.ch <- debounceResult[E]{err: err}
	}
}

type clockArm struct {
	deadline time.Time
	ready    bool
	wake     chan struct{}
}

type clockCheck struct {
	deadline time.Time
	pending  bool
	fire     bool
}

func (d *Debounce[E]) clockWaiter(ctx context.Context) {
	defer close(d.clockDone)
	for {
		deadline, ok := d.armClock(ctx)
		if !ok {
			return
		}
		for {
			if err := d.clock.SleepUntil(ctx, deadline, d.tolerance); err != nil {
				return
			}
			now := d.clock.Now()
			nd, pending, fire := d.checkDeadline(now)
			if !pending {
				break
			}
			if fire {
				d.emit()
				break
			}
			deadline = nd
		}
	}
}

func (d *Debounce[E]) armClock(ctx context.Context) (time.Time, bool) {
	for {
		a := guard.Do(d.state, func(s *debounceCore[E]) clockArm {
			if s.tag == dbFinished || s.tag == dbUpstreamFailure {
				return clockArm{}
			}
			if s.tag == dbDebouncing {
				return clockArm{deadline: s.deadline, ready: true}
			}
			ch := make(chan struct{})
			s.clockWake = ch
			return clockArm{wake: ch}
		})
		if a.ready {
			return a.deadline, true
		}
		if a.wake == nil {
			return time.Time{}, false
		}
		select {
		case <-a.wake:
		case <-ctx.Done():
			return time.Time{}, false
		}
	}
}

func (d *Debounce[E]) checkDeadline(now time.Time) (time.Time, bool, bool) {
	cc := guard.Do(d.state, func(s *debounceCore[E]) clockCheck {
		if s.tag != dbDebouncing {
			return clockCheck{}
		}
		if !now.Before(s.deadline) {
			return clockCheck{pending: true, fire: true}
		}
		return clockCheck{pending: true, deadline: s.deadline}
	})
	return cc.deadline, cc.pending, cc.fire
}

func (d *Debounce[E]) emit() {
	type deliver struct {
		ch  chan debounceResult[E]
		val E
		has bool
	}
	dl := guard.Do(d.state, func(s *debounceCore[E]) deliver {
		if s.tag != dbDebouncing {
			return deliver{}
		}
		v := s.current
		s.tag = dbWaitingForDemand
		cw := s.consumerWaiter
		s.consumerWaiter = nil
		return deliver{ch: cw, val: v, has: cw != nil}
	})
	if dl.has {
		dl.ch <- debounceResult[E]{value: dl.val}
	}
}
