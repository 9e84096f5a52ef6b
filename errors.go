package asyncseq

import "fmt"

// ErrClosed is the cancellation cause recorded against a combinator's
// driver context when its owning Iterator is closed. It is never
// returned to consumers directly: per the contract, a closed consumer
// observes io.EOF. Internal upstream/clock calls see the cancelled
// context's ctx.Err() (context.Canceled); ErrClosed is what
// context.Cause reports for that context.
var ErrClosed = fmt.Errorf("asyncseq: iterator closed")

// PreconditionError reports a violation of a documented precondition,
// e.g. advancing a Debounce concurrently from two goroutines, or
// constructing a Merge over fewer than 2 upstreams. These are programmer errors:
// callers are expected to let them panic rather than branch on them,
// mirroring the source's treatment of precondition violations as fatal.
type PreconditionError struct {
	Op  string
	Msg string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("asyncseq: %s: %s", e.Op, e.Msg)
}

func precondition(op string, ok bool, msg string) {
	if !ok {
		panic(&PreconditionError{Op: op, Msg: msg})
	}
}

// UpstreamError wraps a failure surfaced by an upstream Iterator so that
// the operator reporting it can be identified with errors.Is/As while
// still exposing the original cause via Unwrap.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("asyncseq: %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
