// Package asyncseq implements the concurrency machinery behind a lazy,
// pull-based asynchronous sequence: a back-pressured buffer, a
// quiescence-gated debounce, an N-way merge, and a rendezvous
// multi-producer channel. Buffer, Debounce and Merge each own long-lived
// driver goroutines that bridge their upstream iterator(s) to one
// consumer through a mutex-guarded state machine; the channel has no
// driver and is driven by its callers. All follow the same discipline
// throughout: transitions are computed while holding the lock, and the
// resulting action (resume a waiter, spawn a task, return a value) is
// carried out only after the lock is released.
//
// Stateless transforms (map/filter/zip and friends), the validation
// harness, and integration with a specific task runtime are out of
// scope; this package only concerns itself with the stateful,
// concurrency-heavy operators layered on top of them.
package asyncseq

import (
	"context"
)

// Iterator is a pull-based, single-use, asynchronously produced element
// sequence. Advance returns the next element, or io.EOF once the
// sequence has ended cleanly, or any other error if the sequence failed.
//
// Advance may suspend the caller. It must not be called concurrently on
// the same Iterator from two goroutines — that is a precondition
// violation, not something implementations are required to detect.
// Once Advance has returned io.EOF or a non-EOF error, every subsequent
// call must return io.EOF.
type Iterator[E any] interface {
	Advance(ctx context.Context) (E, error)
}

// IteratorFunc adapts a plain function to the Iterator interface.
type IteratorFunc[E any] func(ctx context.Context) (E, error)

// Advance implements Iterator.
func (f IteratorFunc[E]) Advance(ctx context.Context) (E, error) { return f(ctx) }
