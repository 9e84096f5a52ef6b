// Package guard implements the single discipline every state machine in
// this module follows: state lives behind exactly one mutex, every
// transition is a pure function of (state, input) computed while the
// lock is held, and the action it produces — resuming a waiter,
// starting a task, returning a value — is carried out strictly after
// the lock is released. Resuming a waiter while still holding the lock
// is a deadlock hazard the moment that waiter re-enters the same state
// machine, which is why Do returns the action instead of performing it.
package guard

import "sync"

// Guard owns a value of type S behind a mutex.
type Guard[S any] struct {
	mu    sync.Mutex
	state S
}

// New constructs a Guard around the given initial state.
func New[S any](initial S) *Guard[S] {
	return &Guard[S]{state: initial}
}

// Do runs fn, which must not block or call back into this Guard, with
// fn returning an action type distinct from the guard's own state.
func Do[S, A any](g *Guard[S], fn func(*S) A) A {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.state)
}
