// Package telemetry holds the package-level structured logger shared by
// every combinator driver. Drivers never own a logger themselves; like
// eventloop's global structured logger, there is one package-wide sink
// that callers may swap out, defaulting to a logger with no configured
// writer, which logiface treats as disabled (zero allocation, zero I/O).
package telemetry

import (
	"sync"

	"github.com/joeycumines/logiface"
)

var (
	mu  sync.RWMutex
	log = logiface.New[logiface.Event]()
)

// SetLogger installs the logger used by every driver task. Passing nil
// restores the disabled default.
func SetLogger(logger *logiface.Logger[logiface.Event]) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = logiface.New[logiface.Event]()
	}
	log = logger
}

// Logger returns the currently installed logger.
func Logger() *logiface.Logger[logiface.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return log
}
