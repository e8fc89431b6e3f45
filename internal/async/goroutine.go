// Package async provides panic-safe goroutine helpers. Background loops in
// the core (bus dispatch, liveness sweep, websocket pumps) must never take
// the process down with them.
package async

import "runtime/debug"

// PanicLogger is the slice of the logging contract Recover needs.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go starts fn on its own goroutine with panic recovery attached. The name
// identifies the goroutine in panic reports.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, usable directly when the caller owns
// the goroutine. A recovered panic is logged with its stack and swallowed.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		return
	}
	if name == "" {
		name = "unnamed"
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
