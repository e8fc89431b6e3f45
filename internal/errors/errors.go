// Package errors implements the closed error taxonomy used across the
// orchestration core. Callers classify failures by Kind rather than by
// matching error strings; the client facade normalizes everything that
// crosses its boundary into one of these kinds.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery decisions.
type Kind int

const (
	// KindInternal covers anything uncategorized. Log and surface.
	KindInternal Kind = iota
	// KindNotFound - entity (task, worker, plan, agent) does not exist.
	KindNotFound
	// KindConflict - id already registered, or a concurrent state transition lost the race.
	KindConflict
	// KindState - the requested state transition is not legal under the state machine.
	KindState
	// KindValidation - malformed input (unknown enum value, empty required field, cyclic graph).
	KindValidation
	// KindTimeout - an agent invocation exceeded its phase timeout.
	KindTimeout
	// KindAgent - an agent's Execute raised or returned status=error.
	KindAgent
	// KindStorage - store I/O failure. Retriable with backoff.
	KindStorage
	// KindConfiguration - a required agent or capability is missing from the registry.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindState:
		return "state_error"
	case KindValidation:
		return "validation_error"
	case KindTimeout:
		return "timeout"
	case KindAgent:
		return "agent_error"
	case KindStorage:
		return "storage_error"
	case KindConfiguration:
		return "configuration_error"
	default:
		return "internal_error"
	}
}

// Error carries a kind, the operation that produced it, and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error. The final argument may be an error to wrap or a
// format string followed by its arguments.
func E(kind Kind, op string, args ...any) error {
	e := &Error{Kind: kind, Op: op}
	if len(args) == 0 {
		return e
	}
	if err, ok := args[0].(error); ok && len(args) == 1 {
		e.Err = err
		return e
	}
	if format, ok := args[0].(string); ok {
		e.Err = fmt.Errorf(format, args[1:]...)
		return e
	}
	e.Err = fmt.Errorf("%v", args[0])
	return e
}

// Kindof returns the kind of err, or KindInternal when err carries none.
func Kindof(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Kindof(err) == kind
}

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsState reports whether err is a state_error.
func IsState(err error) bool { return Is(err, KindState) }

// IsValidation reports whether err is a validation_error.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsRetriable reports whether the caller may retry the operation without a
// state change: timeouts, agent failures and storage failures qualify.
func IsRetriable(err error) bool {
	switch Kindof(err) {
	case KindTimeout, KindAgent, KindStorage:
		return true
	default:
		return false
	}
}
