package runner

import (
	"errors"
	"fmt"
)

// Sentinel conditions surfaced when an operation's precondition does not
// hold. These are ordinary operational errors: the caller asked for
// something the current state does not allow.
var (
	// ErrAlreadyExists is returned by Create when anything, partial or
	// full, already exists under the requested name.
	ErrAlreadyExists = errors.New("environment already exists")

	// ErrDoesNotExist is returned by operations that need at least a
	// partially existing environment.
	ErrDoesNotExist = errors.New("environment does not exist")
)

// InvariantError reports that a backend violated the lifecycle contract:
// an operation reported success but left the environment in a state the
// contract forbids. It indicates a backend programming error, not a
// user-recoverable condition, and callers may treat it as fatal.
type InvariantError struct {
	// Op is the contract operation that misbehaved, e.g. "create".
	Op string

	// Environment is the affected environment's name.
	Environment string

	// Want describes the state the contract requires.
	Want Exists

	// Got is the state the backend actually reported.
	Got Exists

	// Err is an optional underlying cause.
	Err error
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	msg := fmt.Sprintf("backend invariant violated: %s(%s) left environment %s, contract requires %s",
		e.Op, e.Environment, e.Got, e.Want)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *InvariantError) Unwrap() error { return e.Err }

// Is reports whether target is an InvariantError for the same operation.
func (e *InvariantError) Is(target error) bool {
	t, ok := target.(*InvariantError)
	if !ok {
		return false
	}
	return e.Op == t.Op
}
