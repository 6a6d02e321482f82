package unit

import (
	"errors"
	"fmt"
)

var (
	// ErrAgain asks the job scheduler to retry the operation later.
	ErrAgain = errors.New("operation must be retried later")
	// ErrPerm rejects an operation the unit can never perform in its
	// current state.
	ErrPerm = errors.New("operation not permitted")
	// ErrStale rejects an operation that no longer applies to the unit.
	ErrStale = errors.New("unit state is stale")
	// ErrNoExec marks a unit whose configuration failed verification.
	ErrNoExec = errors.New("unit configuration invalid")
	// ErrUnsupported marks a unit type that cannot run on this system.
	ErrUnsupported = errors.New("not supported")
	// ErrInvalid rejects malformed arguments.
	ErrInvalid = errors.New("invalid argument")
	// ErrNoSuchProcess reports that there was nothing to signal.
	ErrNoSuchProcess = errors.New("no such process")
	// ErrNotFound reports an unknown unit name.
	ErrNotFound = errors.New("unit not found")
	// ErrStartLimitHit reports a unit started too often in a short time.
	ErrStartLimitHit = errors.New("start limit hit")
	// ErrDependency fails a job whose requirements could not be met.
	ErrDependency = errors.New("dependency failed")
)

// LoadError records why a unit failed to load or verify.
type LoadError struct {
	Unit string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("unit %s: %v", e.Unit, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// StateError reports an operation rejected because of the unit's state.
type StateError struct {
	Unit  string
	Op    string
	State string
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s in state %s: %v", e.Op, e.Unit, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }
