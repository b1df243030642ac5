package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an execution id is unknown.
	ErrNotFound = errors.New("execution not found")

	// ErrNotPaused is returned by StepContinue when the execution is not
	// waiting at a step gate.
	ErrNotPaused = errors.New("execution is not paused")

	// ErrStopped is returned by Submit after the engine has been stopped.
	ErrStopped = errors.New("engine is stopped")
)

// InternalError marks an engine bug, not a user or workflow error. The
// canonical case is two branches reaching the same merge node with diverging
// barrier specs.
type InternalError struct {
	Op     string
	Detail string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal inconsistency in %s: %s", e.Op, e.Detail)
}

// IsInternal reports whether err is an engine-internal inconsistency.
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}
