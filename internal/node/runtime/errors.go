package runtime

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies node failures. The kind decides how the scheduler
// reacts: TRANSIENT and TIMEOUT are retryable, PERMANENT and CONFIG are not,
// CANCELLED ends the branch without counting as a failure of its own.
type ErrorKind string

const (
	ErrTransient ErrorKind = "TRANSIENT"
	ErrPermanent ErrorKind = "PERMANENT"
	ErrConfig    ErrorKind = "CONFIG"
	ErrTimeout   ErrorKind = "TIMEOUT"
	ErrCancelled ErrorKind = "CANCELLED"
)

// NodeError is the typed failure executors return.
type NodeError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a retry node should attempt the error again.
func (e *NodeError) Retryable() bool {
	return e.Kind == ErrTransient || e.Kind == ErrTimeout
}

// TransientError marks a failure worth retrying.
func TransientError(msg string, cause error) *NodeError {
	return &NodeError{Kind: ErrTransient, Message: msg, Cause: cause}
}

// PermanentError marks a failure that retrying cannot fix.
func PermanentError(msg string, cause error) *NodeError {
	return &NodeError{Kind: ErrPermanent, Message: msg, Cause: cause}
}

// ConfigError marks an invalid node configuration.
func ConfigError(msg string, cause error) *NodeError {
	return &NodeError{Kind: ErrConfig, Message: msg, Cause: cause}
}

// TimeoutError marks a deadline overrun.
func TimeoutError(msg string, cause error) *NodeError {
	return &NodeError{Kind: ErrTimeout, Message: msg, Cause: cause}
}

// CancelledError marks a run ended by cancellation.
func CancelledError(msg string) *NodeError {
	return &NodeError{Kind: ErrCancelled, Message: msg}
}

// AsNodeError extracts a NodeError from an error chain.
func AsNodeError(err error) (*NodeError, bool) {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

// Classify normalizes any executor error to a NodeError. Untagged errors
// become PERMANENT; context deadline and cancellation map to their kinds.
func Classify(err error) *NodeError {
	if err == nil {
		return nil
	}
	if ne, ok := AsNodeError(err); ok {
		return ne
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError("node timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return CancelledError("node cancelled")
	}
	return PermanentError("node failed", err)
}
