package runtime

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrInstanceNotFound is returned when the engine has no such instance.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInvalidSpec is a definite rejection: bad image, malformed spec.
	ErrInvalidSpec = errors.New("invalid instance spec")

	// ErrQuotaExceeded is a definite rejection: the engine denied resources.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrTransient marks failures worth retrying: timeouts, temporary
	// resource exhaustion, connection drops.
	ErrTransient = errors.New("transient runtime failure")

	// ErrUnsupported is returned for capabilities the adapter does not
	// implement. Check Capabilities() before relying on optional calls.
	ErrUnsupported = errors.New("operation not supported by runtime")

	// ErrConnectionFailed is returned when the engine is unreachable.
	ErrConnectionFailed = errors.New("runtime connection failed")
)

// RuntimeError wraps engine errors with operation context.
type RuntimeError struct {
	Op      string // Operation that failed (e.g., "CreateInstance")
	Ref     string // Instance ref if applicable
	Message string
	Err     error
}

func (e *RuntimeError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Ref, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError.
func NewRuntimeError(op, ref, message string, err error) *RuntimeError {
	return &RuntimeError{Op: op, Ref: ref, Message: message, Err: err}
}

// =============================================================================
// Classification
// =============================================================================

// IsTransient reports whether the failure is worth retrying. Deadline
// expiry counts: a timeout is distinct from a definite rejection.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether the instance does not exist on the engine.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsUnsupported reports whether the adapter lacks the capability.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
