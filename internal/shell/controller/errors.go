// Package controller implements the deployment lifecycle controller: the only
// component that mutates deployments. It drives the status state machine,
// provisions and releases runtime instances, writes the action audit trail and
// the version history, and keeps the telemetry plane in sync.
package controller

import (
	"errors"
	"fmt"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/runtime"
	"github.com/slipway-sh/slipway/internal/shell/store"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrActionInProgress is returned when another action already holds the
	// deployment's action lock.
	ErrActionInProgress = errors.New("another action is in progress for this deployment")

	// ErrInvalidState is returned when the requested action is not allowed
	// from the deployment's current status.
	ErrInvalidState = errors.New("action not allowed in current deployment state")

	// ErrVersionUnknown is returned when a rollback targets a version with
	// no history record for the project and environment.
	ErrVersionUnknown = errors.New("version not present in history")

	// ErrSameVersion is returned when a rollback targets the version that
	// is already running.
	ErrSameVersion = errors.New("target version is already deployed")

	// ErrNotDeletable is returned when deleting a deployment that is not in
	// a terminal state.
	ErrNotDeletable = errors.New("deployment must be stopped or failed before deletion")
)

// ControllerError wraps errors with the action context that produced them.
type ControllerError struct {
	Action       domain.ActionKind
	DeploymentID string
	Message      string
	Err          error
}

func (e *ControllerError) Error() string {
	if e.DeploymentID != "" {
		return fmt.Sprintf("%s %s: %s", e.Action, e.DeploymentID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}

// NewControllerError creates a new ControllerError.
func NewControllerError(action domain.ActionKind, deploymentID, message string, err error) *ControllerError {
	return &ControllerError{
		Action:       action,
		DeploymentID: deploymentID,
		Message:      message,
		Err:          err,
	}
}

// =============================================================================
// Error Classification
// =============================================================================

// IsConflict reports whether the error maps to a concurrency or state
// conflict (HTTP 409).
func IsConflict(err error) bool {
	return errors.Is(err, ErrActionInProgress) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotDeletable) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

// IsNotFound reports whether the error means a missing entity (HTTP 404).
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrVersionUnknown) ||
		errors.Is(err, runtime.ErrInstanceNotFound)
}

// IsValidation reports whether the error is a rejected request payload
// (HTTP 422).
func IsValidation(err error) bool {
	return errors.Is(err, domain.ErrInvalidEnvironment) ||
		errors.Is(err, domain.ErrMissingResources) ||
		errors.Is(err, domain.ErrInvalidScaling) ||
		errors.Is(err, domain.ErrInvalidPort) ||
		errors.Is(err, domain.ErrMissingVersion) ||
		errors.Is(err, domain.ErrMissingProject) ||
		errors.Is(err, ErrSameVersion) ||
		errors.Is(err, runtime.ErrInvalidSpec)
}
