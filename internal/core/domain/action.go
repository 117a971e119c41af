package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Action Types
// =============================================================================

// ActionKind identifies the requested mutation.
type ActionKind string

const (
	ActionDeploy       ActionKind = "deploy"
	ActionRedeploy     ActionKind = "redeploy"
	ActionStop         ActionKind = "stop"
	ActionRestart      ActionKind = "restart"
	ActionRollback     ActionKind = "rollback"
	ActionUpdateConfig ActionKind = "update_config"
	ActionDelete       ActionKind = "delete"
)

// ActionOutcome is the terminal result of an action.
type ActionOutcome string

const (
	OutcomePending ActionOutcome = "pending"
	OutcomeSuccess ActionOutcome = "success"
	OutcomeFailure ActionOutcome = "failure"
)

// =============================================================================
// Deployment Action
// =============================================================================

// DeploymentAction is the auditable unit of work for a single mutation.
// It is created when the operation starts, completed exactly once, and
// immutable afterwards. Callers poll it to observe completion.
type DeploymentAction struct {
	ID           string        `json:"id"`
	DeploymentID string        `json:"deployment_id"`
	Kind         ActionKind    `json:"kind"`
	Outcome      ActionOutcome `json:"outcome"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	RequestedAt  time.Time     `json:"requested_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// NewAction creates a pending action for a deployment.
func NewAction(deploymentID string, kind ActionKind) *DeploymentAction {
	return &DeploymentAction{
		ID:           uuid.New().String(),
		DeploymentID: deploymentID,
		Kind:         kind,
		Outcome:      OutcomePending,
		RequestedAt:  time.Now().UTC(),
	}
}

// Complete records the terminal outcome. A nil err marks success; otherwise
// the error text is captured as the failure detail.
func (a *DeploymentAction) Complete(err error) {
	now := time.Now().UTC()
	a.CompletedAt = &now
	if err != nil {
		a.Outcome = OutcomeFailure
		a.ErrorDetail = err.Error()
		return
	}
	a.Outcome = OutcomeSuccess
}

// Completed reports whether the action has a recorded outcome.
func (a *DeploymentAction) Completed() bool {
	return a.CompletedAt != nil
}
