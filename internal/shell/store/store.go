package store

import (
	"context"

	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store is the persistence interface for the deployment registry, the action
// audit trail, and the append-only version history. Deployment rows are
// mutated only by the lifecycle controller; reads return snapshot copies.
type Store interface {
	// Deployment registry
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, d *domain.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error
	ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error)

	// Action audit trail
	CreateAction(ctx context.Context, a *domain.DeploymentAction) error
	CompleteAction(ctx context.Context, a *domain.DeploymentAction) error
	GetAction(ctx context.Context, id string) (*domain.DeploymentAction, error)
	ListActions(ctx context.Context, deploymentID string, opts ListOptions) ([]domain.DeploymentAction, error)

	// Version history (append-only, controller-written)
	RecordVersion(ctx context.Context, r *domain.VersionRecord) error
	ListVersions(ctx context.Context, projectID string, env domain.Environment, limit int) ([]domain.VersionRecord, error)
	ResolveVersion(ctx context.Context, projectID string, env domain.Environment, version string) (*domain.VersionRecord, error)
	ListHistory(ctx context.Context, projectID string, env *domain.Environment, limit int) ([]domain.VersionRecord, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Filters and Options
// =============================================================================

// DeploymentFilter narrows deployment listings. Nil fields match everything.
type DeploymentFilter struct {
	ProjectID   *string
	Environment *domain.Environment
	Status      *domain.DeploymentStatus
}

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 100, Offset: 0}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
