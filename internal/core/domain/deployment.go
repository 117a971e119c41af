// Package domain contains the core domain types for Slipway.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrMissingResources   = errors.New("required resource field is missing")
	ErrInvalidScaling     = errors.New("invalid scaling bounds")
	ErrInvalidPort        = errors.New("invalid container port")
	ErrMissingVersion     = errors.New("version is required")
	ErrMissingProject     = errors.New("project id is required")
)

// =============================================================================
// Environment
// =============================================================================

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Valid reports whether the environment is one of the known values.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending     DeploymentStatus = "pending"
	StatusDeploying   DeploymentStatus = "deploying"
	StatusRunning     DeploymentStatus = "running"
	StatusStopping    DeploymentStatus = "stopping"
	StatusStopped     DeploymentStatus = "stopped"
	StatusRestarting  DeploymentStatus = "restarting"
	StatusRollingBack DeploymentStatus = "rolling_back"
	StatusFailed      DeploymentStatus = "failed"
	StatusDeleted     DeploymentStatus = "deleted"
)

// Terminal reports whether the status allows deletion. Stopped and Failed are
// soft-terminal (re-enterable via redeploy); Deleted is hard-terminal.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// =============================================================================
// Configuration
// =============================================================================

// Resources describes the resource limits for a deployment instance.
type Resources struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryMB int64   `json:"memory_mb"`
	DiskMB   int64   `json:"disk_mb"`
}

// Scaling describes the replica bounds for a deployment.
type Scaling struct {
	MinReplicas int `json:"min_replicas"`
	MaxReplicas int `json:"max_replicas"`
}

// Config is the deployment configuration snapshot: resource limits, scaling
// bounds, environment variables, and the exposed container port.
type Config struct {
	Resources  Resources         `json:"resources"`
	Scaling    Scaling           `json:"scaling"`
	Env        map[string]string `json:"env,omitempty"`
	Port       int               `json:"port"`
	HealthPath string            `json:"health_path,omitempty"`
}

// Validate checks the configuration invariants: required resource fields,
// non-negative scaling bounds with min <= max, and a usable container port.
func (c Config) Validate() error {
	if c.Resources.CPUCores <= 0 {
		return fmt.Errorf("%w: cpu_cores", ErrMissingResources)
	}
	if c.Resources.MemoryMB <= 0 {
		return fmt.Errorf("%w: memory_mb", ErrMissingResources)
	}
	if c.Scaling.MinReplicas < 0 || c.Scaling.MaxReplicas < 0 {
		return fmt.Errorf("%w: replicas must be non-negative", ErrInvalidScaling)
	}
	if c.Scaling.MinReplicas > c.Scaling.MaxReplicas {
		return fmt.Errorf("%w: min_replicas %d > max_replicas %d",
			ErrInvalidScaling, c.Scaling.MinReplicas, c.Scaling.MaxReplicas)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	return nil
}

// ConfigPatch is a partial configuration update. Nil fields are left as-is;
// Env entries are merged key-by-key.
type ConfigPatch struct {
	CPUCores    *float64          `json:"cpu_cores,omitempty"`
	MemoryMB    *int64            `json:"memory_mb,omitempty"`
	DiskMB      *int64            `json:"disk_mb,omitempty"`
	MinReplicas *int              `json:"min_replicas,omitempty"`
	MaxReplicas *int              `json:"max_replicas,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Port        *int              `json:"port,omitempty"`
	HealthPath  *string           `json:"health_path,omitempty"`
}

// Merge applies the patch to a copy of the config and returns it.
func (c Config) Merge(p ConfigPatch) Config {
	merged := c
	if p.CPUCores != nil {
		merged.Resources.CPUCores = *p.CPUCores
	}
	if p.MemoryMB != nil {
		merged.Resources.MemoryMB = *p.MemoryMB
	}
	if p.DiskMB != nil {
		merged.Resources.DiskMB = *p.DiskMB
	}
	if p.MinReplicas != nil {
		merged.Scaling.MinReplicas = *p.MinReplicas
	}
	if p.MaxReplicas != nil {
		merged.Scaling.MaxReplicas = *p.MaxReplicas
	}
	if p.Port != nil {
		merged.Port = *p.Port
	}
	if p.HealthPath != nil {
		merged.HealthPath = *p.HealthPath
	}
	if len(p.Env) > 0 {
		env := make(map[string]string, len(c.Env)+len(p.Env))
		for k, v := range c.Env {
			env[k] = v
		}
		for k, v := range p.Env {
			env[k] = v
		}
		merged.Env = env
	}
	return merged
}

// RequiresReprovision reports whether the patch touches fields that only take
// effect through a new instance (resources, scaling, port, env).
func (p ConfigPatch) RequiresReprovision() bool {
	return p.CPUCores != nil || p.MemoryMB != nil || p.DiskMB != nil ||
		p.MinReplicas != nil || p.MaxReplicas != nil || p.Port != nil ||
		len(p.Env) > 0
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment represents a managed container instance of a project version.
type Deployment struct {
	ID           string           `json:"id"`
	ProjectID    string           `json:"project_id"`
	Environment  Environment      `json:"environment"`
	Version      string           `json:"version"`
	Status       DeploymentStatus `json:"status"`
	ContainerRef string           `json:"container_ref,omitempty"`
	URL          string           `json:"url,omitempty"`
	Port         int              `json:"host_port,omitempty"`
	Config       Config           `json:"config"`
	ErrorMessage string           `json:"error_message,omitempty"`
	LastActionID string           `json:"last_action_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	StoppedAt    *time.Time       `json:"stopped_at,omitempty"`
}

// NewDeployment creates a deployment in Pending state after validating the
// request. No runtime resources exist yet at this point.
func NewDeployment(projectID string, env Environment, version string, cfg Config) (*Deployment, error) {
	if projectID == "" {
		return nil, ErrMissingProject
	}
	if version == "" {
		return nil, ErrMissingVersion
	}
	if !env.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Deployment{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Environment: env,
		Version:     version,
		Status:      StatusPending,
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Transition attempts to move the deployment to a new status.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	d.Status = to
	d.UpdatedAt = time.Now().UTC()

	// Clear stale error when re-entering the deploy path
	if to == StatusDeploying {
		d.ErrorMessage = ""
	}

	switch to {
	case StatusRunning:
		now := time.Now().UTC()
		d.StartedAt = &now
		d.StoppedAt = nil
	case StatusStopped:
		now := time.Now().UTC()
		d.StoppedAt = &now
		d.URL = ""
		d.Port = 0
	}

	return nil
}

// TransitionToFailed moves the deployment to Failed with a captured cause.
func (d *Deployment) TransitionToFailed(cause string) error {
	switch d.Status {
	case StatusDeploying, StatusRunning, StatusRestarting:
		d.Status = StatusFailed
		d.ErrorMessage = cause
		d.URL = ""
		d.Port = 0
		d.UpdatedAt = time.Now().UTC()
		return nil
	default:
		return ErrInvalidTransition
	}
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions. Every move between
// non-adjacent states must pass through its defined intermediate; a failed
// rollback reverts to Running rather than Failed because the prior instance
// keeps serving.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:     {StatusDeploying},
	StatusDeploying:   {StatusRunning, StatusFailed},
	StatusRunning:     {StatusStopping, StatusRestarting, StatusRollingBack, StatusFailed},
	StatusStopping:    {StatusStopped},
	StatusRestarting:  {StatusRunning, StatusFailed},
	StatusRollingBack: {StatusRunning},
	StatusStopped:     {StatusDeploying, StatusDeleted},
	StatusFailed:      {StatusDeploying, StatusDeleted},
	StatusDeleted:     {}, // Terminal state
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
