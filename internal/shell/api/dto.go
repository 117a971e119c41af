package api

import (
	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Request DTOs
// =============================================================================

type deployRequest struct {
	ProjectID   string        `json:"project_id" validate:"required"`
	Environment string        `json:"environment" validate:"required,oneof=development staging production"`
	Version     string        `json:"version" validate:"required"`
	Config      configPayload `json:"config" validate:"required"`
}

type configPayload struct {
	CPUCores    float64           `json:"cpu_cores" validate:"required,gt=0"`
	MemoryMB    int64             `json:"memory_mb" validate:"required,gt=0"`
	DiskMB      int64             `json:"disk_mb" validate:"gte=0"`
	MinReplicas int               `json:"min_replicas" validate:"gte=0"`
	MaxReplicas int               `json:"max_replicas" validate:"gte=0,gtefield=MinReplicas"`
	Env         map[string]string `json:"env"`
	Port        int               `json:"port" validate:"required,gt=0,lte=65535"`
	HealthPath  string            `json:"health_path"`
}

func (p configPayload) toDomain() domain.Config {
	return domain.Config{
		Resources: domain.Resources{
			CPUCores: p.CPUCores,
			MemoryMB: p.MemoryMB,
			DiskMB:   p.DiskMB,
		},
		Scaling: domain.Scaling{
			MinReplicas: p.MinReplicas,
			MaxReplicas: p.MaxReplicas,
		},
		Env:        p.Env,
		Port:       p.Port,
		HealthPath: p.HealthPath,
	}
}

// redeployRequest is optional; an empty body redeploys the current version.
type redeployRequest struct {
	Version string `json:"version"`
}

type rollbackRequest struct {
	TargetVersion string `json:"target_version" validate:"required"`
}

// =============================================================================
// Response DTOs
// =============================================================================

type actionResult struct {
	Deployment *domain.Deployment       `json:"deployment"`
	Action     *domain.DeploymentAction `json:"action"`
}

type deploymentDetail struct {
	Deployment *domain.Deployment   `json:"deployment"`
	Health     *domain.HealthReport `json:"health,omitempty"`
}

type deploymentList struct {
	Deployments []domain.Deployment `json:"deployments"`
	Count       int                 `json:"count"`
}

type actionList struct {
	Actions []domain.DeploymentAction `json:"actions"`
	Count   int                       `json:"count"`
}

type logList struct {
	Events []domain.LogEvent `json:"events"`
	Count  int               `json:"count"`
}

type metricsResult struct {
	Latest  *domain.MetricsSnapshot  `json:"latest,omitempty"`
	History []domain.MetricsSnapshot `json:"history"`
}

type versionList struct {
	Versions []domain.VersionRecord `json:"versions"`
	Count    int                    `json:"count"`
}

type urlResult struct {
	URL string `json:"url"`
}
