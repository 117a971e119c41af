package domain

import "time"

// =============================================================================
// Version History
// =============================================================================

// VersionRecord is an append-only snapshot of a version that reached Running
// for a (project, environment) pair. Rollback sources its configuration from
// here; records are never rewritten.
type VersionRecord struct {
	ProjectID      string      `json:"project_id"`
	Environment    Environment `json:"environment"`
	Version        string      `json:"version"`
	ConfigSnapshot Config      `json:"config_snapshot"`
	DeploymentID   string      `json:"deployment_id"`
	RecordedAt     time.Time   `json:"recorded_at"`
}
