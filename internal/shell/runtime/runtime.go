// Package runtime provides the container runtime adapter consumed by the
// lifecycle controller. The orchestrator never talks to a container engine
// directly; everything goes through the Adapter contract so the engine can be
// swapped (or faked in tests).
package runtime

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Instance Types
// =============================================================================

// InstanceSpec defines the specification for provisioning an instance.
type InstanceSpec struct {
	Name          string
	Image         string
	Env           map[string]string
	ContainerPort int
	CPUCores      float64
	MemoryMB      int64
	Labels        map[string]string
}

// Instance is the opaque handle returned by a successful provision, plus the
// reachable endpoint the engine assigned.
type Instance struct {
	Ref      string
	HostPort int
	URL      string
}

// Sample is a single resource reading for a running instance.
type Sample struct {
	CPUPercent       float64
	MemoryUsageBytes int64
	MemoryLimitBytes int64
	DiskUsageBytes   int64
	NetworkRxBytes   int64
	NetworkTxBytes   int64
}

// Capabilities reports which optional adapter operations are available.
// Callers check this instead of relying on silent no-ops, so "ran and did
// nothing" and "not available" stay distinguishable.
type Capabilities struct {
	Stats bool
}

// =============================================================================
// Adapter Interface
// =============================================================================

// Adapter is the container runtime contract. Every call must respect the
// context deadline; a hung engine must not be able to block callers forever.
type Adapter interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)
	StopInstance(ctx context.Context, ref string) error
	RestartInstance(ctx context.Context, ref string) error
	RemoveInstance(ctx context.Context, ref string) error
	TailLogs(ctx context.Context, ref string, since time.Time) (io.ReadCloser, error)
	Stats(ctx context.Context, ref string) (*Sample, error)
	Capabilities() Capabilities

	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged    = "sh.slipway.managed"
	LabelDeployment = "sh.slipway.deployment"
	LabelProject    = "sh.slipway.project"
)
