// Package telemetry provides the observer-plane services for deployments:
// the metrics collector, the log streamer, and the health prober. All three
// are in-memory and bounded; none of them write to the store or drive
// lifecycle transitions.
package telemetry

import "errors"

var (
	// ErrNotTracked is returned when no telemetry session exists for a
	// deployment.
	ErrNotTracked = errors.New("deployment not tracked")

	// ErrStatsUnsupported is returned when the runtime adapter cannot
	// provide resource statistics.
	ErrStatsUnsupported = errors.New("resource statistics not supported by runtime")

	// ErrNoSamples is returned when a tracked deployment has no metrics
	// samples yet.
	ErrNoSamples = errors.New("no samples collected yet")
)
