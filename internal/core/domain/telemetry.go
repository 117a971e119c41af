package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Metrics Types
// =============================================================================

// MetricsSnapshot is a single resource sample for a running deployment.
// Snapshots live in a bounded in-memory ring; they are never persisted.
type MetricsSnapshot struct {
	Timestamp        time.Time     `json:"timestamp"`
	CPUPercent       float64       `json:"cpu_percent"`
	MemoryUsageBytes int64         `json:"memory_usage_bytes"`
	MemoryLimitBytes int64         `json:"memory_limit_bytes"`
	DiskUsageBytes   int64         `json:"disk_usage_bytes"`
	NetworkRxBytes   int64         `json:"network_rx_bytes"`
	NetworkTxBytes   int64         `json:"network_tx_bytes"`
	Uptime           time.Duration `json:"uptime_ns"`
}

// =============================================================================
// Log Types
// =============================================================================

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// severity orders levels for filtering; unknown levels sort as info.
func (l LogLevel) severity() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether l is at or above min severity.
func (l LogLevel) AtLeast(min LogLevel) bool {
	return l.severity() >= min.severity()
}

// DetectLogLevel guesses the level of a raw log line. Container output has no
// structured level, so this scans for conventional markers.
func DetectLogLevel(line string) LogLevel {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "ERROR") || strings.Contains(upper, "FATAL") || strings.Contains(upper, "PANIC"):
		return LevelError
	case strings.Contains(upper, "WARN"):
		return LevelWarn
	case strings.Contains(upper, "DEBUG") || strings.Contains(upper, "TRACE"):
		return LevelDebug
	default:
		return LevelInfo
	}
}

// LogEvent is a single log line from a deployment instance.
type LogEvent struct {
	DeploymentID string    `json:"deployment_id"`
	Timestamp    time.Time `json:"timestamp"`
	Level        LogLevel  `json:"level"`
	Message      string    `json:"message"`
}

// =============================================================================
// Health Types
// =============================================================================

// HealthState is the liveness signal for a deployment. It is informational
// and never drives lifecycle transitions.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthReport is the observer-facing health signal.
type HealthReport struct {
	Status      HealthState   `json:"status"`
	Latency     time.Duration `json:"latency_ns"`
	LastChecked time.Time     `json:"last_checked"`
}

// HealthTracker debounces probe results: it flips to unhealthy only after a
// configured number of consecutive failures, and back to healthy on the next
// success. Pure state, no I/O.
type HealthTracker struct {
	threshold int
	failures  int
	state     HealthState
}

// NewHealthTracker creates a tracker in the unknown state. A threshold below
// one is treated as one.
func NewHealthTracker(threshold int) *HealthTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &HealthTracker{threshold: threshold, state: HealthUnknown}
}

// Observe records one probe result and returns the resulting state.
func (t *HealthTracker) Observe(ok bool) HealthState {
	if ok {
		t.failures = 0
		t.state = HealthHealthy
		return t.state
	}
	t.failures++
	if t.failures >= t.threshold {
		t.state = HealthUnhealthy
	}
	// Below the threshold a transient blip keeps the previous state.
	return t.state
}

// State returns the current debounced state.
func (t *HealthTracker) State() HealthState {
	return t.state
}

// Reset returns the tracker to unknown, e.g. after a restart.
func (t *HealthTracker) Reset() {
	t.failures = 0
	t.state = HealthUnknown
}
