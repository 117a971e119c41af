package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/runtime"
)

// =============================================================================
// Prometheus Instrumentation
// =============================================================================

var (
	metricsSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slipway_metrics_sessions_active",
		Help: "Number of deployments with an active metrics collection loop.",
	})
	metricsPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slipway_metrics_poll_failures_total",
		Help: "Total failed resource stat polls.",
	})
)

// =============================================================================
// Collector
// =============================================================================

const (
	// DefaultMetricsCapacity bounds the per-deployment sample ring.
	// At a 10s interval this holds roughly one hour of samples.
	DefaultMetricsCapacity = 360

	// DefaultMetricsInterval is the default poll cadence.
	DefaultMetricsInterval = 10 * time.Second
)

// Collector polls the runtime adapter for resource samples of running
// deployments and keeps them in a bounded per-deployment ring. When the ring
// is full the oldest sample is discarded. Samples are never persisted.
type Collector struct {
	adapter  runtime.Adapter
	logger   *slog.Logger
	interval time.Duration
	capacity int

	mu       sync.Mutex
	sessions map[string]*metricsSession
}

type metricsSession struct {
	ref       string
	startedAt time.Time
	paused    bool
	samples   []domain.MetricsSnapshot
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewCollector creates a metrics collector. Non-positive interval or capacity
// fall back to the defaults.
func NewCollector(adapter runtime.Adapter, logger *slog.Logger, interval time.Duration, capacity int) *Collector {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	if capacity <= 0 {
		capacity = DefaultMetricsCapacity
	}
	return &Collector{
		adapter:  adapter,
		logger:   logger.With("component", "metrics_collector"),
		interval: interval,
		capacity: capacity,
		sessions: make(map[string]*metricsSession),
	}
}

// Track starts collecting samples for a deployment instance. Tracking an
// already-tracked deployment retargets it to the new instance and keeps the
// accumulated ring.
func (c *Collector) Track(deploymentID, ref string, startedAt time.Time) error {
	if !c.adapter.Capabilities().Stats {
		return ErrStatsUnsupported
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[deploymentID]; ok {
		s.ref = ref
		s.startedAt = startedAt
		s.paused = false
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &metricsSession{
		ref:       ref,
		startedAt: startedAt,
		samples:   make([]domain.MetricsSnapshot, 0, c.capacity),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.sessions[deploymentID] = s
	metricsSessionsActive.Inc()

	go c.run(ctx, deploymentID, s)
	return nil
}

// Pause suspends polling without discarding collected samples. Used across
// restarts so the history survives the instance swap.
func (c *Collector) Pause(deploymentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[deploymentID]; ok {
		s.paused = true
	}
}

// Resume re-enables polling, optionally against a new instance ref.
func (c *Collector) Resume(deploymentID, ref string, startedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[deploymentID]; ok {
		s.paused = false
		if ref != "" {
			s.ref = ref
			s.startedAt = startedAt
		}
	}
}

// Untrack stops collection and discards all samples for a deployment.
func (c *Collector) Untrack(deploymentID string) {
	c.mu.Lock()
	s, ok := c.sessions[deploymentID]
	if ok {
		delete(c.sessions, deploymentID)
	}
	c.mu.Unlock()

	if ok {
		s.cancel()
		<-s.done
		metricsSessionsActive.Dec()
	}
}

// Latest returns the most recent sample for a deployment.
func (c *Collector) Latest(deploymentID string) (*domain.MetricsSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[deploymentID]
	if !ok {
		return nil, ErrNotTracked
	}
	if len(s.samples) == 0 {
		return nil, ErrNoSamples
	}
	latest := s.samples[len(s.samples)-1]
	return &latest, nil
}

// History returns samples within the trailing window, oldest first. A zero
// window returns the full ring.
func (c *Collector) History(deploymentID string, window time.Duration) ([]domain.MetricsSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[deploymentID]
	if !ok {
		return nil, ErrNotTracked
	}

	if window <= 0 {
		out := make([]domain.MetricsSnapshot, len(s.samples))
		copy(out, s.samples)
		return out, nil
	}

	cutoff := time.Now().UTC().Add(-window)
	out := make([]domain.MetricsSnapshot, 0, len(s.samples))
	for _, sample := range s.samples {
		if sample.Timestamp.After(cutoff) {
			out = append(out, sample)
		}
	}
	return out, nil
}

// Close stops all collection loops.
func (c *Collector) Close() {
	c.mu.Lock()
	sessions := make([]*metricsSession, 0, len(c.sessions))
	for id, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		<-s.done
		metricsSessionsActive.Dec()
	}
}

// =============================================================================
// Collection Loop
// =============================================================================

func (c *Collector) run(ctx context.Context, deploymentID string, s *metricsSession) {
	defer close(s.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx, deploymentID, s)
		}
	}
}

func (c *Collector) poll(ctx context.Context, deploymentID string, s *metricsSession) {
	c.mu.Lock()
	paused := s.paused
	ref := s.ref
	startedAt := s.startedAt
	c.mu.Unlock()

	if paused {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.interval)
	sample, err := c.adapter.Stats(pollCtx, ref)
	cancel()
	if err != nil {
		// A failed poll is skipped, not recorded; the next tick retries.
		metricsPollFailures.Inc()
		c.logger.Debug("stats poll failed",
			"deployment_id", deploymentID, "ref", ref, "error", err)
		return
	}

	now := time.Now().UTC()
	snapshot := domain.MetricsSnapshot{
		Timestamp:        now,
		CPUPercent:       sample.CPUPercent,
		MemoryUsageBytes: sample.MemoryUsageBytes,
		MemoryLimitBytes: sample.MemoryLimitBytes,
		DiskUsageBytes:   sample.DiskUsageBytes,
		NetworkRxBytes:   sample.NetworkRxBytes,
		NetworkTxBytes:   sample.NetworkTxBytes,
		Uptime:           now.Sub(startedAt),
	}

	c.mu.Lock()
	s.samples = append(s.samples, snapshot)
	if len(s.samples) > c.capacity {
		s.samples = s.samples[len(s.samples)-c.capacity:]
	}
	c.mu.Unlock()
}
