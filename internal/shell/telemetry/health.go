package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Prometheus Instrumentation
// =============================================================================

var probeFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "slipway_health_probe_failures_total",
	Help: "Total failed health probes across all deployments.",
})

// =============================================================================
// Prober
// =============================================================================

const (
	// DefaultProbeInterval is the default cadence for health probes.
	DefaultProbeInterval = 15 * time.Second

	// DefaultProbeTimeout bounds a single probe request.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultFailureThreshold is how many consecutive failures flip a
	// deployment to unhealthy.
	DefaultFailureThreshold = 3
)

// Prober periodically issues HTTP probes against running deployments and
// debounces the results: a deployment goes unhealthy only after the
// configured number of consecutive failures. The signal is informational
// and never changes deployment status.
type Prober struct {
	client    *http.Client
	logger    *slog.Logger
	interval  time.Duration
	threshold int

	mu       sync.Mutex
	sessions map[string]*probeSession
}

type probeSession struct {
	url         string
	tracker     *domain.HealthTracker
	latency     time.Duration
	lastChecked time.Time
	paused      bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewProber creates a health prober. Non-positive interval or threshold fall
// back to the defaults.
func NewProber(logger *slog.Logger, interval time.Duration, threshold int) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Prober{
		client:    &http.Client{Timeout: DefaultProbeTimeout},
		logger:    logger.With("component", "health_prober"),
		interval:  interval,
		threshold: threshold,
		sessions:  make(map[string]*probeSession),
	}
}

// Track starts probing a deployment endpoint. Tracking an already-tracked
// deployment retargets it and resets the debounce state, since results from
// a previous instance say nothing about the new one.
func (p *Prober) Track(deploymentID, baseURL, healthPath string) {
	target := probeURL(baseURL, healthPath)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[deploymentID]; ok {
		s.url = target
		s.paused = false
		s.tracker.Reset()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &probeSession{
		url:     target,
		tracker: domain.NewHealthTracker(p.threshold),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.sessions[deploymentID] = s

	go p.run(ctx, deploymentID, s)
}

// Pause suspends probing; the debounce state is kept but goes stale.
func (p *Prober) Pause(deploymentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[deploymentID]; ok {
		s.paused = true
	}
}

// Resume re-enables probing, optionally against a new endpoint. The debounce
// state resets when the endpoint changes.
func (p *Prober) Resume(deploymentID, baseURL, healthPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[deploymentID]; ok {
		s.paused = false
		if baseURL != "" {
			target := probeURL(baseURL, healthPath)
			if target != s.url {
				s.url = target
				s.tracker.Reset()
			}
		}
	}
}

// Untrack stops probing a deployment.
func (p *Prober) Untrack(deploymentID string) {
	p.mu.Lock()
	s, ok := p.sessions[deploymentID]
	if ok {
		delete(p.sessions, deploymentID)
	}
	p.mu.Unlock()

	if ok {
		s.cancel()
		<-s.done
	}
}

// Status returns the debounced health report for a deployment.
func (p *Prober) Status(deploymentID string) (domain.HealthReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[deploymentID]
	if !ok {
		return domain.HealthReport{}, ErrNotTracked
	}
	return domain.HealthReport{
		Status:      s.tracker.State(),
		Latency:     s.latency,
		LastChecked: s.lastChecked,
	}, nil
}

// Close stops all probe loops.
func (p *Prober) Close() {
	p.mu.Lock()
	sessions := make([]*probeSession, 0, len(p.sessions))
	for id, s := range p.sessions {
		sessions = append(sessions, s)
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		<-s.done
	}
}

// CheckNow issues a single immediate probe outside any tracking session.
// The lifecycle controller uses it to confirm a fresh instance responds
// before switching traffic to it.
func (p *Prober) CheckNow(ctx context.Context, baseURL, healthPath string) error {
	target := probeURL(baseURL, healthPath)
	ok, _, err := p.probe(ctx, target)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("probe of %s returned non-success status", target)
	}
	return nil
}

// =============================================================================
// Probe Loop
// =============================================================================

func (p *Prober) run(ctx context.Context, deploymentID string, s *probeSession) {
	defer close(s.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.observe(ctx, deploymentID, s)
		}
	}
}

func (p *Prober) observe(ctx context.Context, deploymentID string, s *probeSession) {
	p.mu.Lock()
	paused := s.paused
	target := s.url
	p.mu.Unlock()

	if paused || target == "" {
		return
	}

	ok, latency, err := p.probe(ctx, target)
	if err != nil {
		ok = false
	}
	if !ok {
		probeFailures.Inc()
	}

	p.mu.Lock()
	state := s.tracker.Observe(ok)
	s.latency = latency
	s.lastChecked = time.Now().UTC()
	p.mu.Unlock()

	if state == domain.HealthUnhealthy && !ok {
		p.logger.Warn("deployment unhealthy",
			"deployment_id", deploymentID, "url", target, "error", err)
	}
}

// probe issues one GET and reports whether the endpoint answered with a
// non-5xx, non-4xx status.
func (p *Prober) probe(ctx context.Context, target string) (bool, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return false, 0, err
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return false, latency, err
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 400, latency, nil
}

func probeURL(baseURL, healthPath string) string {
	if healthPath == "" {
		healthPath = "/"
	}
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	return strings.TrimSuffix(baseURL, "/") + healthPath
}
