package telemetry

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
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
	logSubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slipway_log_subscribers_active",
		Help: "Number of live log stream subscribers.",
	})
	logEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slipway_log_events_dropped_total",
		Help: "Total log events dropped due to slow subscribers.",
	})
	logBacklogEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slipway_log_backlog_evicted_total",
		Help: "Total log events evicted from backlogs by capacity.",
	})
)

// =============================================================================
// Streamer
// =============================================================================

const (
	// DefaultBacklogSize bounds the per-deployment log backlog.
	DefaultBacklogSize = 1000

	// DefaultSubscriberBuffer is the channel depth for a live subscriber.
	DefaultSubscriberBuffer = 128

	// reopenDelay is how long the tail loop waits before reattaching after
	// the log stream ends or fails.
	reopenDelay = time.Second
)

// Streamer tails container logs per deployment into a bounded backlog and
// fans live events out to subscribers. Slow subscribers lose their oldest
// buffered events rather than blocking the stream; the loss is counted per
// subscriber.
type Streamer struct {
	adapter     runtime.Adapter
	logger      *slog.Logger
	backlogSize int

	mu       sync.Mutex
	sessions map[string]*logSession
}

type logSession struct {
	ref     string
	paused  bool
	backlog []domain.LogEvent
	evicted uint64
	lastTS  time.Time
	subs    map[*Subscription]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStreamer creates a log streamer. A non-positive backlog size falls back
// to the default.
func NewStreamer(adapter runtime.Adapter, logger *slog.Logger, backlogSize int) *Streamer {
	if backlogSize <= 0 {
		backlogSize = DefaultBacklogSize
	}
	return &Streamer{
		adapter:     adapter,
		logger:      logger.With("component", "log_streamer"),
		backlogSize: backlogSize,
		sessions:    make(map[string]*logSession),
	}
}

// Track starts tailing logs for a deployment instance. Tracking an
// already-tracked deployment retargets the tail to the new instance and
// keeps the accumulated backlog.
func (s *Streamer) Track(deploymentID, ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[deploymentID]; ok {
		sess.ref = ref
		sess.paused = false
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &logSession{
		ref:     ref,
		lastTS:  time.Now().UTC().Add(-time.Minute),
		subs:    make(map[*Subscription]struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.sessions[deploymentID] = sess

	go s.tail(ctx, deploymentID, sess)
}

// Pause suspends tailing; the backlog and subscribers stay intact.
func (s *Streamer) Pause(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[deploymentID]; ok {
		sess.paused = true
	}
}

// Resume re-enables tailing, optionally against a new instance ref.
func (s *Streamer) Resume(deploymentID, ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[deploymentID]; ok {
		sess.paused = false
		if ref != "" {
			sess.ref = ref
		}
	}
}

// Untrack stops tailing, closes all subscribers, and discards the backlog.
func (s *Streamer) Untrack(deploymentID string) {
	s.mu.Lock()
	sess, ok := s.sessions[deploymentID]
	if ok {
		delete(s.sessions, deploymentID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	sess.cancel()
	<-sess.done

	s.mu.Lock()
	for sub := range sess.subs {
		sub.shutdown()
		logSubscribersActive.Dec()
	}
	sess.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()
}

// Close stops all tail loops and subscribers.
func (s *Streamer) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Untrack(id)
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

// SubscribeOptions filters and shapes a log subscription.
type SubscribeOptions struct {
	// Tail limits the backlog replay to the most recent N events.
	// Zero replays the whole retained backlog.
	Tail int
	// Since drops backlog events at or before this time.
	Since time.Time
	// MinLevel drops events below this severity. Empty means no filter.
	MinLevel domain.LogLevel
	// Follow keeps the subscription open for live events after the replay.
	// Without it the channel closes once the backlog is delivered.
	Follow bool
	// Buffer overrides the live channel depth.
	Buffer int
}

// Subscription is a consumer attachment to a deployment's log stream.
type Subscription struct {
	ch       chan domain.LogEvent
	minLevel domain.LogLevel
	since    time.Time

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// Events is the receive channel. It is closed when the subscription ends.
func (sub *Subscription) Events() <-chan domain.LogEvent {
	return sub.ch
}

// Dropped returns how many events this consumer never saw: backlog entries
// evicted before it attached plus live events discarded because it fell
// behind.
func (sub *Subscription) Dropped() uint64 {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

func (sub *Subscription) shutdown() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// deliver pushes an event without ever blocking the producer. When the buffer
// is full the oldest buffered event is discarded and counted.
func (sub *Subscription) deliver(ev domain.LogEvent) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	if sub.minLevel != "" && !ev.Level.AtLeast(sub.minLevel) {
		return
	}
	if !sub.since.IsZero() && !ev.Timestamp.After(sub.since) {
		return
	}
	for {
		select {
		case sub.ch <- ev:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped++
			logEventsDropped.Inc()
		default:
		}
	}
}

// Subscribe attaches a consumer to a deployment's log stream. The backlog is
// replayed first (filtered by the options), then live events follow if
// requested.
func (s *Streamer) Subscribe(deploymentID string, opts SubscribeOptions) (*Subscription, error) {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[deploymentID]
	if !ok {
		return nil, ErrNotTracked
	}

	replay := filterEvents(sess.backlog, opts.Tail, opts.Since, opts.MinLevel)
	if len(replay)+1 > buffer {
		buffer = len(replay) + 1
	}

	sub := &Subscription{
		ch:       make(chan domain.LogEvent, buffer),
		minLevel: opts.MinLevel,
		since:    opts.Since,
		// Seed with the backlog evictions so loss before attach is
		// observable, not silent.
		dropped: sess.evicted,
	}
	for _, ev := range replay {
		sub.ch <- ev
	}

	if !opts.Follow {
		close(sub.ch)
		sub.closed = true
		return sub, nil
	}

	sess.subs[sub] = struct{}{}
	logSubscribersActive.Inc()
	return sub, nil
}

// Unsubscribe detaches a consumer and closes its channel.
func (s *Streamer) Unsubscribe(deploymentID string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[deploymentID]
	if !ok {
		sub.shutdown()
		return
	}
	if _, attached := sess.subs[sub]; attached {
		delete(sess.subs, sub)
		logSubscribersActive.Dec()
	}
	sub.shutdown()
}

// Snapshot returns a filtered copy of the retained backlog without
// subscribing.
func (s *Streamer) Snapshot(deploymentID string, tail int, since time.Time, minLevel domain.LogLevel) ([]domain.LogEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[deploymentID]
	if !ok {
		return nil, ErrNotTracked
	}
	return filterEvents(sess.backlog, tail, since, minLevel), nil
}

func filterEvents(events []domain.LogEvent, tail int, since time.Time, minLevel domain.LogLevel) []domain.LogEvent {
	out := make([]domain.LogEvent, 0, len(events))
	for _, ev := range events {
		if minLevel != "" && !ev.Level.AtLeast(minLevel) {
			continue
		}
		if !since.IsZero() && !ev.Timestamp.After(since) {
			continue
		}
		out = append(out, ev)
	}
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out
}

// =============================================================================
// Tail Loop
// =============================================================================

// tail attaches to the instance log stream and keeps reattaching until the
// session is cancelled. The stream ends whenever the instance stops, so the
// loop survives restarts and instance swaps.
func (s *Streamer) tail(ctx context.Context, deploymentID string, sess *logSession) {
	defer close(sess.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		paused := sess.paused
		ref := sess.ref
		since := sess.lastTS
		s.mu.Unlock()

		if paused || ref == "" {
			s.sleep(ctx, reopenDelay)
			continue
		}

		reader, err := s.adapter.TailLogs(ctx, ref, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("log attach failed",
				"deployment_id", deploymentID, "ref", ref, "error", err)
			s.sleep(ctx, reopenDelay)
			continue
		}

		s.consume(deploymentID, sess, reader)
		reader.Close()
		s.sleep(ctx, reopenDelay)
	}
}

func (s *Streamer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (s *Streamer) consume(deploymentID string, sess *logSession, reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ev := parseLogLine(deploymentID, line)
		s.publish(sess, ev)
	}
}

func (s *Streamer) publish(sess *logSession, ev domain.LogEvent) {
	s.mu.Lock()
	sess.backlog = append(sess.backlog, ev)
	if overflow := len(sess.backlog) - s.backlogSize; overflow > 0 {
		sess.backlog = sess.backlog[overflow:]
		sess.evicted += uint64(overflow)
		logBacklogEvicted.Add(float64(overflow))
	}
	if ev.Timestamp.After(sess.lastTS) {
		sess.lastTS = ev.Timestamp
	}
	subs := make([]*Subscription, 0, len(sess.subs))
	for sub := range sess.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// parseLogLine splits the engine-supplied RFC3339Nano timestamp prefix off a
// raw log line and detects the severity from the message text.
func parseLogLine(deploymentID, line string) domain.LogEvent {
	ts := time.Now().UTC()
	message := line

	if idx := strings.IndexByte(line, ' '); idx > 0 {
		if parsed, err := time.Parse(time.RFC3339Nano, line[:idx]); err == nil {
			ts = parsed.UTC()
			message = line[idx+1:]
		}
	}

	return domain.LogEvent{
		DeploymentID: deploymentID,
		Timestamp:    ts,
		Level:        domain.DetectLogLevel(message),
		Message:      message,
	}
}
