package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/runtime"
	"github.com/slipway-sh/slipway/internal/shell/store"
	"github.com/slipway-sh/slipway/internal/shell/telemetry"
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the controller's retry and readiness behavior.
type Config struct {
	// MaxRetries bounds retries of transient runtime failures per step.
	MaxRetries int
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
	// ReadinessTimeout bounds how long a fresh instance may take to answer
	// its health endpoint before a switch is abandoned.
	ReadinessTimeout time.Duration
	// ReadinessPoll is the delay between readiness probes.
	ReadinessPoll time.Duration
	// ImagePrefix is prepended to project IDs to form image references,
	// e.g. "registry.internal/apps".
	ImagePrefix string
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBaseDelay:   500 * time.Millisecond,
		ReadinessTimeout: 30 * time.Second,
		ReadinessPoll:    time.Second,
	}
}

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = 30 * time.Second
	}
	if c.ReadinessPoll <= 0 {
		c.ReadinessPoll = time.Second
	}
	return c
}

// =============================================================================
// Controller
// =============================================================================

// Controller owns all deployment mutations. Every operation runs under the
// deployment's action lock, is recorded as an action, and completes before
// returning; readers observe consistent snapshots through the store.
type Controller struct {
	store     store.Store
	adapter   runtime.Adapter
	collector *telemetry.Collector
	streamer  *telemetry.Streamer
	prober    *telemetry.Prober
	logger    *slog.Logger
	cfg       Config

	locks lockTable
}

// New creates a lifecycle controller.
func New(
	st store.Store,
	adapter runtime.Adapter,
	collector *telemetry.Collector,
	streamer *telemetry.Streamer,
	prober *telemetry.Prober,
	logger *slog.Logger,
	cfg Config,
) *Controller {
	return &Controller{
		store:     st,
		adapter:   adapter,
		collector: collector,
		streamer:  streamer,
		prober:    prober,
		logger:    logger.With("component", "controller"),
		cfg:       cfg.normalized(),
		locks:     lockTable{held: make(map[string]domain.ActionKind)},
	}
}

// =============================================================================
// Action Lock
// =============================================================================

// lockTable is a per-deployment try-lock. A second action on the same
// deployment is rejected immediately instead of queueing.
type lockTable struct {
	mu   sync.Mutex
	held map[string]domain.ActionKind
}

func (l *lockTable) acquire(id string, kind domain.ActionKind) (domain.ActionKind, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.held[id]; ok {
		return current, false
	}
	l.held[id] = kind
	return kind, true
}

func (l *lockTable) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

// begin acquires the action lock and opens the audit record.
func (c *Controller) begin(ctx context.Context, d *domain.Deployment, kind domain.ActionKind) (*domain.DeploymentAction, error) {
	if current, ok := c.locks.acquire(d.ID, kind); !ok {
		return nil, NewControllerError(kind, d.ID,
			fmt.Sprintf("%s already in progress", current), ErrActionInProgress)
	}

	action := domain.NewAction(d.ID, kind)
	if err := c.store.CreateAction(ctx, action); err != nil {
		c.locks.release(d.ID)
		return nil, err
	}
	d.LastActionID = action.ID
	return action, nil
}

// finish closes the audit record and releases the lock. The store is the
// system of record for the outcome; completion failures are logged but do
// not mask the action error.
func (c *Controller) finish(ctx context.Context, d *domain.Deployment, action *domain.DeploymentAction, opErr error) {
	action.Complete(opErr)
	if err := c.store.CompleteAction(ctx, action); err != nil {
		c.logger.Error("failed to record action outcome",
			"action_id", action.ID, "deployment_id", d.ID, "error", err)
	}
	actionsTotal.WithLabelValues(string(action.Kind), string(action.Outcome)).Inc()
	c.locks.release(d.ID)
}

// =============================================================================
// Deploy
// =============================================================================

// DeployRequest describes a new deployment of a project version.
type DeployRequest struct {
	ProjectID   string
	Environment domain.Environment
	Version     string
	Config      domain.Config
}

// Deploy creates a deployment and provisions its instance. The deployment
// reaches Running on success or Failed with a captured cause; the version is
// recorded in history only once the instance is confirmed running.
func (c *Controller) Deploy(ctx context.Context, req DeployRequest) (*domain.Deployment, *domain.DeploymentAction, error) {
	d, err := domain.NewDeployment(req.ProjectID, req.Environment, req.Version, req.Config)
	if err != nil {
		return nil, nil, NewControllerError(domain.ActionDeploy, "", err.Error(), err)
	}

	if err := c.store.CreateDeployment(ctx, d); err != nil {
		return nil, nil, err
	}

	action, err := c.begin(ctx, d, domain.ActionDeploy)
	if err != nil {
		return nil, nil, err
	}

	opErr := c.provisionAndRun(ctx, d)
	c.finish(ctx, d, action, opErr)

	if opErr != nil {
		return d, action, NewControllerError(domain.ActionDeploy, d.ID, opErr.Error(), opErr)
	}
	c.logger.Info("deployment running",
		"deployment_id", d.ID, "project_id", d.ProjectID,
		"environment", d.Environment, "version", d.Version, "url", d.URL)
	return d, action, nil
}

// provisionAndRun walks a Pending/Stopped/Failed deployment through
// Deploying into Running, or into Failed with the cause captured.
func (c *Controller) provisionAndRun(ctx context.Context, d *domain.Deployment) error {
	if err := d.Transition(domain.StatusDeploying); err != nil {
		return err
	}
	if err := c.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	inst, err := c.provision(ctx, d, d.Version, d.Config)
	if err == nil {
		err = c.waitReady(ctx, inst.URL, d.Config.HealthPath)
		if err != nil {
			c.release(context.WithoutCancel(ctx), inst.Ref)
		}
	}
	if err != nil {
		c.fail(ctx, d, err)
		return err
	}

	d.ContainerRef = inst.Ref
	d.URL = inst.URL
	d.Port = inst.HostPort
	if err := d.Transition(domain.StatusRunning); err != nil {
		c.release(context.WithoutCancel(ctx), inst.Ref)
		return err
	}
	if err := c.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	c.recordVersion(ctx, d)
	c.watch(d)
	return nil
}

// =============================================================================
// Redeploy
// =============================================================================

// Redeploy provisions a fresh instance for a stopped or failed deployment.
// A non-empty version overrides the deployment's version; the configuration
// is kept either way.
func (c *Controller) Redeploy(ctx context.Context, id, version string) (*domain.Deployment, *domain.DeploymentAction, error) {
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !d.Status.Terminal() {
		return nil, nil, NewControllerError(domain.ActionRedeploy, id,
			fmt.Sprintf("cannot redeploy from %s", d.Status), ErrInvalidState)
	}

	action, err := c.begin(ctx, d, domain.ActionRedeploy)
	if err != nil {
		return nil, nil, err
	}
	if version != "" {
		d.Version = version
	}

	opErr := c.provisionAndRun(ctx, d)
	c.finish(ctx, d, action, opErr)

	if opErr != nil {
		return d, action, NewControllerError(domain.ActionRedeploy, id, opErr.Error(), opErr)
	}
	c.logger.Info("deployment redeployed", "deployment_id", d.ID, "url", d.URL)
	return d, action, nil
}

// =============================================================================
// Stop
// =============================================================================

// Stop releases a running deployment's instance and moves it to Stopped.
// The deployment record and its history are kept.
func (c *Controller) Stop(ctx context.Context, id string) (*domain.Deployment, *domain.DeploymentAction, error) {
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := domain.ValidateTransition(d.Status, domain.StatusStopping); err != nil {
		return nil, nil, NewControllerError(domain.ActionStop, id, err.Error(), ErrInvalidState)
	}

	action, err := c.begin(ctx, d, domain.ActionStop)
	if err != nil {
		return nil, nil, err
	}

	opErr := c.stopInstance(ctx, d)
	c.finish(ctx, d, action, opErr)

	if opErr != nil {
		return d, action, NewControllerError(domain.ActionStop, id, opErr.Error(), opErr)
	}
	c.logger.Info("deployment stopped", "deployment_id", d.ID)
	return d, action, nil
}

func (c *Controller) stopInstance(ctx context.Context, d *domain.Deployment) error {
	if err := d.Transition(domain.StatusStopping); err != nil {
		return err
	}
	if err := c.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	c.unwatch(d.ID)

	ref := d.ContainerRef
	if ref != "" {
		err := c.withRetry(ctx, "stop instance", func(ctx context.Context) error {
			return c.adapter.StopInstance(ctx, ref)
		})
		if err != nil && !runtime.IsNotFound(err) {
			// The instance is in an unknown state; keep the ref so an
			// operator can reconcile it, but the deployment still stops.
			c.logger.Error("failed to stop instance",
				"deployment_id", d.ID, "ref", ref, "error", err)
		}
		c.release(ctx, ref)
	}

	d.ContainerRef = ""
	if err := d.Transition(domain.StatusStopped); err != nil {
		return err
	}
	return c.store.UpdateDeployment(ctx, d)
}

// =============================================================================
// Restart
// =============================================================================

// Restart bounces the running instance in place. Telemetry loops pause for
// the duration so collected metrics and log backlog survive the restart.
func (c *Controller) Restart(ctx context.Context, id string) (*domain.Deployment, *domain.DeploymentAction, error) {
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := domain.ValidateTransition(d.Status, domain.StatusRestarting); err != nil {
		return nil, nil, NewControllerError(domain.ActionRestart, id, err.Error(), ErrInvalidState)
	}

	action, err := c.begin(ctx, d, domain.ActionRestart)
	if err != nil {
		return nil, nil, err
	}

	opErr := c.restartInstance(ctx, d)
	c.finish(ctx, d, action, opErr)

	if opErr != nil {
		return d, action, NewControllerError(domain.ActionRestart, id, opErr.Error(), opErr)
	}
	c.logger.Info("deployment restarted", "deployment_id", d.ID)
	return d, action, nil
}

func (c *Controller) restartInstance(ctx context.Context, d *domain.Deployment) error {
	if err := d.Transition(domain.StatusRestarting); err != nil {
		return err
	}
	if err := c.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	c.collector.Pause(d.ID)
	c.streamer.Pause(d.ID)
	c.prober.Pause(d.ID)

	err := c.withRetry(ctx, "restart instance", func(ctx context.Context) error {
		return c.adapter.RestartInstance(ctx, d.ContainerRef)
	})
	if err == nil {
		err = c.waitReady(ctx, d.URL, d.Config.HealthPath)
	}
	if err != nil {
		c.fail(ctx, d, err)
		return err
	}

	if err := d.Transition(domain.StatusRunning); err != nil {
		return err
	}
	if err := c.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	now := time.Now().UTC()
	c.collector.Resume(d.ID, d.ContainerRef, now)
	c.streamer.Resume(d.ID, d.ContainerRef)
	c.prober.Resume(d.ID, d.URL, d.Config.HealthPath)
	return nil
}

// =============================================================================
// Rollback
// =============================================================================

// Rollback switches a running deployment to a previously recorded version
// using its snapshotted configuration. The new instance is provisioned and
// confirmed healthy before the old one is released; if anything fails the
// old instance keeps serving and the deployment returns to Running.
func (c *Controller) Rollback(ctx context.Context, id, targetVersion string) (*domain.Deployment, *domain.DeploymentAction, error) {
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if d.Status != domain.StatusRunning {
		return nil, nil, NewControllerError(domain.ActionRollback, id,
			fmt.Sprintf("cannot roll back from %s", d.Status), ErrInvalidState)
	}
	if targetVersion == d.Version {
		return nil, nil, NewControllerError(domain.ActionRollback, id,
			fmt.Sprintf("version %s is already deployed", targetVersion), ErrSameVersion)
	}

	record, err := c.store.ResolveVersion(ctx, d.ProjectID, d.Environment, targetVersion)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil, NewControllerError(domain.ActionRollback, id,
				fmt.Sprintf("no history record for version %s", targetVersion), ErrVersionUnknown)
		}
		return nil, nil, err
	}

	action, err := c.begin(ctx, d, domain.ActionRollback)
	if err != nil {
		return nil, nil, err
	}

	opErr := c.switchInstance(ctx, d, record.Version, record.ConfigSnapshot)
	c.finish(ctx, d, action, opErr)

	if opErr != nil {
		return d, action, NewControllerError(domain.ActionRollback, id, opErr.Error(), opErr)
	}
	c.logger.Info("deployment rolled back",
		"deployment_id", d.ID, "version", d.Version, "url", d.URL)
	return d, action, nil
}

// switchInstance provisions an instance for the given version and config,
// confirms it responds, and only then swaps it in for the old one. A failed
// switch leaves the old instance serving and reverts the status to Running.
func (c *Controller) switchInstance(ctx context.Context, d *domain.Deployment, version string, cfg domain.Config) error {
	if err := d.Transition(domain.StatusRollingBack); err != nil {
		return err
	}
	if err := c.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	// A failed revert must not mask the provisioning cause in the audit trail.
	revert := func(cause error) error {
		if err := d.Transition(domain.StatusRunning); err != nil {
			return fmt.Errorf("%w (revert to running failed: %v)", cause, err)
		}
		if err := c.store.UpdateDeployment(ctx, d); err != nil {
			return fmt.Errorf("%w (revert to running failed: %v)", cause, err)
		}
		return cause
	}

	inst, err := c.provision(ctx, d, version, cfg)
	if err != nil {
		return revert(err)
	}

	if err := c.waitReady(ctx, inst.URL, cfg.HealthPath); err != nil {
		c.release(context.WithoutCancel(ctx), inst.Ref)
		return revert(err)
	}

	oldRef := d.ContainerRef
	d.Version = version
	d.Config = cfg
	d.ContainerRef = inst.Ref
	d.URL = inst.URL
	d.Port = inst.HostPort
	if err := d.Transition(domain.StatusRunning); err != nil {
		return err
	}
	if err := c.store.UpdateDeployment(ctx, d); err != nil {
		return err
	}

	if oldRef != "" {
		c.release(context.WithoutCancel(ctx), oldRef)
	}

	now := time.Now().UTC()
	if err := c.collector.Track(d.ID, d.ContainerRef, now); err != nil {
		c.logger.Debug("metrics unavailable", "deployment_id", d.ID, "error", err)
	}
	c.streamer.Track(d.ID, d.ContainerRef)
	c.prober.Track(d.ID, d.URL, d.Config.HealthPath)
	return nil
}

// =============================================================================
// Update Config
// =============================================================================

// UpdateConfig applies a partial configuration update. Changes that only
// affect observation (the health path) apply in place; anything touching
// resources, scaling, port, or env on a running deployment goes through a
// provision-and-switch so the old instance serves until the new one is
// confirmed. The running version is unchanged and no history is written.
func (c *Controller) UpdateConfig(ctx context.Context, id string, patch domain.ConfigPatch) (*domain.Deployment, *domain.DeploymentAction, error) {
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	merged := d.Config.Merge(patch)
	if err := merged.Validate(); err != nil {
		return nil, nil, NewControllerError(domain.ActionUpdateConfig, id, err.Error(), err)
	}

	action, err := c.begin(ctx, d, domain.ActionUpdateConfig)
	if err != nil {
		return nil, nil, err
	}

	var opErr error
	if d.Status == domain.StatusRunning && patch.RequiresReprovision() {
		opErr = c.switchInstance(ctx, d, d.Version, merged)
	} else {
		d.Config = merged
		d.UpdatedAt = time.Now().UTC()
		opErr = c.store.UpdateDeployment(ctx, d)
		if opErr == nil && d.Status == domain.StatusRunning {
			c.prober.Track(d.ID, d.URL, merged.HealthPath)
		}
	}
	c.finish(ctx, d, action, opErr)

	if opErr != nil {
		return d, action, NewControllerError(domain.ActionUpdateConfig, id, opErr.Error(), opErr)
	}
	c.logger.Info("deployment config updated", "deployment_id", d.ID)
	return d, action, nil
}

// =============================================================================
// Delete
// =============================================================================

// Delete removes a stopped or failed deployment. The deployment row and its
// action trail go away; version history is project-scoped and survives so
// past versions stay resolvable.
func (c *Controller) Delete(ctx context.Context, id string) error {
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if err := domain.ValidateTransition(d.Status, domain.StatusDeleted); err != nil {
		return NewControllerError(domain.ActionDelete, id,
			fmt.Sprintf("cannot delete from %s", d.Status), ErrNotDeletable)
	}

	if _, ok := c.locks.acquire(id, domain.ActionDelete); !ok {
		return NewControllerError(domain.ActionDelete, id, "action in progress", ErrActionInProgress)
	}
	defer c.locks.release(id)

	c.unwatch(id)
	if d.ContainerRef != "" {
		c.release(ctx, d.ContainerRef)
	}

	if err := c.store.DeleteDeployment(ctx, id); err != nil {
		return err
	}
	c.logger.Info("deployment deleted", "deployment_id", id, "project_id", d.ProjectID)
	return nil
}

// =============================================================================
// Reconcile
// =============================================================================

// Reconcile reattaches telemetry loops to every deployment still marked
// Running. Instances keep serving while the orchestrator is down, but the
// loops are in-memory, so a restarted process must re-track them before
// logs, metrics, and health are observable again.
func (c *Controller) Reconcile(ctx context.Context) error {
	running := domain.StatusRunning
	filter := store.DeploymentFilter{Status: &running}
	opts := store.ListOptions{Limit: 1000}

	count := 0
	for {
		batch, err := c.store.ListDeployments(ctx, filter, opts)
		if err != nil {
			return err
		}
		for i := range batch {
			c.watch(&batch[i])
			count++
		}
		if len(batch) < opts.Limit {
			break
		}
		opts.Offset += len(batch)
	}

	if count > 0 {
		c.logger.Info("reattached telemetry to running deployments", "count", count)
	}
	return nil
}

// =============================================================================
// Shared Steps
// =============================================================================

// provision creates a runtime instance for the given version and config,
// retrying transient engine failures with exponential backoff.
func (c *Controller) provision(ctx context.Context, d *domain.Deployment, version string, cfg domain.Config) (*runtime.Instance, error) {
	spec := runtime.InstanceSpec{
		Name:          instanceName(d.ProjectID, d.ID),
		Image:         c.imageRef(d.ProjectID, version),
		Env:           cfg.Env,
		ContainerPort: cfg.Port,
		CPUCores:      cfg.Resources.CPUCores,
		MemoryMB:      cfg.Resources.MemoryMB,
		Labels: map[string]string{
			runtime.LabelManaged:    "true",
			runtime.LabelDeployment: d.ID,
			runtime.LabelProject:    d.ProjectID,
		},
	}

	var inst *runtime.Instance
	err := c.withRetry(ctx, "create instance", func(ctx context.Context) error {
		var err error
		inst, err = c.adapter.CreateInstance(ctx, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// withRetry runs fn, retrying transient failures up to MaxRetries with
// exponential backoff. Non-transient failures return immediately.
func (c *Controller) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := c.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !runtime.IsTransient(err) || attempt >= c.cfg.MaxRetries {
			return err
		}

		c.logger.Warn("transient failure, retrying",
			"op", op, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// waitReady polls the instance's health endpoint until it answers or the
// readiness window closes. Instances without a health path are trusted to
// be ready once the engine reports them started.
func (c *Controller) waitReady(ctx context.Context, baseURL, healthPath string) error {
	if healthPath == "" {
		return nil
	}

	deadline := time.Now().Add(c.cfg.ReadinessTimeout)
	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadinessPoll*2)
		lastErr = c.prober.CheckNow(probeCtx, baseURL, healthPath)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("instance did not become ready: %w", lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReadinessPoll):
		}
	}
}

// fail moves the deployment to Failed with the cause and detaches telemetry.
func (c *Controller) fail(ctx context.Context, d *domain.Deployment, cause error) {
	c.unwatch(d.ID)
	if err := d.TransitionToFailed(cause.Error()); err != nil {
		c.logger.Error("could not mark deployment failed",
			"deployment_id", d.ID, "status", d.Status, "error", err)
		return
	}
	if err := c.store.UpdateDeployment(ctx, d); err != nil {
		c.logger.Error("failed to persist failure",
			"deployment_id", d.ID, "error", err)
	}
}

// release stops and removes an instance, tolerating an already-gone one.
func (c *Controller) release(ctx context.Context, ref string) {
	err := c.withRetry(ctx, "remove instance", func(ctx context.Context) error {
		return c.adapter.RemoveInstance(ctx, ref)
	})
	if err != nil && !runtime.IsNotFound(err) {
		c.logger.Error("failed to remove instance", "ref", ref, "error", err)
	}
}

// recordVersion appends the running version to project history. The record
// is written only after the instance is confirmed running; re-recording an
// existing version is a no-op in the store.
func (c *Controller) recordVersion(ctx context.Context, d *domain.Deployment) {
	record := &domain.VersionRecord{
		ProjectID:      d.ProjectID,
		Environment:    d.Environment,
		Version:        d.Version,
		ConfigSnapshot: d.Config,
		DeploymentID:   d.ID,
		RecordedAt:     time.Now().UTC(),
	}
	if err := c.store.RecordVersion(ctx, record); err != nil {
		c.logger.Error("failed to record version",
			"deployment_id", d.ID, "version", d.Version, "error", err)
	}
}

// watch attaches all telemetry loops to the deployment's current instance.
func (c *Controller) watch(d *domain.Deployment) {
	now := time.Now().UTC()
	if err := c.collector.Track(d.ID, d.ContainerRef, now); err != nil {
		c.logger.Debug("metrics unavailable", "deployment_id", d.ID, "error", err)
	}
	c.streamer.Track(d.ID, d.ContainerRef)
	c.prober.Track(d.ID, d.URL, d.Config.HealthPath)
}

// unwatch detaches all telemetry loops and drops their buffers.
func (c *Controller) unwatch(id string) {
	c.collector.Untrack(id)
	c.streamer.Untrack(id)
	c.prober.Untrack(id)
}

func (c *Controller) imageRef(projectID, version string) string {
	if c.cfg.ImagePrefix != "" {
		return strings.TrimSuffix(c.cfg.ImagePrefix, "/") + "/" + projectID + ":" + version
	}
	return projectID + ":" + version
}

// instanceName builds a unique engine-side name so an old and a new instance
// of the same deployment can coexist during a switch.
func instanceName(projectID, deploymentID string) string {
	short := deploymentID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("slipway-%s-%s-%s", projectID, short, uuid.NewString()[:8])
}
