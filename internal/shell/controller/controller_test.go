package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/runtime"
	"github.com/slipway-sh/slipway/internal/shell/store"
	"github.com/slipway-sh/slipway/internal/shell/telemetry"
)

// =============================================================================
// Fake Runtime
// =============================================================================

// fakeRuntime is a scriptable in-memory runtime.Adapter.
type fakeRuntime struct {
	mu          sync.Mutex
	createErrs  []error // consumed one per CreateInstance call
	restartErr  error
	restartGate chan struct{} // when set, RestartInstance blocks until closed
	urlOverride string        // when set, returned instances use this URL
	created     []runtime.InstanceSpec
	removed     []string
	seq         int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{}
}

func (f *fakeRuntime) CreateInstance(ctx context.Context, spec runtime.InstanceSpec) (*runtime.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return nil, err
	}
	f.seq++
	f.created = append(f.created, spec)
	port := 40000 + f.seq
	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	if f.urlOverride != "" {
		url = f.urlOverride
	}
	return &runtime.Instance{
		Ref:      fmt.Sprintf("inst-%d", f.seq),
		HostPort: port,
		URL:      url,
	}, nil
}

func (f *fakeRuntime) setURLOverride(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlOverride = url
}

func (f *fakeRuntime) StopInstance(ctx context.Context, ref string) error { return nil }

func (f *fakeRuntime) RestartInstance(ctx context.Context, ref string) error {
	f.mu.Lock()
	gate := f.restartGate
	err := f.restartErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeRuntime) RemoveInstance(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return nil
}

func (f *fakeRuntime) TailLogs(ctx context.Context, ref string, since time.Time) (io.ReadCloser, error) {
	return blockedReader{ctx: ctx}, nil
}

func (f *fakeRuntime) Stats(ctx context.Context, ref string) (*runtime.Sample, error) {
	return &runtime.Sample{CPUPercent: 1.0}, nil
}

func (f *fakeRuntime) Capabilities() runtime.Capabilities {
	return runtime.Capabilities{Stats: true}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }
func (f *fakeRuntime) Close() error                   { return nil }

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRuntime) removedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.removed))
	copy(out, f.removed)
	return out
}

type blockedReader struct{ ctx context.Context }

func (b blockedReader) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, io.EOF
}

func (b blockedReader) Close() error { return nil }

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	ctrl    *Controller
	store   *store.SQLiteStore
	adapter *fakeRuntime
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	adapter := newFakeRuntime()
	collector := telemetry.NewCollector(adapter, logger, time.Hour, 10)
	streamer := telemetry.NewStreamer(adapter, logger, 10)
	prober := telemetry.NewProber(logger, time.Hour, 3)
	t.Cleanup(func() {
		collector.Close()
		streamer.Close()
		prober.Close()
	})

	cfg := Config{
		MaxRetries:       3,
		RetryBaseDelay:   time.Millisecond,
		ReadinessTimeout: 50 * time.Millisecond,
		ReadinessPoll:    10 * time.Millisecond,
	}
	return &harness{
		ctrl:    New(st, adapter, collector, streamer, prober, logger, cfg),
		store:   st,
		adapter: adapter,
	}
}

func deployConfig() domain.Config {
	return domain.Config{
		Resources: domain.Resources{CPUCores: 0.5, MemoryMB: 256},
		Scaling:   domain.Scaling{MinReplicas: 1, MaxReplicas: 1},
		Port:      8080,
	}
}

func deployRequest(version string) DeployRequest {
	return DeployRequest{
		ProjectID:   "shop-api",
		Environment: domain.EnvStaging,
		Version:     version,
		Config:      deployConfig(),
	}
}

func (h *harness) mustDeploy(t *testing.T, version string) *domain.Deployment {
	t.Helper()
	d, action, err := h.ctrl.Deploy(context.Background(), deployRequest(version))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeSuccess, action.Outcome)
	return d
}

// =============================================================================
// Deploy
// =============================================================================

func TestDeploy_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d, action, err := h.ctrl.Deploy(ctx, deployRequest("v1.0.0"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRunning, d.Status)
	assert.NotEmpty(t, d.ContainerRef)
	assert.NotEmpty(t, d.URL)
	assert.NotZero(t, d.Port)
	require.NotNil(t, d.StartedAt)

	assert.Equal(t, domain.ActionDeploy, action.Kind)
	assert.Equal(t, domain.OutcomeSuccess, action.Outcome)
	assert.True(t, action.Completed())
	assert.Equal(t, action.ID, d.LastActionID)

	// Version is in history once the instance is confirmed
	rec, err := h.store.ResolveVersion(ctx, "shop-api", domain.EnvStaging, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, d.ID, rec.DeploymentID)
	assert.Equal(t, d.Config, rec.ConfigSnapshot)

	// The persisted row matches the returned snapshot
	stored, err := h.store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
	assert.Equal(t, d.ContainerRef, stored.ContainerRef)
}

func TestDeploy_ValidationRejected(t *testing.T) {
	h := newHarness(t)

	req := deployRequest("v1.0.0")
	req.Environment = "qa"
	_, _, err := h.ctrl.Deploy(context.Background(), req)
	assert.True(t, IsValidation(err))

	req = deployRequest("v1.0.0")
	req.Config.Port = 0
	_, _, err = h.ctrl.Deploy(context.Background(), req)
	assert.True(t, IsValidation(err))

	// Nothing was provisioned for rejected requests
	assert.Zero(t, h.adapter.createdCount())
}

func TestDeploy_ProvisionFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.adapter.createErrs = []error{runtime.ErrInvalidSpec}

	d, action, err := h.ctrl.Deploy(ctx, deployRequest("v1.0.0"))
	require.Error(t, err)

	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.NotEmpty(t, d.ErrorMessage)
	assert.Equal(t, domain.OutcomeFailure, action.Outcome)
	assert.NotEmpty(t, action.ErrorDetail)

	// Failed deployments never reach history
	_, err = h.store.ResolveVersion(ctx, "shop-api", domain.EnvStaging, "v1.0.0")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeploy_TransientFailureRetried(t *testing.T) {
	h := newHarness(t)

	h.adapter.createErrs = []error{
		fmt.Errorf("port clash: %w", runtime.ErrTransient),
		fmt.Errorf("port clash: %w", runtime.ErrTransient),
	}

	d, _, err := h.ctrl.Deploy(context.Background(), deployRequest("v1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, d.Status)
	assert.Equal(t, 1, h.adapter.createdCount())
}

func TestDeploy_NonTransientNotRetried(t *testing.T) {
	h := newHarness(t)

	h.adapter.createErrs = []error{runtime.ErrQuotaExceeded}

	d, _, err := h.ctrl.Deploy(context.Background(), deployRequest("v1.0.0"))
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, d.Status)
	// One attempt, no retries
	assert.Zero(t, h.adapter.createdCount())
}

func TestDeploy_TransientRetriesExhausted(t *testing.T) {
	h := newHarness(t)

	errs := make([]error, 10)
	for i := range errs {
		errs[i] = fmt.Errorf("engine busy: %w", runtime.ErrTransient)
	}
	h.adapter.createErrs = errs

	d, _, err := h.ctrl.Deploy(context.Background(), deployRequest("v1.0.0"))
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, d.Status)
}

// =============================================================================
// Stop / Redeploy
// =============================================================================

func TestStop_ReleasesInstanceKeepsRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	ref := d.ContainerRef

	stopped, action, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stopped.Status)
	assert.Empty(t, stopped.ContainerRef)
	assert.Empty(t, stopped.URL)
	assert.Zero(t, stopped.Port)
	require.NotNil(t, stopped.StoppedAt)
	assert.Equal(t, domain.OutcomeSuccess, action.Outcome)
	assert.Contains(t, h.adapter.removedRefs(), ref)

	// Record and history survive the stop
	_, err = h.store.GetDeployment(ctx, d.ID)
	assert.NoError(t, err)
	_, err = h.store.ResolveVersion(ctx, "shop-api", domain.EnvStaging, "v1.0.0")
	assert.NoError(t, err)
}

func TestStop_InvalidFromStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	_, _, err = h.ctrl.Stop(ctx, d.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, IsConflict(err))
}

func TestRedeploy_FromStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	firstRef := d.ContainerRef
	_, _, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	redeployed, action, err := h.ctrl.Redeploy(ctx, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, redeployed.Status)
	assert.Equal(t, "v1.0.0", redeployed.Version)
	assert.NotEqual(t, firstRef, redeployed.ContainerRef)
	assert.Equal(t, domain.ActionRedeploy, action.Kind)
}

func TestRedeploy_VersionOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	redeployed, _, err := h.ctrl.Redeploy(ctx, d.ID, "v2.0.0")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, redeployed.Status)
	assert.Equal(t, "v2.0.0", redeployed.Version)

	records, err := h.store.ListVersions(ctx, d.ProjectID, d.Environment, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "v2.0.0", records[0].Version)
}

func TestRedeploy_FromFailedClearsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.adapter.createErrs = []error{runtime.ErrInvalidSpec}
	d, _, err := h.ctrl.Deploy(ctx, deployRequest("v1.0.0"))
	require.Error(t, err)
	require.Equal(t, domain.StatusFailed, d.Status)

	redeployed, _, err := h.ctrl.Redeploy(ctx, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, redeployed.Status)
	assert.Empty(t, redeployed.ErrorMessage)
}

func TestRedeploy_InvalidFromRunning(t *testing.T) {
	h := newHarness(t)

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.Redeploy(context.Background(), d.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

// =============================================================================
// Restart
// =============================================================================

func TestRestart_Success(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	ref := d.ContainerRef

	restarted, action, err := h.ctrl.Restart(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, restarted.Status)
	// Same instance, not a new one
	assert.Equal(t, ref, restarted.ContainerRef)
	assert.Equal(t, 1, h.adapter.createdCount())
	assert.Equal(t, domain.ActionRestart, action.Kind)
}

func TestRestart_FailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	h.adapter.restartErr = runtime.ErrInstanceNotFound

	failed, action, err := h.ctrl.Restart(ctx, d.ID)
	require.Error(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.OutcomeFailure, action.Outcome)
}

func TestRestart_InvalidFromStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	_, _, err = h.ctrl.Restart(ctx, d.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

// =============================================================================
// Rollback
// =============================================================================

func rollbackHarness(t *testing.T) (*harness, *domain.Deployment) {
	t.Helper()
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)
	d2 := h.mustDeploy(t, "v2.0.0")
	return h, d2
}

func TestRollback_Success(t *testing.T) {
	h, d := rollbackHarness(t)
	ctx := context.Background()
	oldRef := d.ContainerRef

	rolled, action, err := h.ctrl.Rollback(ctx, d.ID, "v1.0.0")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRunning, rolled.Status)
	assert.Equal(t, "v1.0.0", rolled.Version)
	assert.NotEqual(t, oldRef, rolled.ContainerRef)
	assert.Contains(t, h.adapter.removedRefs(), oldRef)
	assert.Equal(t, domain.OutcomeSuccess, action.Outcome)

	// Rollback replays history, it does not rewrite it
	records, err := h.store.ListVersions(ctx, "shop-api", domain.EnvStaging, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRollback_UnknownVersion(t *testing.T) {
	h, d := rollbackHarness(t)

	_, _, err := h.ctrl.Rollback(context.Background(), d.ID, "v9.9.9")
	assert.ErrorIs(t, err, ErrVersionUnknown)
	assert.True(t, IsNotFound(err))
}

func TestRollback_SameVersion(t *testing.T) {
	h, d := rollbackHarness(t)

	_, _, err := h.ctrl.Rollback(context.Background(), d.ID, "v2.0.0")
	assert.ErrorIs(t, err, ErrSameVersion)
	assert.True(t, IsValidation(err))
}

func TestRollback_InvalidFromStopped(t *testing.T) {
	h, d := rollbackHarness(t)
	ctx := context.Background()

	_, _, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	_, _, err = h.ctrl.Rollback(ctx, d.ID, "v1.0.0")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRollback_ProvisionFailureKeepsOldInstance(t *testing.T) {
	h, d := rollbackHarness(t)
	ctx := context.Background()
	oldRef := d.ContainerRef

	h.adapter.createErrs = []error{runtime.ErrQuotaExceeded}

	reverted, action, err := h.ctrl.Rollback(ctx, d.ID, "v1.0.0")
	require.Error(t, err)

	// The old instance keeps serving; status reverts to Running, not Failed
	assert.Equal(t, domain.StatusRunning, reverted.Status)
	assert.Equal(t, "v2.0.0", reverted.Version)
	assert.Equal(t, oldRef, reverted.ContainerRef)
	assert.NotContains(t, h.adapter.removedRefs(), oldRef)
	assert.Equal(t, domain.OutcomeFailure, action.Outcome)
}

func TestRollback_UnhealthyInstanceDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	h.adapter.setURLOverride(server.URL)

	req := deployRequest("v1.0.0")
	req.Config.HealthPath = "/health"
	d, _, err := h.ctrl.Deploy(ctx, req)
	require.NoError(t, err)
	_, _, err = h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	req.Version = "v2.0.0"
	d2, _, err := h.ctrl.Deploy(ctx, req)
	require.NoError(t, err)
	oldRef := d2.ContainerRef

	// The fresh rollback instance probes an unreachable address, never
	// confirms, and must be discarded.
	h.adapter.setURLOverride("http://127.0.0.1:1")

	reverted, action, err := h.ctrl.Rollback(ctx, d2.ID, "v1.0.0")
	require.Error(t, err)

	assert.Equal(t, domain.StatusRunning, reverted.Status)
	assert.Equal(t, "v2.0.0", reverted.Version)
	assert.Equal(t, oldRef, reverted.ContainerRef)
	assert.Equal(t, domain.OutcomeFailure, action.Outcome)

	// The discarded instance was cleaned up, the old one was not
	removed := h.adapter.removedRefs()
	assert.NotContains(t, removed, oldRef)
	assert.Contains(t, removed, "inst-3")
}

// failingUpdateStore rejects deployment updates back to Running once armed,
// simulating a store outage mid-operation.
type failingUpdateStore struct {
	store.Store
	armed bool
}

func (f *failingUpdateStore) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	if f.armed && d.Status == domain.StatusRunning {
		return assert.AnError
	}
	return f.Store.UpdateDeployment(ctx, d)
}

func TestRollback_RevertFailureKeepsRootCause(t *testing.T) {
	h, d := rollbackHarness(t)
	ctx := context.Background()

	flaky := &failingUpdateStore{Store: h.store}
	logger := slog.New(slog.DiscardHandler)
	collector := telemetry.NewCollector(h.adapter, logger, time.Hour, 10)
	streamer := telemetry.NewStreamer(h.adapter, logger, 10)
	prober := telemetry.NewProber(logger, time.Hour, 3)
	t.Cleanup(func() {
		collector.Close()
		streamer.Close()
		prober.Close()
	})
	ctrl := New(flaky, h.adapter, collector, streamer, prober, logger, Config{
		MaxRetries:       0,
		RetryBaseDelay:   time.Millisecond,
		ReadinessTimeout: 50 * time.Millisecond,
		ReadinessPoll:    10 * time.Millisecond,
	})

	// Provisioning fails, then the revert's own store update fails too; the
	// audit trail must still carry the provisioning cause.
	h.adapter.createErrs = []error{runtime.ErrInvalidSpec}
	flaky.armed = true

	_, action, err := ctrl.Rollback(ctx, d.ID, "v1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrInvalidSpec)
	assert.Contains(t, err.Error(), "revert to running failed")

	require.NotNil(t, action)
	assert.Equal(t, domain.OutcomeFailure, action.Outcome)
	assert.Contains(t, action.ErrorDetail, runtime.ErrInvalidSpec.Error())
}

// =============================================================================
// Update Config
// =============================================================================

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func intPtr(i int) *int         { return &i }

func TestUpdateConfig_InPlaceForHealthPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	ref := d.ContainerRef

	updated, action, err := h.ctrl.UpdateConfig(ctx, d.ID, domain.ConfigPatch{
		HealthPath: strPtr("/healthz"),
	})
	require.NoError(t, err)
	assert.Equal(t, "/healthz", updated.Config.HealthPath)
	assert.Equal(t, ref, updated.ContainerRef, "no reprovision for observation-only change")
	assert.Equal(t, 1, h.adapter.createdCount())
	assert.Equal(t, domain.ActionUpdateConfig, action.Kind)
}

func TestUpdateConfig_ReprovisionsForResources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	oldRef := d.ContainerRef

	updated, _, err := h.ctrl.UpdateConfig(ctx, d.ID, domain.ConfigPatch{
		CPUCores: f64Ptr(2.0),
		Env:      map[string]string{"FEATURE_X": "on"},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRunning, updated.Status)
	assert.Equal(t, 2.0, updated.Config.Resources.CPUCores)
	assert.Equal(t, "on", updated.Config.Env["FEATURE_X"])
	assert.NotEqual(t, oldRef, updated.ContainerRef)
	assert.Contains(t, h.adapter.removedRefs(), oldRef)
	// Version is unchanged by a config update
	assert.Equal(t, "v1.0.0", updated.Version)
}

func TestUpdateConfig_RejectsInvalidMerge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.UpdateConfig(ctx, d.ID, domain.ConfigPatch{
		MinReplicas: intPtr(5),
		MaxReplicas: intPtr(2),
	})
	assert.True(t, IsValidation(err))

	// Rejected update leaves the config untouched
	stored, err := h.store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Config.Scaling.MinReplicas)
}

func TestUpdateConfig_InPlaceWhenStopped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	updated, _, err := h.ctrl.UpdateConfig(ctx, d.ID, domain.ConfigPatch{
		CPUCores: f64Ptr(1.5),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, updated.Status)
	assert.Equal(t, 1.5, updated.Config.Resources.CPUCores)
	// Takes effect on the next redeploy, no instance touched now
	assert.Equal(t, 1, h.adapter.createdCount())
}

// =============================================================================
// Delete
// =============================================================================

func TestDelete_RequiresTerminalState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	err := h.ctrl.Delete(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotDeletable)
	assert.True(t, IsConflict(err))
}

func TestDelete_RemovesRecordKeepsHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	require.NoError(t, h.ctrl.Delete(ctx, d.ID))

	_, err = h.store.GetDeployment(ctx, d.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Project history outlives the deployment
	rec, err := h.store.ResolveVersion(ctx, "shop-api", domain.EnvStaging, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, d.ID, rec.DeploymentID)
}

func TestDelete_NotFound(t *testing.T) {
	h := newHarness(t)

	err := h.ctrl.Delete(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

// =============================================================================
// Reconcile
// =============================================================================

func TestReconcile_ReattachesRunningDeployments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	running := h.mustDeploy(t, "v1.0.0")

	stopped, _, err := h.ctrl.Deploy(ctx, DeployRequest{
		ProjectID:   "billing-api",
		Environment: domain.EnvStaging,
		Version:     "v1.0.0",
		Config:      deployConfig(),
	})
	require.NoError(t, err)
	_, _, err = h.ctrl.Stop(ctx, stopped.ID)
	require.NoError(t, err)

	// A fresh process over the same database: new telemetry, new controller
	logger := slog.New(slog.DiscardHandler)
	collector := telemetry.NewCollector(h.adapter, logger, time.Hour, 10)
	streamer := telemetry.NewStreamer(h.adapter, logger, 10)
	prober := telemetry.NewProber(logger, time.Hour, 3)
	t.Cleanup(func() {
		collector.Close()
		streamer.Close()
		prober.Close()
	})
	ctrl := New(h.store, h.adapter, collector, streamer, prober, logger, Config{
		MaxRetries:       3,
		RetryBaseDelay:   time.Millisecond,
		ReadinessTimeout: 50 * time.Millisecond,
		ReadinessPoll:    10 * time.Millisecond,
	})

	require.NoError(t, ctrl.Reconcile(ctx))

	// The running deployment is observable again
	_, err = streamer.Snapshot(running.ID, 0, time.Time{}, "")
	assert.NoError(t, err)
	_, err = prober.Status(running.ID)
	assert.NoError(t, err)
	_, err = collector.Latest(running.ID)
	assert.ErrorIs(t, err, telemetry.ErrNoSamples)

	// The stopped one stays untracked
	_, err = streamer.Snapshot(stopped.ID, 0, time.Time{}, "")
	assert.ErrorIs(t, err, telemetry.ErrNotTracked)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestConcurrentActionsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")

	gate := make(chan struct{})
	h.adapter.mu.Lock()
	h.adapter.restartGate = gate
	h.adapter.mu.Unlock()

	restartDone := make(chan error, 1)
	go func() {
		_, _, err := h.ctrl.Restart(ctx, d.ID)
		restartDone <- err
	}()

	// Wait until the restart holds the action lock
	require.Eventually(t, func() bool {
		stored, err := h.store.GetDeployment(ctx, d.ID)
		return err == nil && stored.Status == domain.StatusRestarting
	}, 2*time.Second, 5*time.Millisecond)

	_, _, err := h.ctrl.UpdateConfig(ctx, d.ID, domain.ConfigPatch{
		HealthPath: strPtr("/healthz"),
	})
	assert.ErrorIs(t, err, ErrActionInProgress)
	assert.True(t, IsConflict(err))

	close(gate)
	require.NoError(t, <-restartDone)

	// Once the lock is released the next action proceeds
	_, _, err = h.ctrl.Stop(ctx, d.ID)
	assert.NoError(t, err)
}

func TestActionsOnDifferentDeploymentsProceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d1 := h.mustDeploy(t, "v1.0.0")

	req := deployRequest("v1.0.0")
	req.ProjectID = "billing-api"
	d2, _, err := h.ctrl.Deploy(ctx, req)
	require.NoError(t, err)

	_, _, err = h.ctrl.Stop(ctx, d1.ID)
	require.NoError(t, err)
	_, _, err = h.ctrl.Stop(ctx, d2.ID)
	require.NoError(t, err)
}

// =============================================================================
// Audit Trail
// =============================================================================

func TestActionTrailRecordsEveryMutation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.mustDeploy(t, "v1.0.0")
	_, _, err := h.ctrl.Restart(ctx, d.ID)
	require.NoError(t, err)
	_, _, err = h.ctrl.Stop(ctx, d.ID)
	require.NoError(t, err)

	actions, err := h.store.ListActions(ctx, d.ID, store.DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, actions, 3)

	kinds := []domain.ActionKind{actions[0].Kind, actions[1].Kind, actions[2].Kind}
	assert.Equal(t, []domain.ActionKind{domain.ActionStop, domain.ActionRestart, domain.ActionDeploy}, kinds)
	for _, a := range actions {
		assert.True(t, a.Completed())
		assert.Equal(t, domain.OutcomeSuccess, a.Outcome)
	}
}
