package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Docker Adapter
// =============================================================================

// DockerAdapter implements Adapter using the Docker SDK against a local or
// remote daemon.
type DockerAdapter struct {
	cli  *client.Client
	host string // advertise host for instance URLs
}

// NewDockerAdapter creates a Docker-backed runtime adapter. If dockerHost is
// empty the default environment configuration is used; advertiseHost is the
// hostname baked into instance URLs (defaults to localhost).
func NewDockerAdapter(dockerHost, advertiseHost string) (*DockerAdapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewRuntimeError("NewDockerAdapter", "", "failed to create client", ErrConnectionFailed)
	}

	if advertiseHost == "" {
		advertiseHost = "localhost"
	}

	return &DockerAdapter{cli: cli, host: advertiseHost}, nil
}

// Ping checks if the Docker daemon is reachable.
func (d *DockerAdapter) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewRuntimeError("Ping", "", fmt.Sprintf("failed to ping docker: %v", err), ErrConnectionFailed)
	}
	return nil
}

// Close closes the Docker client connection.
func (d *DockerAdapter) Close() error {
	return d.cli.Close()
}

// Capabilities reports the optional operations this adapter supports.
func (d *DockerAdapter) Capabilities() Capabilities {
	return Capabilities{Stats: true}
}

// =============================================================================
// Instance Operations
// =============================================================================

// CreateInstance pulls the image if needed, creates the container with port
// and resource bindings, starts it, and resolves the assigned host port.
func (d *DockerAdapter) CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))

	config := &container.Config{
		Image:        spec.Image,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	for k, v := range spec.Env {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", k, v))
	}

	hostConfig := &container.HostConfig{
		// Empty host port lets the engine pick a free one
		PortBindings: nat.PortMap{containerPort: []nat.PortBinding{{HostPort: ""}}},
	}
	if spec.CPUCores > 0 {
		hostConfig.NanoCPUs = int64(spec.CPUCores * 1e9)
	}
	if spec.MemoryMB > 0 {
		hostConfig.Memory = spec.MemoryMB * 1024 * 1024
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, classifyDockerError("CreateInstance", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best effort cleanup of the half-provisioned container
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, classifyDockerError("CreateInstance", resp.ID, err)
	}

	hostPort, err := d.resolveHostPort(ctx, resp.ID, containerPort)
	if err != nil {
		return nil, err
	}

	return &Instance{
		Ref:      resp.ID,
		HostPort: hostPort,
		URL:      fmt.Sprintf("http://%s:%d", d.host, hostPort),
	}, nil
}

// StopInstance stops a running instance.
func (d *DockerAdapter) StopInstance(ctx context.Context, ref string) error {
	if err := d.cli.ContainerStop(ctx, ref, container.StopOptions{}); err != nil {
		if strings.Contains(err.Error(), "is not running") {
			return nil
		}
		return classifyDockerError("StopInstance", ref, err)
	}
	return nil
}

// RestartInstance restarts an instance in place.
func (d *DockerAdapter) RestartInstance(ctx context.Context, ref string) error {
	if err := d.cli.ContainerRestart(ctx, ref, container.StopOptions{}); err != nil {
		return classifyDockerError("RestartInstance", ref, err)
	}
	return nil
}

// RemoveInstance force-removes an instance and its anonymous volumes.
func (d *DockerAdapter) RemoveInstance(ctx context.Context, ref string) error {
	opts := container.RemoveOptions{Force: true, RemoveVolumes: true}
	if err := d.cli.ContainerRemove(ctx, ref, opts); err != nil {
		return classifyDockerError("RemoveInstance", ref, err)
	}
	return nil
}

// =============================================================================
// Logs
// =============================================================================

// TailLogs streams raw log lines from an instance. The Docker multiplexed
// stream is demuxed into plain lines; the reader follows until the context is
// cancelled or the instance goes away.
func (d *DockerAdapter) TailLogs(ctx context.Context, ref string, since time.Time) (io.ReadCloser, error) {
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: true,
	}
	if !since.IsZero() {
		logOpts.Since = since.Format(time.RFC3339)
	}

	raw, err := d.cli.ContainerLogs(ctx, ref, logOpts)
	if err != nil {
		return nil, classifyDockerError("TailLogs", ref, err)
	}

	// Containers without a TTY multiplex stdout/stderr with frame headers;
	// strip them so consumers see plain text.
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(copyErr)
	}()

	return pr, nil
}

// =============================================================================
// Stats
// =============================================================================

// Stats takes a one-shot resource sample for an instance.
func (d *DockerAdapter) Stats(ctx context.Context, ref string) (*Sample, error) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, ref)
	if err != nil {
		return nil, classifyDockerError("Stats", ref, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, NewRuntimeError("Stats", ref, fmt.Sprintf("decode stats: %v", err), err)
	}

	sample := &Sample{
		CPUPercent:       cpuPercent(&stats),
		MemoryUsageBytes: int64(stats.MemoryStats.Usage),
		MemoryLimitBytes: int64(stats.MemoryStats.Limit),
	}

	for _, nw := range stats.Networks {
		sample.NetworkRxBytes += int64(nw.RxBytes)
		sample.NetworkTxBytes += int64(nw.TxBytes)
	}
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		sample.DiskUsageBytes += int64(entry.Value)
	}

	return sample, nil
}

// cpuPercent computes CPU usage from the delta between two readings,
// normalized the way `docker stats` does.
func cpuPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	online := float64(stats.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / systemDelta * online * 100.0
}

// =============================================================================
// Helpers
// =============================================================================

// ensureImage pulls the image when it is not available locally.
func (d *DockerAdapter) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "not found") ||
			strings.Contains(errStr, "manifest unknown") ||
			strings.Contains(errStr, "repository does not exist") ||
			strings.Contains(errStr, "pull access denied") {
			return NewRuntimeError("CreateInstance", "", fmt.Sprintf("image %s not found", imageName), ErrInvalidSpec)
		}
		return NewRuntimeError("CreateInstance", "", errStr, ErrTransient)
	}
	defer reader.Close()

	// Drain the reader to complete the pull
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewRuntimeError("CreateInstance", "", err.Error(), ErrTransient)
	}
	return nil
}

// resolveHostPort inspects the started container for the engine-assigned
// host port.
func (d *DockerAdapter) resolveHostPort(ctx context.Context, ref string, containerPort nat.Port) (int, error) {
	resp, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		return 0, classifyDockerError("CreateInstance", ref, err)
	}

	bindings := resp.NetworkSettings.Ports[containerPort]
	for _, binding := range bindings {
		var hostPort int
		fmt.Sscanf(binding.HostPort, "%d", &hostPort)
		if hostPort != 0 {
			return hostPort, nil
		}
	}
	return 0, NewRuntimeError("CreateInstance", ref, "no host port assigned", ErrTransient)
}

// classifyDockerError maps Docker SDK failures onto the adapter taxonomy so
// the controller can decide whether to retry.
func classifyDockerError(op, ref string, err error) error {
	switch {
	case client.IsErrNotFound(err):
		return NewRuntimeError(op, ref, "instance not found", ErrInstanceNotFound)
	case strings.Contains(err.Error(), "port is already allocated"),
		strings.Contains(err.Error(), "Conflict"),
		strings.Contains(err.Error(), "resource temporarily unavailable"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "i/o timeout"):
		return NewRuntimeError(op, ref, err.Error(), ErrTransient)
	case strings.Contains(err.Error(), "quota"):
		return NewRuntimeError(op, ref, err.Error(), ErrQuotaExceeded)
	case strings.Contains(err.Error(), "invalid"):
		return NewRuntimeError(op, ref, err.Error(), ErrInvalidSpec)
	default:
		return NewRuntimeError(op, ref, err.Error(), err)
	}
}
