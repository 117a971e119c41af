package telemetry

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/slipway-sh/slipway/internal/shell/runtime"
)

// fakeAdapter is an in-memory runtime.Adapter for telemetry tests.
type fakeAdapter struct {
	mu         sync.Mutex
	statsOK    bool
	sample     runtime.Sample
	statsErr   error
	logPayload string
	logCalls   int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		statsOK: true,
		sample: runtime.Sample{
			CPUPercent:       12.5,
			MemoryUsageBytes: 64 << 20,
			MemoryLimitBytes: 256 << 20,
		},
	}
}

func (f *fakeAdapter) CreateInstance(ctx context.Context, spec runtime.InstanceSpec) (*runtime.Instance, error) {
	return &runtime.Instance{Ref: "fake", HostPort: 32768, URL: "http://localhost:32768"}, nil
}

func (f *fakeAdapter) StopInstance(ctx context.Context, ref string) error    { return nil }
func (f *fakeAdapter) RestartInstance(ctx context.Context, ref string) error { return nil }
func (f *fakeAdapter) RemoveInstance(ctx context.Context, ref string) error  { return nil }

func (f *fakeAdapter) TailLogs(ctx context.Context, ref string, since time.Time) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++
	if f.logCalls > 1 {
		// Later attachments block until cancelled so events are not
		// duplicated into the backlog.
		return blockingReader{ctx: ctx}, nil
	}
	return io.NopCloser(strings.NewReader(f.logPayload)), nil
}

func (f *fakeAdapter) Stats(ctx context.Context, ref string) (*runtime.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	f.sample.NetworkRxBytes += 100
	s := f.sample
	return &s, nil
}

func (f *fakeAdapter) Capabilities() runtime.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return runtime.Capabilities{Stats: f.statsOK}
}

func (f *fakeAdapter) Ping(ctx context.Context) error { return nil }
func (f *fakeAdapter) Close() error                   { return nil }

// blockingReader blocks until its context is cancelled.
type blockingReader struct {
	ctx context.Context
}

func (b blockingReader) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, io.EOF
}

func (b blockingReader) Close() error { return nil }
