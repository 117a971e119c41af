package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slipway-sh/slipway/internal/shell/api"
	"github.com/slipway-sh/slipway/internal/shell/controller"
	"github.com/slipway-sh/slipway/internal/shell/runtime"
	"github.com/slipway-sh/slipway/internal/shell/store"
	"github.com/slipway-sh/slipway/internal/shell/telemetry"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the Slipway application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	adapter    runtime.Adapter
	ctrl       *controller.Controller
	collector  *telemetry.Collector
	streamer   *telemetry.Streamer
	prober     *telemetry.Prober
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	st, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to the container engine
	adapter, err := runtime.NewDockerAdapter(cfg.Docker.Host, cfg.Docker.AdvertiseHost)
	if err != nil {
		st.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Verify engine connection
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.Ping(pingCtx); err != nil {
		st.Close()
		adapter.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Observer plane
	collector := telemetry.NewCollector(adapter, logger, cfg.Telemetry.MetricsInterval, cfg.Telemetry.MetricsCapacity)
	streamer := telemetry.NewStreamer(adapter, logger, cfg.Telemetry.LogBacklog)
	prober := telemetry.NewProber(logger, cfg.Telemetry.ProbeInterval, cfg.Telemetry.ProbeThreshold)

	// Lifecycle controller
	ctrl := controller.New(st, adapter, collector, streamer, prober, logger, controller.Config{
		MaxRetries:       cfg.Controller.MaxRetries,
		RetryBaseDelay:   cfg.Controller.RetryBaseDelay,
		ReadinessTimeout: cfg.Controller.ReadinessTimeout,
		ReadinessPoll:    cfg.Controller.ReadinessPoll,
		ImagePrefix:      cfg.Controller.ImagePrefix,
	})

	handler, err := api.NewHandler(ctrl, st, collector, streamer, prober, adapter, logger, cfg.Auth.APIToken)
	if err != nil {
		st.Close()
		adapter.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      st,
		adapter:    adapter,
		ctrl:       ctrl,
		collector:  collector,
		streamer:   streamer,
		prober:     prober,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Reattach telemetry to deployments that were running before the last
	// shutdown; their instances kept serving without us.
	if err := s.ctrl.Reconcile(ctx); err != nil {
		s.logger.Error("telemetry reconciliation failed", "error", err)
	}

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		s.logger.Error("HTTP server error", "error", err)
		s.shutdown()
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.shutdown()
}

// shutdown drains the HTTP server, then stops the telemetry loops and
// closes the store and engine connections. Running instances are left
// untouched; Reconcile reattaches their loops on the next start.
func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown failed", "error", err)
	}

	s.collector.Close()
	s.streamer.Close()
	s.prober.Close()

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err)
	}
	if err := s.adapter.Close(); err != nil {
		s.logger.Error("engine close failed", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError carries an exit code alongside the failure.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
