package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./data/slipway.db", cfg.Database.DSN)
	assert.Equal(t, "localhost", cfg.Docker.AdvertiseHost)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Auth.APIToken)
	assert.Equal(t, 3, cfg.Controller.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Controller.RetryBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Controller.ReadinessTimeout)
	assert.Equal(t, time.Second, cfg.Controller.ReadinessPoll)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.MetricsInterval)
	assert.Equal(t, 360, cfg.Telemetry.MetricsCapacity)
	assert.Equal(t, 1000, cfg.Telemetry.LogBacklog)
	assert.Equal(t, 15*time.Second, cfg.Telemetry.ProbeInterval)
	assert.Equal(t, 3, cfg.Telemetry.ProbeThreshold)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  read_timeout: 60s
  write_timeout: 60s
  shutdown_timeout: 15s

database:
  dsn: "/tmp/test.db"

docker:
  advertise_host: "apps.example.com"

log:
  level: "debug"
  format: "text"

controller:
  max_retries: 5
  image_prefix: "registry.example.com/apps"

telemetry:
  metrics_interval: 5s
  probe_threshold: 2
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "apps.example.com", cfg.Docker.AdvertiseHost)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Controller.MaxRetries)
	assert.Equal(t, "registry.example.com/apps", cfg.Controller.ImagePrefix)
	assert.Equal(t, 5*time.Second, cfg.Telemetry.MetricsInterval)
	assert.Equal(t, 2, cfg.Telemetry.ProbeThreshold)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("SLIPWAY_SERVER_HOST", "192.168.1.1")
	t.Setenv("SLIPWAY_SERVER_PORT", "3000")
	t.Setenv("SLIPWAY_DATABASE_DSN", "/custom/path.db")
	t.Setenv("SLIPWAY_AUTH_API_TOKEN", "s3cret")
	t.Setenv("SLIPWAY_LOG_LEVEL", "warn")
	t.Setenv("SLIPWAY_CONTROLLER_READINESS_TIMEOUT", "45s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "s3cret", cfg.Auth.APIToken)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.Controller.ReadinessTimeout)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err) // Should not error, just use defaults

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_JSONFormat(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}

	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

func TestSetupLogger_TextFormat(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}

	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

func TestSetupLogger_InvalidLevel(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "invalid",
			Format: "json",
		},
	}

	// Should fall back to info level, not panic
	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

func TestSetupLogger_DebugLevel(t *testing.T) {
	cfg := &Config{
		Log: LogConfig{
			Level:  "debug",
			Format: "json",
		},
	}

	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"SLIPWAY_SERVER_HOST",
		"SLIPWAY_SERVER_PORT",
		"SLIPWAY_DATABASE_DSN",
		"SLIPWAY_AUTH_API_TOKEN",
		"SLIPWAY_LOG_LEVEL",
		"SLIPWAY_LOG_FORMAT",
		"SLIPWAY_CONTROLLER_READINESS_TIMEOUT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
