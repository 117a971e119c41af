package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Controller ControllerConfig `mapstructure:"controller"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds container engine configuration.
type DockerConfig struct {
	// Host is the engine endpoint; empty uses the environment defaults.
	Host string `mapstructure:"host"`
	// AdvertiseHost is the hostname written into deployment URLs.
	AdvertiseHost string `mapstructure:"advertise_host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// APIToken is the bearer token required on /api/v1. Empty disables
	// authentication; set it via SLIPWAY_AUTH_API_TOKEN in production.
	APIToken string `mapstructure:"api_token"`
}

// ControllerConfig holds lifecycle controller tuning.
type ControllerConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	ReadinessPoll    time.Duration `mapstructure:"readiness_poll"`
	ImagePrefix      string        `mapstructure:"image_prefix"`
}

// TelemetryConfig holds the observer-plane tuning.
type TelemetryConfig struct {
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	MetricsCapacity int           `mapstructure:"metrics_capacity"`
	LogBacklog      int           `mapstructure:"log_backlog"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	ProbeThreshold  int           `mapstructure:"probe_threshold"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/slipway.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.advertise_host", "localhost")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.api_token", "")
	v.SetDefault("controller.max_retries", 3)
	v.SetDefault("controller.retry_base_delay", "500ms")
	v.SetDefault("controller.readiness_timeout", "30s")
	v.SetDefault("controller.readiness_poll", "1s")
	v.SetDefault("controller.image_prefix", "")
	v.SetDefault("telemetry.metrics_interval", "10s")
	v.SetDefault("telemetry.metrics_capacity", 360)
	v.SetDefault("telemetry.log_backlog", 1000)
	v.SetDefault("telemetry.probe_interval", "15s")
	v.SetDefault("telemetry.probe_threshold", 3)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SLIPWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
