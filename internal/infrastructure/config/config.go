package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all workerhost configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Launcher  LauncherConfig
	ExecHost  ExecHostConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        string   `envconfig:"PORT" default:"8000"`
	Host        string   `envconfig:"HOST" default:"0.0.0.0"`
	// Browser origins allowed to call the API; empty allows all
	CORSOrigins []string `envconfig:"CORS_ORIGINS"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting of control calls.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// LauncherConfig holds worker launch policy.
type LauncherConfig struct {
	Package             string        `envconfig:"WORKER_PACKAGE" default:"org.agentos.workers"`
	ManifestGlob        string        `envconfig:"WORKER_MANIFEST_GLOB"`
	MaxModerateBindings int           `envconfig:"WORKER_MAX_MODERATE_BINDINGS" default:"0"`
	SpareEnabled        bool          `envconfig:"WORKER_SPARE_ENABLED" default:"true"`
	SpareRewarmDelay    time.Duration `envconfig:"WORKER_SPARE_REWARM_DELAY" default:"2s"`
	BindExternal        bool          `envconfig:"WORKER_BIND_EXTERNAL" default:"false"`
	ShutdownTimeout     time.Duration `envconfig:"WORKER_SHUTDOWN_TIMEOUT" default:"10s"`
}

// ExecHostConfig holds how worker processes are spawned.
type ExecHostConfig struct {
	Command               []string      `envconfig:"WORKER_COMMAND"`
	MaxServices           int           `envconfig:"WORKER_MAX_SERVICES" default:"0"`
	OomAdjust             bool          `envconfig:"WORKER_OOM_ADJUST" default:"true"`
	SpawnFailureThreshold uint32        `envconfig:"WORKER_SPAWN_FAILURE_THRESHOLD" default:"5"`
	SpawnCooldown         time.Duration `envconfig:"WORKER_SPAWN_COOLDOWN" default:"30s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Launcher: LauncherConfig{
			Package:         "org.agentos.workers",
			SpareEnabled:     true,
			SpareRewarmDelay: 2 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		ExecHost: ExecHostConfig{
			OomAdjust:             true,
			SpawnFailureThreshold: 5,
			SpawnCooldown:         30 * time.Second,
		},
	}
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Launcher.Package == "" {
		errs = append(errs, errors.New("WORKER_PACKAGE must not be empty"))
	}
	if c.Launcher.MaxModerateBindings < 0 {
		errs = append(errs, errors.New("WORKER_MAX_MODERATE_BINDINGS must not be negative"))
	}
	if c.Launcher.SpareRewarmDelay < 0 {
		errs = append(errs, errors.New("WORKER_SPARE_REWARM_DELAY must not be negative"))
	}
	if c.ExecHost.MaxServices < 0 {
		errs = append(errs, errors.New("WORKER_MAX_SERVICES must not be negative"))
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must be positive when rate limiting is enabled"))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}
