// Package config provides configuration loading for taod.
//
// Configuration is loaded from a YAML file with environment variable
// overrides and sensible defaults. The package also loads the governance
// rules file consumed by the approval gate, with optional hot reload.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/taod/internal/approval"
	"github.com/fyrsmithlabs/taod/internal/engine"
)

// Config holds the complete taod configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Engine    engine.Config   `koanf:"engine"`
	Approval  ApprovalConfig  `koanf:"approval"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ApprovalConfig holds approval gate configuration plus the path of the
// governance rules file.
type ApprovalConfig struct {
	// DefaultTimeout is used when a request carries no explicit timeout.
	DefaultTimeout time.Duration `koanf:"default_timeout"`

	// RequestRetention is how long settled requests stay queryable.
	RequestRetention time.Duration `koanf:"request_retention"`

	// RulesFile points at the governance rules YAML file. Empty disables
	// file-based rules.
	RulesFile string `koanf:"rules_file"`
}

// GateConfig converts to the approval package's configuration.
func (a ApprovalConfig) GateConfig() approval.Config {
	return approval.Config{
		DefaultTimeout:   a.DefaultTimeout,
		RequestRetention: a.RequestRetention,
	}
}

// NATSConfig holds the connection settings for the presentation and audit
// channels.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ServiceName  string  `koanf:"service_name"`
	Endpoint     string  `koanf:"endpoint"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Engine.IterationCap <= 0 {
		return errors.New("engine.iteration_cap must be positive")
	}
	if c.Engine.MaxConcurrent < 0 {
		return errors.New("engine.max_concurrent cannot be negative")
	}
	if c.Approval.DefaultTimeout <= 0 {
		return errors.New("approval.default_timeout must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url required when nats is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint required when telemetry is enabled")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}
