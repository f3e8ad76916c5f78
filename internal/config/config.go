// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package config loads the orchestrator's own runtime configuration:
// concurrency cap, event bus transport, Worker RPC endpoint and
// timeouts, and telemetry bring-up. A typed struct, a Load(path) that
// reads and unmarshals YAML on top of the defaults, and a Validate().
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's complete runtime configuration.
type Config struct {
	MaxConcurrent int             `yaml:"max_concurrent"`
	NATS          NATSConfig      `yaml:"nats"`
	Worker        WorkerConfig    `yaml:"worker"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Sweep         SweepConfig     `yaml:"sweep"`
}

// SweepConfig configures the background worktree-cleanup sweep that
// the serve command runs alongside the orchestrator.
type SweepConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

// NATSConfig configures the Event Bus transport (C2).
type NATSConfig struct {
	// URL is the external NATS server to connect to. Ignored when
	// Embedded is true.
	URL string `yaml:"url"`
	// Embedded, when true, starts an in-process NATS server instead of
	// dialing URL. Suited to single-process deployments.
	Embedded bool `yaml:"embedded"`
}

// WorkerConfig configures the signed RPC client to the Execution
// Worker (C4/C6's collaborator). The three timeout fields are loaded
// but not applied: internal/runner and internal/reviewgate bound their
// Worker calls with their own RunAgentTimeout, MergeTimeout and
// CleanupTimeout constants, whose values match these defaults.
type WorkerConfig struct {
	URL             string        `yaml:"url"`
	SecretKey       string        `yaml:"secret_key"`
	RunAgentTimeout time.Duration `yaml:"run_agent_timeout"`
	MergeTimeout    time.Duration `yaml:"merge_timeout"`
	CleanupTimeout  time.Duration `yaml:"cleanup_timeout"`
}

// TelemetryConfig configures the OpenTelemetry tracer provider.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	CollectorURL string  `yaml:"collector_url"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// defaults: a 4-slot concurrency cap, embedded NATS, and the Worker
// RPC timeouts the runner and review gate assume.
func defaults() Config {
	return Config{
		MaxConcurrent: 4,
		NATS:          NATSConfig{Embedded: true},
		Worker: WorkerConfig{
			RunAgentTimeout: 10 * time.Minute,
			MergeTimeout:    60 * time.Second,
			CleanupTimeout:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "taskforge-orchestrator",
			SamplingRate: 1.0,
		},
		Sweep: SweepConfig{
			Interval:  24 * time.Hour,
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// Load reads and unmarshals the YAML configuration file at path on top
// of the package defaults. A missing file is not an error: the
// defaults alone are a valid configuration for local/embedded use.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for the preconditions the
// orchestrator's components require to start.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be >= 0")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if c.Worker.URL == "" {
		return fmt.Errorf("worker.url is required")
	}
	if c.Worker.SecretKey == "" {
		return fmt.Errorf("worker.secret_key is required")
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate must be between 0 and 1")
	}
	return nil
}
