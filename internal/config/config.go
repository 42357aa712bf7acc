// Package config provides configuration loading for gateflow.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Checkpoint    CheckpointConfig    `koanf:"checkpoint"`
	Dispatch      DispatchConfig      `koanf:"dispatch"`
	Evaluate      EvaluateConfig      `koanf:"evaluate"`
}

// ServerConfig holds the operator HTTP surface configuration.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level       string `koanf:"level"`
	Format      string `koanf:"format"`
	Development bool   `koanf:"development"`
}

// ObservabilityConfig holds OpenTelemetry export configuration.
type ObservabilityConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Insecure       bool     `koanf:"insecure"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// OrchestratorConfig bounds the phase retry loop.
type OrchestratorConfig struct {
	MaxAttempts int `koanf:"max_attempts"`
}

// CheckpointConfig holds checkpoint store configuration.
type CheckpointConfig struct {
	Dir        string `koanf:"dir"`
	MaxHistory int    `koanf:"max_history"`
}

// DispatchConfig bounds role fan-out.
type DispatchConfig struct {
	RoleTimeout Duration `koanf:"role_timeout"`
	MaxParallel int      `koanf:"max_parallel"`
}

// EvaluateConfig bounds evaluator execution.
type EvaluateConfig struct {
	Timeout           Duration `koanf:"timeout"`
	JudgmentRateLimit float64  `koanf:"judgment_rate_limit"`
	JudgmentBurst     int      `koanf:"judgment_burst"`
}

// Default returns the hardcoded defaults applied before file and env loading.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8750,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceName:    "gateflow",
			ServiceVersion: "0.1.0",
			Insecure:       true,
			SamplingRate:   1.0,
			MetricsEnabled: true,
			ExportInterval: Duration(15 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts: 3,
		},
		Checkpoint: CheckpointConfig{
			MaxHistory: 20,
		},
		Dispatch: DispatchConfig{
			RoleTimeout: Duration(5 * time.Minute),
			MaxParallel: 8,
		},
		Evaluate: EvaluateConfig{
			Timeout:           Duration(30 * time.Second),
			JudgmentRateLimit: 1,
			JudgmentBurst:     2,
		},
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1, got %d", c.Orchestrator.MaxAttempts)
	}
	if c.Checkpoint.MaxHistory < 1 {
		return fmt.Errorf("checkpoint.max_history must be at least 1, got %d", c.Checkpoint.MaxHistory)
	}
	if c.Dispatch.MaxParallel < 1 {
		return fmt.Errorf("dispatch.max_parallel must be at least 1, got %d", c.Dispatch.MaxParallel)
	}
	if c.Dispatch.RoleTimeout.Duration() <= 0 {
		return fmt.Errorf("dispatch.role_timeout must be positive")
	}
	if c.Evaluate.Timeout.Duration() <= 0 {
		return fmt.Errorf("evaluate.timeout must be positive")
	}
	if c.Evaluate.JudgmentRateLimit <= 0 {
		return fmt.Errorf("evaluate.judgment_rate_limit must be positive")
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("observability.sampling_rate must be between 0 and 1, got %f", c.Observability.SamplingRate)
	}
	if c.Observability.Enabled && c.Observability.Endpoint == "" {
		return fmt.Errorf("observability.endpoint is required when observability is enabled")
	}
	return nil
}
