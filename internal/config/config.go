// Package config loads and validates the daemon's configuration file: YAML
// (or JSON5) with $include directives, environment-variable expansion, and
// strict unknown-field rejection. The schema here is narrowed to the
// fields this core actually reads — wake/turn mode, coalescing, retry and
// timeout tunables, cron timezone, and the DAG runner's step budget.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration document.
type Config struct {
	Version      int                `yaml:"version"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Wake         WakeConfig         `yaml:"wake"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Cron         CronConfig         `yaml:"cron"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Dag          DagConfig          `yaml:"dag"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ControlPlaneConfig configures the operator-facing control-plane surface.
type ControlPlaneConfig struct {
	Operator OperatorConfig `yaml:"operator"`
}

// OperatorConfig holds the single operator tunable this core reads
// directly: whether C3 wakes notify only (passive) or drive an
// autonomous turn (active).
type OperatorConfig struct {
	// WakeTurnMode is "passive" or "active". Empty means passive.
	WakeTurnMode string `yaml:"wake_turn_mode"`
}

// WakeConfig holds C2's wake-orchestrator tunables.
type WakeConfig struct {
	// CoalesceWindowMs is the minimum spacing between two wakes sharing a
	// coalesce key. Zero means the orchestrator's built-in default.
	CoalesceWindowMs int64 `yaml:"coalesce_window_ms"`
}

// HeartbeatConfig holds C4/C8 heartbeat tunables.
type HeartbeatConfig struct {
	// MinIntervalMs floors how often any heartbeat program may fire.
	MinIntervalMs int64 `yaml:"min_interval_ms"`
	// AutoRunHeartbeatEveryMs is the interval C8 uses when it auto-registers
	// a keep-alive heartbeat for an API-sourced run. Zero means the DAG
	// runner's built-in default.
	AutoRunHeartbeatEveryMs int64 `yaml:"auto_run_heartbeat_every_ms"`
}

// CronConfig holds C4's scheduling defaults.
type CronConfig struct {
	// DefaultTimezone is used when a schedule omits its own timezone.
	DefaultTimezone string `yaml:"default_timezone"`
}

// OutboxConfig holds C7's delivery tunables.
type OutboxConfig struct {
	AttemptTimeoutMs int64 `yaml:"attempt_timeout_ms"`
	BackoffBaseMs    int64 `yaml:"backoff_base_ms"`
	BackoffMaxMs     int64 `yaml:"backoff_max_ms"`
	MaxAttempts      int   `yaml:"max_attempts"`
}

// DagConfig holds C8's run tunables.
type DagConfig struct {
	MaxSteps                int `yaml:"max_steps"`
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
}

// LoggingConfig configures the ambient structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, merges $include directives, expands environment variables,
// decodes (rejecting unknown fields), applies defaults, and validates a
// configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save validates and writes cfg back to path as YAML. It is used by the
// PATCH surface of GET/POST /api/config, which only ever rewrites
// control_plane.operator.wake_turn_mode, never the $include directives or
// env-var placeholders a hand-edited file may still contain.
func Save(path string, cfg *Config) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

const (
	defaultCoalesceWindowMs        = 60_000
	defaultAutoRunHeartbeatEveryMs = 5 * 60 * 1000
	defaultMinIntervalMs           = 1_000
	defaultTimezone                = "UTC"
	defaultAttemptTimeoutMs        = 10_000
	defaultBackoffBaseMs           = 500
	defaultBackoffMaxMs            = 60_000
	defaultMaxAttempts             = 6
	defaultMaxSteps                = 20
	defaultCircuitBreakerThreshold = 3
	defaultLogLevel                = "info"
	defaultLogFormat               = "json"
)

func applyDefaults(cfg *Config) {
	if cfg.ControlPlane.Operator.WakeTurnMode == "" {
		cfg.ControlPlane.Operator.WakeTurnMode = "passive"
	}
	if cfg.Wake.CoalesceWindowMs <= 0 {
		cfg.Wake.CoalesceWindowMs = defaultCoalesceWindowMs
	}
	if cfg.Heartbeat.MinIntervalMs <= 0 {
		cfg.Heartbeat.MinIntervalMs = defaultMinIntervalMs
	}
	if cfg.Heartbeat.AutoRunHeartbeatEveryMs <= 0 {
		cfg.Heartbeat.AutoRunHeartbeatEveryMs = defaultAutoRunHeartbeatEveryMs
	}
	if cfg.Cron.DefaultTimezone == "" {
		cfg.Cron.DefaultTimezone = defaultTimezone
	}
	if cfg.Outbox.AttemptTimeoutMs <= 0 {
		cfg.Outbox.AttemptTimeoutMs = defaultAttemptTimeoutMs
	}
	if cfg.Outbox.BackoffBaseMs <= 0 {
		cfg.Outbox.BackoffBaseMs = defaultBackoffBaseMs
	}
	if cfg.Outbox.BackoffMaxMs <= 0 {
		cfg.Outbox.BackoffMaxMs = defaultBackoffMaxMs
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		cfg.Outbox.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Dag.MaxSteps <= 0 {
		cfg.Dag.MaxSteps = defaultMaxSteps
	}
	if cfg.Dag.CircuitBreakerThreshold <= 0 {
		cfg.Dag.CircuitBreakerThreshold = defaultCircuitBreakerThreshold
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogFormat
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.ControlPlane.Operator.WakeTurnMode {
	case "passive", "active":
	default:
		return fmt.Errorf("control_plane.operator.wake_turn_mode must be \"passive\" or \"active\", got %q", cfg.ControlPlane.Operator.WakeTurnMode)
	}
	if cfg.Outbox.BackoffMaxMs < cfg.Outbox.BackoffBaseMs {
		return fmt.Errorf("outbox.backoff_max_ms (%d) must be >= outbox.backoff_base_ms (%d)", cfg.Outbox.BackoffMaxMs, cfg.Outbox.BackoffBaseMs)
	}
	return nil
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}
