package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so it can be written as "90s" or "2h" in
// both JSON and TOML files.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration.
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// ProviderConfig holds circuit breaker settings for one external service.
// Zero values fall back to the breaker defaults.
type ProviderConfig struct {
	FailureThreshold int      `json:"failure_threshold,omitempty" toml:"failure_threshold" validate:"gte=0"`
	SuccessThreshold int      `json:"success_threshold,omitempty" toml:"success_threshold" validate:"gte=0"`
	Timeout          Duration `json:"timeout,omitempty" toml:"timeout"`
}

// AgentConfig binds an agent role to the provider it calls.
type AgentConfig struct {
	Provider string   `json:"provider" toml:"provider" validate:"required"` // Key into Providers map
	Timeout  Duration `json:"timeout,omitempty" toml:"timeout"`             // Stuck-task threshold override
	Endpoint string   `json:"endpoint,omitempty" toml:"endpoint" validate:"omitempty,url"`
}

// WorkflowStepConfig defines one step of a request template.
type WorkflowStepConfig struct {
	Name              string   `json:"name" toml:"name" validate:"required"`
	Agent             string   `json:"agent" toml:"agent" validate:"required"` // Key into Agents map
	Description       string   `json:"description,omitempty" toml:"description"`
	DependsOn         []string `json:"depends_on,omitempty" toml:"depends_on"` // Agent roles of earlier steps
	NoRetry           bool     `json:"no_retry,omitempty" toml:"no_retry"`
	EstimatedDuration Duration `json:"estimated_duration,omitempty" toml:"estimated_duration"`
}

// WorkflowConfig defines the task graph created for one request type.
type WorkflowConfig struct {
	Steps []WorkflowStepConfig `json:"steps" toml:"steps" validate:"required,min=1,dive"`
}

// RetryConfig configures exponential backoff between dispatch attempts.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval" toml:"initial_interval"`
	MaxInterval         Duration `json:"max_interval" toml:"max_interval"`
	Multiplier          float64  `json:"multiplier" toml:"multiplier" validate:"gte=1"`
	RandomizationFactor float64  `json:"randomization_factor" toml:"randomization_factor" validate:"gte=0,lte=1"`
}

// RuntimeConfig holds process-level settings.
type RuntimeConfig struct {
	Concurrency    int         `json:"concurrency" toml:"concurrency" validate:"gte=1"`
	MaxRetries     int         `json:"max_retries" toml:"max_retries" validate:"gte=1"`
	Retry          RetryConfig `json:"retry" toml:"retry"`
	SweepSchedule  string      `json:"sweep_schedule" toml:"sweep_schedule" validate:"required"`
	StuckThreshold Duration    `json:"stuck_threshold" toml:"stuck_threshold"`
	DBPath         string      `json:"db_path" toml:"db_path" validate:"required"`
	ListenAddr     string      `json:"listen_addr" toml:"listen_addr" validate:"required"`
	LogLevel       string      `json:"log_level" toml:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	LogFormat      string      `json:"log_format" toml:"log_format" validate:"omitempty,oneof=json text"`
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Providers map[string]ProviderConfig `json:"providers" toml:"providers" validate:"dive"`
	Agents    map[string]AgentConfig    `json:"agents" toml:"agents" validate:"dive"`
	Workflows map[string]WorkflowConfig `json:"workflows" toml:"workflows" validate:"dive"`
	Runtime   RuntimeConfig             `json:"runtime" toml:"runtime"`
}
