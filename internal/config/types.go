package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as a string ("30s", "5m") in config files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// RetryConfig shapes the delay between attempts of a failed task.
type RetryConfig struct {
	InitialInterval Duration `toml:"initial_interval"` // "0s" retries immediately
	MaxInterval     Duration `toml:"max_interval"`
	Multiplier      float64  `toml:"multiplier"`
	Jitter          float64  `toml:"jitter"` // Randomization factor in [0, 1]
}

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `toml:"failure_threshold"` // 0 disables the breaker
	OpenTimeout      Duration `toml:"open_timeout"`
	HalfOpenRequests uint32   `toml:"half_open_requests"`
}

// SchedulerConfig sizes the worker pools and bounds task attempts.
type SchedulerConfig struct {
	GenericWorkers int           `toml:"generic_workers"`
	ToolWorkers    int           `toml:"tool_workers"`
	MaxAttempts    int           `toml:"max_attempts"`
	AcquireTimeout Duration      `toml:"acquire_timeout"`
	Retention      Duration      `toml:"retention"` // "0s" keeps finished tasks in memory
	Retry          RetryConfig   `toml:"retry"`
	Breaker        BreakerConfig `toml:"breaker"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// DatabaseConfig locates the task history database. An empty path disables history.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// AgentsConfig controls agent discovery.
type AgentsConfig struct {
	ManifestDir string         `toml:"manifest_dir"`
	Limits      map[string]int `toml:"limits"` // Per-agent concurrency overrides, keyed by agent id
}

// LLMConfig points the builtin llm agent at an OpenAI-compatible endpoint.
// Leaving Model empty disables the agent.
type LLMConfig struct {
	BaseURL      string   `toml:"base_url"`
	Model        string   `toml:"model"`
	APIKey       string   `toml:"api_key"`
	Timeout      Duration `toml:"timeout"`
	SystemPrompt string   `toml:"system_prompt"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Agents    AgentsConfig    `toml:"agents"`
	LLM       LLMConfig       `toml:"llm"`
	Logging   LoggingConfig   `toml:"logging"`
}
