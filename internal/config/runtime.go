package config

import (
	"io"
	"log/slog"
	"strings"

	"github.com/Starsky227/LingYiProject/internal/backend"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// SchedulerConfig maps the [scheduler] section onto a scheduler.Config. Logger,
// bus and handlers are left for the caller.
func (c *Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		GenericWorkers: s.GenericWorkers,
		ToolWorkers:    s.ToolWorkers,
		MaxAttempts:    s.MaxAttempts,
		AcquireTimeout: s.AcquireTimeout.Duration,
		Retention:      s.Retention.Duration,
		Retry: scheduler.RetryConfig{
			InitialInterval:     s.Retry.InitialInterval.Duration,
			MaxInterval:         s.Retry.MaxInterval.Duration,
			Multiplier:          s.Retry.Multiplier,
			RandomizationFactor: s.Retry.Jitter,
		},
		Breaker: scheduler.BreakerConfig{
			FailureThreshold: s.Breaker.FailureThreshold,
			OpenTimeout:      s.Breaker.OpenTimeout.Duration,
			HalfOpenRequests: s.Breaker.HalfOpenRequests,
		},
	}
}

// BackendConfig maps the [llm] section onto the llm agent's settings.
func (c LLMConfig) BackendConfig() backend.LLMConfig {
	return backend.LLMConfig{
		BaseURL:      c.BaseURL,
		Model:        c.Model,
		APIKey:       c.APIKey,
		SystemPrompt: c.SystemPrompt,
	}
}

// NewLogger builds the process logger described by the [logging] section.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.level()}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c LoggingConfig) level() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
