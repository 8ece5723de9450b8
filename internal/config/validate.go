package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks ranges and enumerations. It reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Scheduler
	check(s.GenericWorkers >= 0, "scheduler.generic_workers must not be negative")
	check(s.ToolWorkers >= 0, "scheduler.tool_workers must not be negative")
	check(s.MaxAttempts >= 0, "scheduler.max_attempts must not be negative")
	check(s.AcquireTimeout.Duration >= 0, "scheduler.acquire_timeout must not be negative")
	check(s.Retention.Duration >= 0, "scheduler.retention must not be negative")
	check(s.Retry.InitialInterval.Duration >= 0, "scheduler.retry.initial_interval must not be negative")
	check(s.Retry.MaxInterval.Duration >= 0, "scheduler.retry.max_interval must not be negative")
	check(s.Retry.Multiplier == 0 || s.Retry.Multiplier >= 1, "scheduler.retry.multiplier must be at least 1")
	check(s.Retry.Jitter >= 0 && s.Retry.Jitter <= 1, "scheduler.retry.jitter must be between 0 and 1")
	check(s.Breaker.FailureThreshold >= 0, "scheduler.breaker.failure_threshold must not be negative")
	check(s.Breaker.OpenTimeout.Duration >= 0, "scheduler.breaker.open_timeout must not be negative")

	for id, limit := range c.Agents.Limits {
		check(limit >= 0, "agents.limits.%s must not be negative", id)
	}
	check(c.LLM.Model == "" || c.LLM.BaseURL != "", "llm.base_url is required when llm.model is set")

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		check(false, "logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		check(false, "logging.format %q is not text or json", c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
