package config

import "time"

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			GenericWorkers: 5,
			ToolWorkers:    10,
			MaxAttempts:    3,
			AcquireTimeout: Duration{30 * time.Second},
			Retention:      Duration{time.Hour},
			Retry: RetryConfig{
				InitialInterval: Duration{100 * time.Millisecond},
				MaxInterval:     Duration{10 * time.Second},
				Multiplier:      2.0,
				Jitter:          0.5,
			},
			Breaker: BreakerConfig{
				OpenTimeout:      Duration{30 * time.Second},
				HalfOpenRequests: 1,
			},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8787",
		},
		Database: DatabaseConfig{
			Path: ".lingyi/history.db",
		},
		Agents: AgentsConfig{
			ManifestDir: "agents",
			Limits:      map[string]int{},
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Timeout: Duration{5 * time.Minute},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
