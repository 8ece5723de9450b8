package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures the delay before a failed attempt is queued again.
// A zero InitialInterval re-queues immediately.
type RetryConfig struct {
	InitialInterval     time.Duration // First retry delay
	MaxInterval         time.Duration // Cap on a single delay
	Multiplier          float64       // Growth factor between delays (default 2.0)
	RandomizationFactor float64       // Jitter factor
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackOff builds a per-task delay sequence. Attempts, not elapsed time, bound
// retries, so MaxElapsedTime is disabled.
func (c RetryConfig) newBackOff() backoff.BackOff {
	if c.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = c.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures that open the breaker; 0 disables breaking
	OpenTimeout      time.Duration // How long the breaker stays open before probing
	HalfOpenRequests uint32        // Probe calls allowed while half-open
}

// DefaultBreakerConfig returns suggested breaker settings. Config leaves the
// breaker off; callers opt in by setting Breaker.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// breakerRegistry manages one circuit breaker per agent.
type breakerRegistry struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]agentBreaker
}

type agentBreaker struct {
	cb         *gobreaker.CircuitBreaker
	generation uint64
}

func newBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *breakerRegistry {
	return &breakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]agentBreaker),
	}
}

// get returns the breaker for one registration of agentID, or nil when breaking
// is disabled. A newer generation starts from a closed breaker.
func (r *breakerRegistry) get(agentID string, generation uint64) *gobreaker.CircuitBreaker {
	if r.cfg.FailureThreshold <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[agentID]; ok && b.generation >= generation {
		return b.cb
	}

	threshold := uint32(r.cfg.FailureThreshold)
	halfOpen := r.cfg.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: halfOpen,
		Interval:    0, // counts are only cleared by state changes
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "agent_id", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about agent health.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCancelled)
		},
	})
	r.breakers[agentID] = agentBreaker{cb: cb, generation: generation}
	return cb
}

// state reports the breaker state for agentID, or closed when none exists.
func (r *breakerRegistry) state(agentID string) gobreaker.State {
	r.mu.Lock()
	b, ok := r.breakers[agentID]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return b.cb.State()
}

// isBreakerRejection reports whether err came from a breaker refusing the call.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
