package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryConfig_ZeroIntervalIsImmediate(t *testing.T) {
	b := RetryConfig{}.newBackOff()
	for i := 0; i < 5; i++ {
		assert.Equal(t, time.Duration(0), b.NextBackOff())
	}
}

func TestRetryConfig_ExponentialGrowthCapped(t *testing.T) {
	b := RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     40 * time.Millisecond,
		Multiplier:      2,
	}.newBackOff()

	var got []time.Duration
	for i := 0; i < 5; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, got)
}

func TestRetryConfig_NeverStopsOnElapsedTime(t *testing.T) {
	b := DefaultRetryConfig().newBackOff()
	eb, ok := b.(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Zero(t, eb.MaxElapsedTime)
}

func TestBreakerRegistry_Disabled(t *testing.T) {
	r := newBreakerRegistry(BreakerConfig{}, quietLogger())
	assert.Nil(t, r.get("agent", 1))
	assert.Equal(t, gobreaker.StateClosed, r.state("agent"))
}

func TestBreakerRegistry_PerAgent(t *testing.T) {
	r := newBreakerRegistry(DefaultBreakerConfig(), quietLogger())
	a := r.get("a", 1)
	require.NotNil(t, a)
	assert.Same(t, a, r.get("a", 1))
	assert.NotSame(t, a, r.get("b", 1))
}

func TestBreakerRegistry_NewGenerationStartsClosed(t *testing.T) {
	r := newBreakerRegistry(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour}, quietLogger())
	old := r.get("agent", 1)
	_, _ = old.Execute(func() (any, error) { return nil, errors.New("down") })
	require.Equal(t, gobreaker.StateOpen, r.state("agent"))

	fresh := r.get("agent", 2)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, gobreaker.StateClosed, r.state("agent"))

	// A worker still holding the older descriptor keeps the current breaker.
	assert.Same(t, fresh, r.get("agent", 1))
}

func TestBreakerRegistry_TripsAfterConsecutiveFailures(t *testing.T) {
	r := newBreakerRegistry(BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Hour}, quietLogger())
	cb := r.get("flaky", 1)
	fail := func() (any, error) { return nil, errors.New("down") }

	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(fail)
	}
	assert.Equal(t, gobreaker.StateClosed, r.state("flaky"))

	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, r.state("flaky"))

	_, err := cb.Execute(func() (any, error) { return "ok", nil })
	assert.True(t, isBreakerRejection(err))
}

func TestBreakerRegistry_CancellationIsNotAFailure(t *testing.T) {
	r := newBreakerRegistry(BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour}, quietLogger())
	cb := r.get("agent", 1)

	for _, err := range []error{context.Canceled, context.DeadlineExceeded, ErrCancelled} {
		_, _ = cb.Execute(func() (any, error) { return nil, err })
	}
	assert.Equal(t, gobreaker.StateClosed, r.state("agent"))
}
