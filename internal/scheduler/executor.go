package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/Starsky227/LingYiProject/internal/agent"
	"github.com/Starsky227/LingYiProject/internal/backend"
	"github.com/Starsky227/LingYiProject/internal/events"
)

// execute is the worker handler: it runs one attempt of t and settles the outcome.
func (s *Scheduler) execute(ctx context.Context, t *Task) {
	s.mu.Lock()
	rec, ok := s.tasks[t.ID]
	if !ok || rec.task.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	if rec.cancelRequested {
		// Cancelled between pop and dispatch.
		notify := s.finishLocked(rec, StatusCancelled, nil, ErrCancelled)
		s.mu.Unlock()
		notify()
		return
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	rec.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	var (
		lease *agent.Lease
		cb    *gobreaker.CircuitBreaker
		err   error
	)
	if t.Kind == KindToolCall {
		lease, cb, err = s.acquire(attemptCtx, t.TargetAgent)
		if err != nil && (errors.Is(err, ErrAgentUnavailable) || attemptCtx.Err() != nil) {
			s.abort(rec, err)
			return
		}
	}

	s.mu.Lock()
	if rec.cancelRequested {
		rec.cancel = nil
		notify := s.finishLocked(rec, StatusCancelled, nil, ErrCancelled)
		s.mu.Unlock()
		if lease != nil {
			lease.Release()
		}
		notify()
		return
	}
	rec.task.AttemptCount++
	rec.task.Status = StatusRunning
	if rec.task.StartedAt.IsZero() {
		rec.task.StartedAt = time.Now()
	}
	snap := rec.task.snapshot()
	s.mu.Unlock()

	s.logger.Debug("task started", "task_id", snap.ID, "name", snap.Name, "attempt", snap.AttemptCount)
	s.bus.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:        snap.ID,
		Name:      snap.Name,
		Kind:      snap.Kind.String(),
		Agent:     snap.TargetAgent,
		Attempt:   snap.AttemptCount,
		Timestamp: time.Now(),
	})

	var result any
	if err == nil {
		run := &Run{ctx: attemptCtx, task: snap, emit: rec.sink, bus: s.bus}
		if lease != nil {
			run.session = lease.Session()
		}
		result, err = s.runBody(attemptCtx, rec.fn, run, cb)
	}
	s.settle(rec, lease, result, err)
}

// acquire checks the agent's breaker and leases a session within AcquireTimeout.
// Errors wrapping ErrAgentUnavailable are final. Other errors, such as an open
// breaker or a session that failed to open, count as a failed attempt.
func (s *Scheduler) acquire(ctx context.Context, agentID string) (*agent.Lease, *gobreaker.CircuitBreaker, error) {
	d, err := s.registry.Lookup(agentID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}

	cb := s.breakers.get(agentID, d.Generation())
	if cb != nil && cb.State() == gobreaker.StateOpen {
		return nil, nil, fmt.Errorf("agent %s: %w", agentID, gobreaker.ErrOpenState)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()

	lease, err := s.sessions.Acquire(acquireCtx, d)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if errors.Is(err, agent.ErrSaturated) {
			return nil, nil, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
		}
		return nil, cb, err
	}
	return lease, cb, nil
}

// runBody runs fn, through the agent's breaker when there is one. Panics and
// breaker rejections become ordinary, retryable errors.
func (s *Scheduler) runBody(ctx context.Context, fn TaskFunc, run *Run, cb *gobreaker.CircuitBreaker) (any, error) {
	call := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return fn(ctx, run)
	}
	if cb == nil {
		return call()
	}

	result, err := cb.Execute(call)
	if isBreakerRejection(err) {
		return nil, fmt.Errorf("agent %s: %w", run.task.TargetAgent, err)
	}
	return result, err
}

// abort finishes a task whose attempt never started.
func (s *Scheduler) abort(rec *record, cause error) {
	s.mu.Lock()
	rec.cancel = nil
	var notify func()
	switch {
	case rec.cancelRequested:
		notify = s.finishLocked(rec, StatusCancelled, nil, ErrCancelled)
	case s.closed || s.baseCtx.Err() != nil:
		notify = s.finishLocked(rec, StatusCancelled, nil, errShutdown)
	default:
		notify = s.finishLocked(rec, StatusFailed, nil, cause)
	}
	s.mu.Unlock()
	notify()
}

// settle records the outcome of an attempt: completion, retry or terminal failure.
// A cancel request always wins over the outcome.
func (s *Scheduler) settle(rec *record, lease *agent.Lease, result any, err error) {
	handoff := err != nil && backend.IsHandoff(err)
	if lease != nil {
		if handoff {
			lease.Discard()
		} else {
			lease.Release()
		}
	}

	s.mu.Lock()
	rec.cancel = nil
	t := rec.task

	var (
		notify  func()
		retried bool
		delay   time.Duration
	)
	switch {
	case rec.cancelRequested:
		notify = s.finishLocked(rec, StatusCancelled, nil, ErrCancelled)
	case err == nil:
		notify = s.finishLocked(rec, StatusCompleted, result, nil)
	case handoff:
		notify = s.finishLocked(rec, StatusFailed, nil, fmt.Errorf("%w: %w", ErrHandoffRejected, err))
	case errors.Is(err, ErrAgentUnavailable):
		notify = s.finishLocked(rec, StatusFailed, nil, err)
	case t.AttemptCount >= t.MaxAttempts:
		notify = s.finishLocked(rec, StatusFailed, nil, fmt.Errorf("%w: %w", ErrRetryExhausted, err))
	case s.closed:
		notify = s.finishLocked(rec, StatusCancelled, nil, errShutdown)
	default:
		delay = rec.backoff.NextBackOff()
		if delay == backoff.Stop {
			notify = s.finishLocked(rec, StatusFailed, nil, fmt.Errorf("%w: %w", ErrRetryExhausted, err))
			break
		}
		t.Status = StatusPending
		t.Error = err
		retried = true
		if delay <= 0 {
			if !s.queues[t.Kind].Push(t) {
				notify = s.finishLocked(rec, StatusCancelled, nil, errShutdown)
				retried = false
			}
		} else {
			rec.retryTimer = time.AfterFunc(delay, func() { s.requeue(rec) })
		}
	}
	attempt := t.AttemptCount
	if retried {
		s.bus.Publish(events.TopicTask, events.TaskRetryingEvent{
			ID:        t.ID,
			Attempt:   attempt,
			Delay:     delay,
			Err:       err,
			Timestamp: time.Now(),
		})
	}
	s.mu.Unlock()

	if retried {
		s.logger.Warn("task attempt failed, retrying",
			"task_id", t.ID, "attempt", attempt, "max_attempts", t.MaxAttempts, "delay", delay, "error", err)
	}
	if notify != nil {
		notify()
	}
}

// requeue puts a task back in its queue once its retry delay has passed.
func (s *Scheduler) requeue(rec *record) {
	s.mu.Lock()
	if rec.retryTimer == nil || rec.task.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	rec.retryTimer = nil

	notify := func() {}
	if s.closed || !s.queues[rec.task.Kind].Push(rec.task) {
		notify = s.finishLocked(rec, StatusCancelled, nil, errShutdown)
	}
	s.mu.Unlock()
	notify()
}
