package scheduler

import "errors"

// Error kinds. Terminal task errors wrap one of these together with the cause,
// so errors.Is matches both.
var (
	ErrNotFound         = errors.New("task not found")
	ErrAgentUnavailable = errors.New("agent unavailable")
	ErrRetryExhausted   = errors.New("retries exhausted")
	ErrHandoffRejected  = errors.New("agent refused the task")
	ErrCancelled        = errors.New("task cancelled")
	ErrTimedOut         = errors.New("timed out waiting for task")
	ErrInvalidTask      = errors.New("invalid task")
	ErrClosed           = errors.New("scheduler closed")
)
