package scheduler

import (
	"context"
	"time"

	"github.com/Starsky227/LingYiProject/internal/backend"
	"github.com/Starsky227/LingYiProject/internal/events"
)

// TaskFunc is the body of a task. It runs once per attempt. Returning an error
// wrapping backend.ErrHandoff fails the task without retrying; any other error
// is retried until MaxAttempts is reached.
type TaskFunc func(ctx context.Context, run *Run) (any, error)

// Run is the view a task body gets of its current attempt.
type Run struct {
	ctx     context.Context
	task    Task // snapshot taken when the attempt started
	session backend.Backend
	emit    func(any)
	bus     *events.EventBus
}

// Context returns the attempt context. It is cancelled when the task is cancelled.
func (r *Run) Context() context.Context {
	return r.ctx
}

// TaskID returns the id of the running task.
func (r *Run) TaskID() string {
	return r.task.ID
}

// Attempt returns the 1-based attempt number.
func (r *Run) Attempt() int {
	return r.task.AttemptCount
}

// Task returns the snapshot taken when the attempt started.
func (r *Run) Task() Task {
	return r.task
}

// Payload returns the task payload.
func (r *Run) Payload() any {
	return r.task.Payload
}

// Session returns the leased agent session for tool calls, or nil.
func (r *Run) Session() backend.Backend {
	return r.session
}

// Cancelled reports whether the task has been asked to stop.
func (r *Run) Cancelled() bool {
	return r.ctx.Err() != nil
}

// Emit delivers one partial result to the submitter's sink and to the event bus.
// After cancellation it returns ErrCancelled and delivers nothing.
func (r *Run) Emit(data any) error {
	if r.Cancelled() {
		return ErrCancelled
	}
	if r.emit != nil {
		r.emit(data)
	}
	r.bus.Publish(events.TopicTask, events.TaskOutputEvent{
		ID:        r.task.ID,
		Data:      data,
		Timestamp: time.Now(),
	})
	return nil
}

// invokeSession is the body of a tool call with no custom Func: it forwards the
// operation and payload to the leased session and streams partials through Emit.
func invokeSession(ctx context.Context, run *Run) (any, error) {
	resp, err := run.Session().Invoke(ctx, backend.Call{
		Operation: run.task.Operation,
		Payload:   run.task.Payload,
		TaskID:    run.task.ID,
		Emit:      run.Emit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Content, nil
}
