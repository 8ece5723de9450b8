package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/Starsky227/LingYiProject/internal/events"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// TaskSource resolves a task id to its current snapshot.
type TaskSource interface {
	Status(id string) (scheduler.Task, error)
}

// Recorder writes task history as lifecycle events arrive: a row when a task is
// submitted, an update when it starts and finishes, and one output row per
// streamed partial.
type Recorder struct {
	store  Store
	source TaskSource
	logger *slog.Logger

	// Timeout bounds each store write.
	Timeout time.Duration
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, source TaskSource, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, source: source, logger: logger, Timeout: 5 * time.Second}
}

// Run consumes sub until ctx ends or the channel is closed. The subscription
// should be sized generously: the bus drops events for slow subscribers.
func (r *Recorder) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

// Handle records one event.
func (r *Recorder) Handle(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.Timeout)
	defer cancel()

	switch e := ev.(type) {
	case events.TaskOutputEvent:
		if err := r.store.AppendOutput(ctx, e.ID, e.Data, e.Timestamp); err != nil {
			r.logger.Warn("failed to record task output", "task_id", e.ID, "error", err)
		}
	case events.TaskSubmittedEvent, events.TaskStartedEvent,
		events.TaskCompletedEvent, events.TaskFailedEvent, events.TaskCancelledEvent:
		r.save(ctx, ev.TaskID())
	}
}

func (r *Recorder) save(ctx context.Context, id string) {
	task, err := r.source.Status(id)
	if err != nil {
		// Already purged from memory; the last stored snapshot stands.
		r.logger.Debug("task no longer tracked, skipping history update", "task_id", id, "error", err)
		return
	}
	if err := r.store.SaveTask(ctx, task); err != nil {
		r.logger.Warn("failed to record task", "task_id", id, "error", err)
	}
}
