package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Handler executes one popped task. It must record any failure in the task
// itself; the worker loop never sees errors.
type Handler func(ctx context.Context, t *Task)

// WorkerPool runs a fixed number of slots, each looping Wait -> handle on one queue.
type WorkerPool struct {
	name    string
	size    int
	queue   *WorkQueue
	handler Handler
	logger  *slog.Logger

	group   errgroup.Group
	busy    atomic.Int32
	started atomic.Bool
	stop    sync.Once
}

// NewWorkerPool creates a pool of size slots (at least 1) consuming queue.
func NewWorkerPool(name string, size int, queue *WorkQueue, handler Handler, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		name:    name,
		size:    size,
		queue:   queue,
		handler: handler,
		logger:  logger,
	}
}

// Start launches the slots. ctx is handed to every handler call. Calling Start
// more than once has no effect.
func (p *WorkerPool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.size; i++ {
		slot := i
		p.group.Go(func() error {
			p.loop(ctx, slot)
			return nil
		})
	}
	p.logger.Info("worker pool started", "pool", p.name, "workers", p.size)
}

func (p *WorkerPool) loop(ctx context.Context, slot int) {
	for {
		t, ok := p.queue.Wait()
		if !ok {
			return
		}
		p.busy.Add(1)
		p.run(ctx, slot, t)
		p.busy.Add(-1)
	}
}

// run isolates the loop from a panicking handler.
func (p *WorkerPool) run(ctx context.Context, slot int, t *Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic",
				"pool", p.name, "slot", slot, "task_id", t.ID, "panic", fmt.Sprint(r))
		}
	}()
	p.handler(ctx, t)
}

// Stop closes the queue and waits for in-flight handlers to return. Tasks still
// queued stay in the queue for the caller to drain.
func (p *WorkerPool) Stop() {
	p.stop.Do(func() {
		p.queue.Close()
		_ = p.group.Wait()
		p.logger.Info("worker pool stopped", "pool", p.name)
	})
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int {
	return p.size
}

// Busy returns the number of slots currently executing a task.
func (p *WorkerPool) Busy() int {
	return int(p.busy.Load())
}
