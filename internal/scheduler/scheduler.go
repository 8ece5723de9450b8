package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Starsky227/LingYiProject/internal/agent"
	"github.com/Starsky227/LingYiProject/internal/events"
)

// errShutdown is recorded on tasks that never finished because the scheduler stopped.
var errShutdown = fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)

// Config configures a Scheduler.
type Config struct {
	GenericWorkers int           // Slots for generic tasks (default 5)
	ToolWorkers    int           // Slots for tool calls (default 10)
	MaxAttempts    int           // Attempts per task unless the request says otherwise (default 3)
	AcquireTimeout time.Duration // Wait for a session slot before giving up (default 30s)
	Retry          RetryConfig   // Used as given; see DefaultRetryConfig
	Breaker        BreakerConfig // Off unless FailureThreshold is set; see DefaultBreakerConfig
	Retention      time.Duration // Terminal tasks older than this are purged; 0 keeps them

	// Handlers are named generic task bodies, for callers that cannot pass a Func.
	Handlers map[string]TaskFunc

	Logger *slog.Logger
	Bus    *events.EventBus // optional
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		GenericWorkers: 5,
		ToolWorkers:    10,
		MaxAttempts:    3,
		AcquireTimeout: 30 * time.Second,
		Retry:          DefaultRetryConfig(),
	}
}

// Request describes a task to submit.
type Request struct {
	Name string
	Kind Kind

	// Generic tasks run Func, or the handler registered under Handler.
	Handler string
	Func    TaskFunc

	// Tool calls invoke Operation on TargetAgent. Func, when set, replaces the
	// default body and gets the leased session through Run.Session.
	TargetAgent string
	Operation   string

	Payload     any
	Priority    Priority // zero means PriorityNormal
	MaxAttempts int      // zero means Config.MaxAttempts

	Sink       func(data any) // receives every Run.Emit
	OnComplete func(Task)     // called once with the terminal snapshot
}

// Filter selects tasks for List. Empty fields match everything.
type Filter struct {
	Statuses []Status
	Kinds    []Kind
	Agent    string
}

func (f Filter) match(t *Task) bool {
	if len(f.Statuses) > 0 && !containsValue(f.Statuses, t.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !containsValue(f.Kinds, t.Kind) {
		return false
	}
	return f.Agent == "" || f.Agent == t.TargetAgent
}

func containsValue[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Stats is a point-in-time summary of the scheduler.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	Queued  map[Kind]int `json:"queued"`  // tasks waiting in each queue
	Busy    map[Kind]int `json:"busy"`    // slots executing per pool
	Workers map[Kind]int `json:"workers"` // slots per pool
}

// record is the scheduler's private state for one task.
type record struct {
	task       *Task
	fn         TaskFunc
	sink       func(any)
	onComplete func(Task)
	backoff    backoff.BackOff

	cancel          context.CancelFunc // cancels the current attempt
	cancelRequested bool
	retryTimer      *time.Timer
	done            chan struct{}
}

// Scheduler accepts tasks, queues them by priority and dispatches them to two
// worker pools, one for generic jobs and one for tool calls.
type Scheduler struct {
	cfg      Config
	registry *agent.Registry
	sessions *agent.Sessions
	breakers *breakerRegistry
	logger   *slog.Logger
	bus      *events.EventBus

	queues map[Kind]*WorkQueue
	pools  map[Kind]*WorkerPool

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*record
	closed bool

	handlersMu sync.RWMutex
	handlers   map[string]TaskFunc

	startOnce   sync.Once
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New creates a scheduler over registry. Zero worker counts, attempts and acquire
// timeout take their defaults. Workers do not run until Start.
func New(registry *agent.Registry, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.GenericWorkers <= 0 {
		cfg.GenericWorkers = def.GenericWorkers
	}
	if cfg.ToolWorkers <= 0 {
		cfg.ToolWorkers = def.ToolWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if registry == nil {
		registry = agent.NewRegistry(cfg.Logger, cfg.Bus)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg,
		registry:   registry,
		sessions:   agent.NewSessions(cfg.Logger),
		breakers:   newBreakerRegistry(cfg.Breaker, cfg.Logger),
		logger:     cfg.Logger,
		bus:        cfg.Bus,
		queues:     make(map[Kind]*WorkQueue),
		pools:      make(map[Kind]*WorkerPool),
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*record),
		handlers:   make(map[string]TaskFunc, len(cfg.Handlers)),
	}
	for name, fn := range cfg.Handlers {
		s.handlers[name] = fn
	}

	s.queues[KindGeneric] = NewWorkQueue()
	s.queues[KindToolCall] = NewWorkQueue()
	s.pools[KindGeneric] = NewWorkerPool("generic", cfg.GenericWorkers, s.queues[KindGeneric], s.execute, cfg.Logger)
	s.pools[KindToolCall] = NewWorkerPool("tool-call", cfg.ToolWorkers, s.queues[KindToolCall], s.execute, cfg.Logger)
	return s
}

// Registry returns the agent registry the scheduler dispatches to.
func (s *Scheduler) Registry() *agent.Registry {
	return s.registry
}

// RegisterHandler adds or replaces a named generic task body.
func (s *Scheduler) RegisterHandler(name string, fn TaskFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[name] = fn
}

// Handlers returns the registered handler names, sorted.
func (s *Scheduler) Handlers() []string {
	s.handlersMu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.handlersMu.RUnlock()
	sort.Strings(names)
	return names
}

// Start launches the worker pools and, when Retention is set, the retention janitor.
// Tasks submitted before Start wait in their queues.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.pools[KindGeneric].Start(s.baseCtx)
		s.pools[KindToolCall].Start(s.baseCtx)

		if s.cfg.Retention > 0 {
			s.janitorStop = make(chan struct{})
			s.janitorDone = make(chan struct{})
			go s.janitor(s.janitorStop, s.janitorDone)
		}
	})
}

// Submit validates req, creates a pending task and queues it. Tool calls to an
// agent that is not registered fail with ErrAgentUnavailable before anything is
// queued.
func (s *Scheduler) Submit(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t, fn, err := s.prepare(req)
	if err != nil {
		return "", err
	}

	rec := &record{
		task:       t,
		fn:         fn,
		sink:       req.Sink,
		onComplete: req.OnComplete,
		backoff:    s.cfg.Retry.newBackOff(),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if !s.queues[t.Kind].Push(t) {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.tasks[t.ID] = rec
	snap := t.snapshot()
	// Published under the lock so it always precedes the task's start event.
	s.bus.Publish(events.TopicTask, events.TaskSubmittedEvent{
		ID:        snap.ID,
		Name:      snap.Name,
		Kind:      snap.Kind.String(),
		Agent:     snap.TargetAgent,
		Priority:  snap.Priority.String(),
		Timestamp: snap.CreatedAt,
	})
	s.mu.Unlock()

	s.logger.Info("task submitted",
		"task_id", snap.ID,
		"name", snap.Name,
		"kind", snap.Kind.String(),
		"agent", snap.TargetAgent,
		"priority", snap.Priority.String(),
	)
	return snap.ID, nil
}

// prepare validates req and builds the pending task and its body.
func (s *Scheduler) prepare(req Request) (*Task, TaskFunc, error) {
	if _, ok := kindNames[req.Kind]; !ok {
		return nil, nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidTask, int(req.Kind))
	}

	priority := req.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, nil, fmt.Errorf("%w: priority %d out of range", ErrInvalidTask, int(priority))
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	name := req.Name
	fn := req.Func

	switch req.Kind {
	case KindGeneric:
		if req.TargetAgent != "" {
			return nil, nil, fmt.Errorf("%w: target agent set on a generic task", ErrInvalidTask)
		}
		if fn == nil && req.Handler != "" {
			s.handlersMu.RLock()
			fn = s.handlers[req.Handler]
			s.handlersMu.RUnlock()
			if fn == nil {
				return nil, nil, fmt.Errorf("%w: unknown handler %q", ErrInvalidTask, req.Handler)
			}
		}
		if fn == nil {
			return nil, nil, fmt.Errorf("%w: generic task needs a body or handler", ErrInvalidTask)
		}
		if name == "" {
			name = req.Handler
		}

	case KindToolCall:
		if req.TargetAgent == "" {
			return nil, nil, fmt.Errorf("%w: tool call without target agent", ErrInvalidTask)
		}
		d, err := s.registry.Lookup(req.TargetAgent)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
		}
		if !d.Supports(req.Operation) {
			return nil, nil, fmt.Errorf("%w: agent %s does not support operation %q", ErrInvalidTask, d.ID, req.Operation)
		}
		if fn == nil {
			fn = invokeSession
		}
		if name == "" {
			name = req.TargetAgent + "." + req.Operation
		}
	}
	if name == "" {
		name = "task"
	}

	return &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Kind:        req.Kind,
		TargetAgent: req.TargetAgent,
		Operation:   req.Operation,
		Handler:     req.Handler,
		Payload:     req.Payload,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}, fn, nil
}

// Status returns a snapshot of the task with id.
func (s *Scheduler) Status(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.task.snapshot(), nil
}

// Cancel stops a task. A queued task is removed and never dispatched; a running
// task has its attempt context cancelled and ends as cancelled once its body
// returns. Cancel reports false for unknown or already finished tasks.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok || rec.task.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	var notify func()
	switch {
	case rec.retryTimer != nil:
		rec.retryTimer.Stop()
		notify = s.finishLocked(rec, StatusCancelled, nil, ErrCancelled)
	case rec.task.Status == StatusPending && s.queues[rec.task.Kind].Remove(id):
		notify = s.finishLocked(rec, StatusCancelled, nil, ErrCancelled)
	default:
		// Held by a worker: let it finish the task as cancelled.
		rec.cancelRequested = true
		if rec.cancel != nil {
			rec.cancel()
		}
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	} else {
		s.logger.Info("task cancellation requested", "task_id", id)
	}
	return true
}

// AwaitResult blocks until the task finishes, timeout elapses (0 waits forever) or
// ctx ends. It returns the result of a completed task or the terminal error of a
// failed or cancelled one. ErrTimedOut only ends the wait; the task keeps running.
func (s *Scheduler) AwaitResult(ctx context.Context, id string, timeout time.Duration) (any, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-rec.done:
	case <-expired:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimedOut, id, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimedOut, ctx.Err())
	}

	s.mu.Lock()
	snap := rec.task.snapshot()
	s.mu.Unlock()

	if snap.Status == StatusCompleted {
		return snap.Result, nil
	}
	return nil, snap.Error
}

// List returns snapshots of the tasks matching f, oldest first.
func (s *Scheduler) List(f Filter) []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if f.match(rec.task) {
			out = append(out, rec.task.snapshot())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Stats returns per-status counts and per-pool load.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Queued:  make(map[Kind]int, 2),
		Busy:    make(map[Kind]int, 2),
		Workers: make(map[Kind]int, 2),
	}

	s.mu.Lock()
	st.Total = len(s.tasks)
	for _, rec := range s.tasks {
		switch rec.task.Status {
		case StatusPending:
			st.Pending++
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}
	}
	s.mu.Unlock()

	for kind, q := range s.queues {
		st.Queued[kind] = q.Len()
		st.Busy[kind] = s.pools[kind].Busy()
		st.Workers[kind] = s.pools[kind].Size()
	}
	return st
}

// Purge forgets terminal tasks that finished before the given time and returns
// how many were removed.
func (s *Scheduler) Purge(before time.Time) int {
	return s.purge(func(t *Task) bool { return t.FinishedAt.Before(before) })
}

// PurgeTerminal forgets every terminal task.
func (s *Scheduler) PurgeTerminal() int {
	return s.purge(func(*Task) bool { return true })
}

func (s *Scheduler) purge(match func(*Task) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.tasks {
		if rec.task.Status.Terminal() && match(rec.task) {
			delete(s.tasks, id)
			n++
		}
	}
	return n
}

func (s *Scheduler) janitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := s.cfg.Retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if n := s.Purge(now.Add(-s.cfg.Retention)); n > 0 {
				s.logger.Debug("purged finished tasks", "count", n)
			}
		}
	}
}

// Shutdown stops accepting tasks, cancels everything still queued or waiting for a
// retry, and waits for running tasks to finish. If ctx ends first, running tasks are
// cancelled and ctx.Err() is returned. All agent sessions are closed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var notes []func()
	for _, rec := range s.tasks {
		if rec.retryTimer != nil {
			rec.retryTimer.Stop()
			notes = append(notes, s.finishLocked(rec, StatusCancelled, nil, errShutdown))
		}
	}
	for _, q := range s.queues {
		q.Close()
		for _, t := range q.Drain() {
			if rec, ok := s.tasks[t.ID]; ok {
				notes = append(notes, s.finishLocked(rec, StatusCancelled, nil, errShutdown))
			}
		}
	}
	s.mu.Unlock()

	for _, notify := range notes {
		notify()
	}

	stopped := make(chan struct{})
	go func() {
		for _, p := range s.pools {
			p.Stop()
		}
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("shutdown deadline reached, cancelling running tasks")
	}
	s.baseCancel()

	if s.janitorStop != nil {
		close(s.janitorStop)
		<-s.janitorDone
	}
	if cerr := s.sessions.CloseAll(); cerr != nil {
		s.logger.Warn("failed to close agent sessions", "error", cerr)
	}

	s.logger.Info("scheduler stopped", "tasks", s.Stats().Total)
	return err
}

// finishLocked moves rec to a terminal status and returns the notification to run
// once s.mu is released. It returns a no-op if rec is already terminal.
func (s *Scheduler) finishLocked(rec *record, status Status, result any, err error) func() {
	t := rec.task
	if t.Status.Terminal() {
		return func() {}
	}
	t.Status = status
	t.Result = result
	t.Error = err
	t.FinishedAt = time.Now()
	rec.retryTimer = nil
	close(rec.done)

	snap := t.snapshot()
	onComplete := rec.onComplete
	return func() {
		s.announce(snap)
		if onComplete != nil {
			s.callback(onComplete, snap)
		}
	}
}

// announce logs and publishes a terminal snapshot.
func (s *Scheduler) announce(t Task) {
	kind := t.Kind.String()
	switch t.Status {
	case StatusCompleted:
		s.logger.Info("task completed", "task_id", t.ID, "name", t.Name, "attempts", t.AttemptCount, "duration", t.Duration())
		s.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID: t.ID, Kind: kind, Attempts: t.AttemptCount, Duration: t.Duration(), Timestamp: t.FinishedAt,
		})
	case StatusFailed:
		s.logger.Error("task failed", "task_id", t.ID, "name", t.Name, "attempts", t.AttemptCount, "error", t.Error)
		s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID: t.ID, Kind: kind, Attempts: t.AttemptCount, Err: t.Error, Duration: t.Duration(), Timestamp: t.FinishedAt,
		})
	case StatusCancelled:
		s.logger.Info("task cancelled", "task_id", t.ID, "name", t.Name, "attempts", t.AttemptCount)
		s.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
			ID: t.ID, Kind: kind, Timestamp: t.FinishedAt,
		})
	}
}

func (s *Scheduler) callback(fn func(Task), t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("completion callback panicked", "task_id", t.ID, "panic", fmt.Sprint(r))
		}
	}()
	fn(t)
}
