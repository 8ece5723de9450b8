package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starsky227/LingYiProject/internal/events"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func finishedTask(id string, finished time.Time) scheduler.Task {
	return scheduler.Task{
		ID:           id,
		Name:         "weather.forecast",
		Kind:         scheduler.KindToolCall,
		TargetAgent:  "weather",
		Operation:    "forecast",
		Payload:      map[string]any{"city": "Hangzhou"},
		Priority:     scheduler.PriorityHigh,
		Status:       scheduler.StatusCompleted,
		AttemptCount: 2,
		MaxAttempts:  3,
		Result:       map[string]any{"temp": 21},
		CreatedAt:    finished.Add(-2 * time.Second),
		StartedAt:    finished.Add(-time.Second),
		FinishedAt:   finished,
	}
}

func TestSaveAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, store.SaveTask(ctx, finishedTask("task-1", now)))

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.ID)
	assert.Equal(t, "weather.forecast", got.Name)
	assert.Equal(t, "tool-call", got.Kind)
	assert.Equal(t, "weather", got.Agent)
	assert.Equal(t, "forecast", got.Operation)
	assert.Equal(t, "HIGH", got.Priority)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.JSONEq(t, `{"city":"Hangzhou"}`, string(got.Payload))
	assert.JSONEq(t, `{"temp":21}`, string(got.Result))
	assert.Empty(t, got.Error)
	assert.True(t, now.Equal(got.FinishedAt))
	assert.True(t, now.Add(-2*time.Second).Equal(got.CreatedAt))
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveTaskIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	pending := scheduler.Task{
		ID:        "t",
		Name:      "analyze",
		Kind:      scheduler.KindGeneric,
		Handler:   "analyze",
		Priority:  scheduler.PriorityNormal,
		Status:    scheduler.StatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.SaveTask(ctx, pending))

	failed := pending
	failed.Status = scheduler.StatusFailed
	failed.AttemptCount = 3
	failed.Error = fmt.Errorf("%w: %w", scheduler.ErrRetryExhausted, errors.New("model offline"))
	failed.FinishedAt = time.Now()
	require.NoError(t, store.SaveTask(ctx, failed))
	require.NoError(t, store.SaveTask(ctx, failed))

	all, err := store.ListTasks(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "failed", all[0].Status)
	assert.Equal(t, 3, all[0].Attempts)
	assert.Equal(t, "analyze", all[0].Handler)
	assert.Equal(t, "retries exhausted: model offline", all[0].Error)
	assert.Nil(t, all[0].Payload)
	assert.Nil(t, all[0].Result)
}

func TestSaveTaskUnencodableValues(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	task := finishedTask("odd", time.Now())
	task.Result = func() {}
	require.NoError(t, store.SaveTask(ctx, task))

	got, err := store.GetTask(ctx, "odd")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Result)
}

func TestListTasks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		task := finishedTask(fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Second))
		if i%2 == 1 {
			task.Status = scheduler.StatusFailed
			task.TargetAgent = "search"
		}
		require.NoError(t, store.SaveTask(ctx, task))
	}

	all, err := store.ListTasks(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "t0", all[0].ID)
	assert.Equal(t, "t4", all[4].ID)

	latest, err := store.ListTasks(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "t4", latest[0].ID)
	assert.Equal(t, "t3", latest[1].ID)

	failed, err := store.ListTasks(ctx, ListOptions{Status: "failed"})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	search, err := store.ListTasks(ctx, ListOptions{Agent: "search", Status: "completed"})
	require.NoError(t, err)
	assert.Empty(t, search)
	assert.NotNil(t, search)
}

func TestPurgeBefore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveTask(ctx, finishedTask("old", now.Add(-time.Hour))))
	require.NoError(t, store.SaveTask(ctx, finishedTask("new", now)))
	running := finishedTask("running", time.Time{})
	running.Status = scheduler.StatusRunning
	running.CreatedAt = now.Add(-2 * time.Hour)
	require.NoError(t, store.SaveTask(ctx, running))
	require.NoError(t, store.AppendOutput(ctx, "old", "chunk", now))

	n, err := store.PurgeBefore(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.GetTask(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	out, err := store.GetOutput(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, out, "output is deleted with its task")

	for _, id := range []string{"new", "running"} {
		_, err := store.GetTask(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestOutputOrdering(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveTask(ctx, finishedTask("stream", now)))
	for _, chunk := range []any{"Hel", "lo", map[string]any{"done": true}, nil} {
		require.NoError(t, store.AppendOutput(ctx, "stream", chunk, now))
	}

	out, err := store.GetOutput(ctx, "stream")
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.JSONEq(t, `"Hel"`, string(out[0].Data))
	assert.JSONEq(t, `"lo"`, string(out[1].Data))
	assert.JSONEq(t, `{"done":true}`, string(out[2].Data))
	assert.Equal(t, "null", string(out[3].Data))
	assert.Equal(t, "stream", out[0].TaskID)

	empty, err := store.GetOutput(ctx, "none")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestForeignKeyEnforced(t *testing.T) {
	store := testStore(t)
	err := store.AppendOutput(context.Background(), "ghost", "x", time.Now())
	assert.Error(t, err)
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	require.NoError(t, a.SaveTask(ctx, finishedTask("only-in-a", time.Now())))
	_, err := b.GetTask(ctx, "only-in-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreOnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "history.db")

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.SaveTask(ctx, finishedTask("persisted", time.Now())))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.GetTask(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
}

// fakeSource serves snapshots from a map.
type fakeSource struct {
	mu    sync.Mutex
	tasks map[string]scheduler.Task
}

func (f *fakeSource) set(t scheduler.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

func (f *fakeSource) Status(id string) (scheduler.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return scheduler.Task{}, scheduler.ErrNotFound
	}
	return t, nil
}

func TestRecorderFollowsLifecycle(t *testing.T) {
	store := testStore(t)
	source := &fakeSource{tasks: map[string]scheduler.Task{}}
	rec := NewRecorder(store, source, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	task := finishedTask("life", time.Now())
	task.Status = scheduler.StatusPending
	task.FinishedAt = time.Time{}
	source.set(task)
	rec.Handle(ctx, events.TaskSubmittedEvent{ID: "life"})

	got, err := store.GetTask(ctx, "life")
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)

	rec.Handle(ctx, events.TaskOutputEvent{ID: "life", Data: "partial", Timestamp: time.Now()})
	rec.Handle(ctx, events.TaskRetryingEvent{ID: "life"}) // ignored

	task.Status = scheduler.StatusCompleted
	task.FinishedAt = time.Now()
	source.set(task)
	rec.Handle(ctx, events.TaskCompletedEvent{ID: "life"})

	got, err = store.GetTask(ctx, "life")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	out, err := store.GetOutput(ctx, "life")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.JSONEq(t, `"partial"`, string(out[0].Data))

	// Unknown to the source: nothing is written.
	rec.Handle(ctx, events.TaskFailedEvent{ID: "gone"})
	_, err = store.GetTask(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecorderRunWithScheduler(t *testing.T) {
	store := testStore(t)
	bus := events.NewEventBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicTask, 256)

	cfg := scheduler.DefaultConfig()
	cfg.Bus = bus
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := scheduler.New(nil, cfg)
	s.Start()
	defer s.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRecorder(store, s, cfg.Logger).Run(ctx, sub)
		close(done)
	}()

	id, err := s.Submit(context.Background(), scheduler.Request{
		Name:    "summarize",
		Payload: "text",
		Func: func(ctx context.Context, run *scheduler.Run) (any, error) {
			_ = run.Emit("working")
			return "summary", nil
		},
	})
	require.NoError(t, err)
	_, err = s.AwaitResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := store.GetTask(context.Background(), id)
		return err == nil && got.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	got, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `"summary"`, string(got.Result))
	assert.Equal(t, 1, got.Attempts)

	out, err := store.GetOutput(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, out, 1)

	cancel()
	<-done
}
