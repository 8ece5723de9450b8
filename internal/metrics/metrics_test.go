package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starsky227/LingYiProject/internal/events"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

type fixedStats scheduler.Stats

func (f fixedStats) Stats() scheduler.Stats { return scheduler.Stats(f) }

func TestObserveCountsLifecycle(t *testing.T) {
	m := New(nil)

	m.Observe(events.TaskSubmittedEvent{ID: "a", Kind: "tool-call"})
	m.Observe(events.TaskSubmittedEvent{ID: "b", Kind: "generic"})
	m.Observe(events.TaskSubmittedEvent{ID: "c", Kind: "generic"})
	m.Observe(events.TaskRetryingEvent{ID: "a", Attempt: 1, Err: errors.New("x")})
	m.Observe(events.TaskOutputEvent{ID: "a", Data: "chunk"})
	m.Observe(events.TaskCompletedEvent{ID: "a", Kind: "tool-call", Duration: 2 * time.Second})
	m.Observe(events.TaskFailedEvent{ID: "b", Kind: "generic", Duration: time.Second})
	m.Observe(events.TaskCancelledEvent{ID: "c", Kind: "generic"})
	m.Observe(events.AgentRegisteredEvent{AgentID: "weather"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.submitted.WithLabelValues("tool-call")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitted.WithLabelValues("generic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outputs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("tool-call", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("generic", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("generic", "cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agents.WithLabelValues("registered")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestLoadGauges(t *testing.T) {
	m := New(fixedStats{
		Total:   4,
		Pending: 3,
		Running: 1,
		Queued:  map[scheduler.Kind]int{scheduler.KindGeneric: 2, scheduler.KindToolCall: 1},
		Busy:    map[scheduler.Kind]int{scheduler.KindGeneric: 1, scheduler.KindToolCall: 0},
		Workers: map[scheduler.Kind]int{scheduler.KindGeneric: 5, scheduler.KindToolCall: 10},
	})

	expected := `
# HELP lingyi_queue_depth Tasks waiting for a worker.
# TYPE lingyi_queue_depth gauge
lingyi_queue_depth{kind="generic"} 2
lingyi_queue_depth{kind="tool-call"} 1
# HELP lingyi_workers Worker slots per pool.
# TYPE lingyi_workers gauge
lingyi_workers{kind="generic"} 5
lingyi_workers{kind="tool-call"} 10
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"lingyi_queue_depth", "lingyi_workers"))

	count, err := testutil.GatherAndCount(m.Registry(), "lingyi_tasks")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestRunStopsOnContext(t *testing.T) {
	m := New(nil)
	sub := make(chan events.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, sub)
		close(done)
	}()

	sub <- events.TaskSubmittedEvent{ID: "a", Kind: "generic"}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.submitted.WithLabelValues("generic")) == 1
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunStopsOnClosedSubscription(t *testing.T) {
	m := New(nil)
	sub := make(chan events.Event)
	close(sub)
	m.Run(context.Background(), sub) // returns immediately
}

func TestHandlerServesExposition(t *testing.T) {
	m := New(nil)
	m.Observe(events.TaskSubmittedEvent{ID: "a", Kind: "generic"})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `lingyi_tasks_submitted_total{kind="generic"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
