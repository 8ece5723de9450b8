package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMockAgent(t *testing.T, mode string, pm *ProcessManager) Backend {
	t.Helper()
	opener := NewCommandOpener(CommandConfig{
		Command: "sh",
		Args:    []string{"testdata/mock-agent.sh", mode},
	}, pm)
	session, err := opener.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestCommandOpener_RequiresCommand(t *testing.T) {
	_, err := NewCommandOpener(CommandConfig{}, nil).Open(context.Background())
	assert.Error(t, err)
}

func TestCommandBackend_Result(t *testing.T) {
	session := openMockAgent(t, "result", nil)
	assert.NotEmpty(t, session.SessionID())

	resp, err := session.Invoke(context.Background(), Call{Operation: "echo"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "ok"}, resp.Content)
	assert.Equal(t, session.SessionID(), resp.SessionID)
}

func TestCommandBackend_SendsRequestOnStdin(t *testing.T) {
	session := openMockAgent(t, "stdin", nil)

	resp, err := session.Invoke(context.Background(), Call{
		Operation: "lookup",
		Payload:   map[string]any{"q": "weather"},
		TaskID:    "task-1",
	})
	require.NoError(t, err)

	req, ok := resp.Content.(map[string]any)
	require.True(t, ok, "expected an object, got %T", resp.Content)
	assert.Equal(t, "lookup", req["operation"])
	assert.Equal(t, "task-1", req["task_id"])
	assert.Equal(t, session.SessionID(), req["session_id"])
	assert.Equal(t, map[string]any{"q": "weather"}, req["payload"])
}

func TestCommandBackend_StreamsPartials(t *testing.T) {
	session := openMockAgent(t, "partials", nil)

	var partials []any
	resp, err := session.Invoke(context.Background(), Call{
		Operation: "work",
		Emit: func(data any) error {
			partials = append(partials, data)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, []any{"one", "plain progress text", map[string]any{"step": float64(2)}}, partials)
}

func TestCommandBackend_Handoff(t *testing.T) {
	session := openMockAgent(t, "handoff", nil)

	_, err := session.Invoke(context.Background(), Call{Operation: "work"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandoff)
	assert.Contains(t, err.Error(), "cannot continue")
}

func TestCommandBackend_RecoverableError(t *testing.T) {
	session := openMockAgent(t, "error", nil)

	_, err := session.Invoke(context.Background(), Call{Operation: "work"})
	require.Error(t, err)
	assert.False(t, IsHandoff(err))
	assert.Contains(t, err.Error(), "tool timeout")
}

func TestCommandBackend_NoResult(t *testing.T) {
	session := openMockAgent(t, "silent", nil)

	_, err := session.Invoke(context.Background(), Call{Operation: "work"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a result")
}

func TestCommandBackend_ProcessFailure(t *testing.T) {
	session := openMockAgent(t, "fail", nil)

	_, err := session.Invoke(context.Background(), Call{Operation: "work"})
	require.Error(t, err)
	assert.False(t, IsHandoff(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandBackend_Env(t *testing.T) {
	opener := NewCommandOpener(CommandConfig{
		Command: "sh",
		Args:    []string{"testdata/mock-agent.sh", "env"},
		Env:     []string{"AGENT_MODE=quiet"},
	}, nil)
	session, err := opener.Open(context.Background())
	require.NoError(t, err)

	resp, err := session.Invoke(context.Background(), Call{Operation: "env"})
	require.NoError(t, err)
	assert.Equal(t, "quiet", resp.Content)
}

func TestCommandBackend_Cancellation(t *testing.T) {
	pm := NewProcessManager()
	session := openMockAgent(t, "sleep", pm)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := session.Invoke(ctx, Call{Operation: "work"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, pm.Count())
}
