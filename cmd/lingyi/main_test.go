package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starsky227/LingYiProject/internal/agent"
	"github.com/Starsky227/LingYiProject/internal/backend"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestNewAppRegistersBuiltins(t *testing.T) {
	path := writeConfig(t, `
[agents]
manifest_dir = "`+t.TempDir()+`"
`)
	a, err := newApp(path, os.Stderr)
	require.NoError(t, err)
	defer a.shutdown()

	assert.Equal(t, path, a.configPath)
	d, err := a.sched.Registry().Lookup("datetime")
	require.NoError(t, err)
	assert.Equal(t, sourceBuiltin, d.Source)

	_, err = a.sched.Registry().Lookup("llm")
	assert.ErrorIs(t, err, agent.ErrNotFound)
	assert.NotContains(t, a.sched.Handlers(), analyzeHandler)
}

func TestNewAppWithModel(t *testing.T) {
	path := writeConfig(t, `
[agents]
manifest_dir = "`+t.TempDir()+`"

[llm]
base_url = "http://127.0.0.1:1/v1"
model = "qwen-plus"
`)
	a, err := newApp(path, os.Stderr)
	require.NoError(t, err)
	defer a.shutdown()

	d, err := a.sched.Registry().Lookup("llm")
	require.NoError(t, err)
	assert.Equal(t, []string{"chat"}, d.Capabilities)
	assert.Contains(t, a.sched.Handlers(), analyzeHandler)
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	_, err := newApp(writeConfig(t, "[logging]\nlevel = \"loud\"\n"), os.Stderr)
	assert.Error(t, err)
}

func TestAnalyzeStreamsReply(t *testing.T) {
	llm := backend.NewFuncOpener(func(ctx context.Context, call backend.Call) (any, error) {
		prompt := call.Payload.(string)
		if err := call.Emit("partial"); err != nil {
			return nil, err
		}
		return "summary of " + prompt[strings.LastIndex(prompt, "\n")+1:], nil
	})

	sched := scheduler.New(agent.NewRegistry(nil, nil), scheduler.DefaultConfig())
	sched.RegisterHandler(analyzeHandler, analyze(llm))
	sched.Start()
	defer sched.Shutdown(context.Background())

	var partials []string
	id, err := sched.Submit(context.Background(), scheduler.Request{
		Handler: analyzeHandler,
		Payload: map[string]any{"text": "meeting notes"},
		Sink:    func(data any) { partials = append(partials, data.(string)) },
	})
	require.NoError(t, err)
	result, err := sched.AwaitResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "summary of meeting notes", result)
	assert.Equal(t, []string{"partial"}, partials)

	id, err = sched.Submit(context.Background(), scheduler.Request{Handler: analyzeHandler, Payload: "  ", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = sched.AwaitResult(context.Background(), id, 5*time.Second)
	assert.ErrorIs(t, err, scheduler.ErrRetryExhausted)
}

func TestAnalyzeStopsStreamingOnCancel(t *testing.T) {
	streaming := make(chan struct{})
	late := make(chan error, 1)
	llm := backend.NewFuncOpener(func(ctx context.Context, call backend.Call) (any, error) {
		if err := call.Emit("first"); err != nil {
			return nil, err
		}
		close(streaming)
		<-ctx.Done()
		late <- call.Emit("after cancel")
		return "reply nobody wants", nil
	})

	sched := scheduler.New(agent.NewRegistry(nil, nil), scheduler.DefaultConfig())
	sched.RegisterHandler(analyzeHandler, analyze(llm))
	sched.Start()
	defer sched.Shutdown(context.Background())

	var partials []string
	id, err := sched.Submit(context.Background(), scheduler.Request{
		Handler: analyzeHandler,
		Payload: "notes",
		Sink:    func(data any) { partials = append(partials, data.(string)) },
	})
	require.NoError(t, err)

	<-streaming
	require.True(t, sched.Cancel(id))
	assert.ErrorIs(t, <-late, scheduler.ErrCancelled)

	_, err = sched.AwaitResult(context.Background(), id, 5*time.Second)
	assert.ErrorIs(t, err, scheduler.ErrCancelled)
	assert.Equal(t, []string{"first"}, partials)
}

func TestAgentTable(t *testing.T) {
	out := agentTable([]agent.Descriptor{
		{ID: "datetime", Capabilities: []string{"current_time"}, Reusable: true, Source: sourceBuiltin},
		{ID: "chat", ConcurrencyLimit: 2, Source: "manifest:agents/chat"},
	})
	assert.Contains(t, out, "current_time")
	assert.Contains(t, out, "manifest:agents/chat")
	assert.Contains(t, out, "*")
}

func TestProcessManagerKillAllOnShutdown(t *testing.T) {
	pm := backend.NewProcessManager()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pm.Track(cmd)
	require.Equal(t, 1, pm.Count())

	require.NoError(t, pm.KillAll())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		assert.Error(t, err, "process should have been killed")
	case <-time.After(2 * time.Second):
		t.Fatal("process did not terminate after KillAll")
	}

	pm.Untrack(cmd)
	assert.Equal(t, 0, pm.Count())
}

func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not cancel after SIGUSR1")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
