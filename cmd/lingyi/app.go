package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Starsky227/LingYiProject/internal/agent"
	"github.com/Starsky227/LingYiProject/internal/backend"
	"github.com/Starsky227/LingYiProject/internal/config"
	"github.com/Starsky227/LingYiProject/internal/events"
	"github.com/Starsky227/LingYiProject/internal/manifest"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

const (
	sourceBuiltin   = "builtin"
	analyzeHandler  = "analyze"
	shutdownTimeout = 10 * time.Second
)

// app is the process-wide wiring shared by the subcommands.
type app struct {
	cfg        *config.Config
	configPath string // where settings are saved
	logger     *slog.Logger
	bus        *events.EventBus
	pm         *backend.ProcessManager
	sched      *scheduler.Scheduler
	loader     *manifest.Loader
}

// loadConfig reads path when given, otherwise the global and project files.
// It returns the file settings should be saved to.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load("", path)
		return cfg, path, err
	}
	global, project, err := config.DefaultPaths()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(global, project)
	return cfg, project, err
}

// newApp builds the scheduler with builtin and discovered agents. Logs go to
// logOut; the scheduler is not started.
func newApp(configPath string, logOut io.Writer) (*app, error) {
	cfg, savePath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logging.NewLogger(logOut)
	slog.SetDefault(logger)

	a := &app{
		cfg:        cfg,
		configPath: savePath,
		logger:     logger,
		bus:        events.NewEventBus(),
		pm:         backend.NewProcessManager(),
	}

	schedCfg := cfg.SchedulerConfig()
	schedCfg.Logger = logger
	schedCfg.Bus = a.bus
	a.sched = scheduler.New(agent.NewRegistry(logger, a.bus), schedCfg)

	if err := a.registerBuiltins(); err != nil {
		return nil, err
	}

	a.loader = manifest.NewLoader(cfg.Agents.ManifestDir, a.pm, logger)
	a.loader.Limits = cfg.Agents.Limits
	n, err := a.loader.Load(a.sched.Registry())
	if err != nil {
		return nil, fmt.Errorf("loading agents from %s: %w", cfg.Agents.ManifestDir, err)
	}
	logger.Info("agents loaded", "manifests", n, "total", a.sched.Registry().Len())
	return a, nil
}

// registerBuiltins adds the in-process agents and handlers. The llm agent and
// the analyze handler exist only when a model is configured.
func (a *app) registerBuiltins() error {
	reg := a.sched.Registry()
	if err := reg.Register(agent.Descriptor{
		ID:           "datetime",
		Name:         "Date and time",
		Description:  "Reports the current time in a given timezone.",
		Capabilities: []string{"current_time"},
		Reusable:     true,
		Entry:        backend.DateTimeAgent(nil),
		Source:       sourceBuiltin,
	}); err != nil {
		return err
	}

	if a.cfg.LLM.Model == "" {
		return nil
	}
	llm := backend.NewLLMOpener(a.cfg.LLM.BackendConfig(), &http.Client{Timeout: a.cfg.LLM.Timeout.Duration})
	if err := reg.Register(agent.Descriptor{
		ID:           "llm",
		Name:         a.cfg.LLM.Model,
		Description:  "Chat completion against the configured model.",
		Capabilities: []string{"chat"},
		Reusable:     true,
		Entry:        llm,
		Source:       sourceBuiltin,
	}); err != nil {
		return err
	}
	a.sched.RegisterHandler(analyzeHandler, analyze(llm))
	return nil
}

// analyze runs a background analysis of payload text through the model,
// streaming the reply as it arrives. The payload is a string or an object with
// "text" and an optional "instruction".
func analyze(llm backend.Opener) scheduler.TaskFunc {
	return func(ctx context.Context, run *scheduler.Run) (any, error) {
		var text, instruction string
		switch p := run.Payload().(type) {
		case string:
			text = p
		case map[string]any:
			text, _ = p["text"].(string)
			instruction, _ = p["instruction"].(string)
		}
		if strings.TrimSpace(text) == "" {
			return nil, errors.New("analyze: payload has no text")
		}
		if instruction == "" {
			instruction = "Summarize the following and list anything that needs follow-up."
		}

		reply, err := backend.Complete(ctx, llm, instruction+"\n\n"+text, func(chunk string) error {
			return run.Emit(chunk)
		})
		if err != nil {
			return nil, err
		}
		return reply, nil
	}
}

// shutdown drains the scheduler, then kills agent subprocesses still running.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.sched.Shutdown(ctx); err != nil {
		a.logger.Warn("scheduler did not drain", "error", err)
	}
	if err := a.pm.KillAll(); err != nil {
		a.logger.Error("failed to kill agent processes", "error", err)
	}
	a.bus.Close()
}
