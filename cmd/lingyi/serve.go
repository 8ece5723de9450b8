package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Starsky227/LingYiProject/internal/api"
	"github.com/Starsky227/LingYiProject/internal/events"
	"github.com/Starsky227/LingYiProject/internal/mcp"
	"github.com/Starsky227/LingYiProject/internal/metrics"
	"github.com/Starsky227/LingYiProject/internal/persistence"
	"github.com/Starsky227/LingYiProject/internal/tui"
)

// monitorLogFile receives logs while the monitor owns the terminal.
const monitorLogFile = ".lingyi/lingyi.log"

type serveOptions struct {
	addr    string
	monitor bool
}

func runServe(ctx context.Context, opts serveOptions) error {
	var logOut io.Writer = os.Stderr
	if opts.monitor {
		if err := os.MkdirAll(filepath.Dir(monitorLogFile), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(monitorLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}

	a, err := newApp(configFlag, logOut)
	if err != nil {
		return err
	}

	// Consumers stop when the bus closes at the end of shutdown, after the
	// final lifecycle events are published.
	var consumers sync.WaitGroup
	consume := func(run func(context.Context, <-chan events.Event), sub <-chan events.Event) {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			run(context.Background(), sub)
		}()
	}

	var store persistence.Store
	if path := a.cfg.Database.Path; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		sqlite, err := persistence.NewSQLiteStore(ctx, path)
		if err != nil {
			return fmt.Errorf("opening task history: %w", err)
		}
		defer sqlite.Close()
		store = sqlite
		consume(persistence.NewRecorder(store, a.sched, a.logger).Run, a.bus.Subscribe(events.TopicTask, 1024))
	}

	m := metrics.New(a.sched)
	consume(m.Run, a.bus.Subscribe(events.TopicTask, 1024))

	a.sched.Start()
	defer consumers.Wait()
	defer a.shutdown()

	addr := a.cfg.Server.Addr
	if opts.addr != "" {
		addr = opts.addr
	}
	server := api.New(api.Config{
		Scheduler: a.sched,
		Store:     store,
		Metrics:   m.Handler(),
		Reloader:  a.loader,
		Logger:    a.logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, addr)
	})
	if opts.monitor {
		model := tui.New(a.bus, a.sched, a.cfg, a.configPath)
		g.Go(func() error {
			// Quitting the monitor stops the server.
			defer cancel()
			return tui.Run(gctx, model)
		})
	}

	err = g.Wait()
	a.logger.Info("shutting down")
	return err
}

func runMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	// stdout carries the protocol.
	a, err := newApp(configFlag, os.Stderr)
	if err != nil {
		return err
	}
	a.sched.Start()
	defer a.shutdown()

	server := mcp.New(a.sched, version, a.logger)
	go server.Run(ctx, a.bus.Subscribe(events.TopicAgent, 16))
	return server.ServeStdio(ctx, in, out)
}
