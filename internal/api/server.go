// Package api exposes the scheduler over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Starsky227/LingYiProject/internal/agent"
	"github.com/Starsky227/LingYiProject/internal/persistence"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// MaxRequestBodySize caps request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Reloader re-reads agent definitions into a registry.
type Reloader interface {
	Reload(reg *agent.Registry) (int, error)
}

// Config wires the server to its collaborators. Only Scheduler is required.
type Config struct {
	Scheduler *scheduler.Scheduler
	Store     persistence.Store // enables /history
	Metrics   http.Handler      // served at /metrics
	Reloader  Reloader          // enables POST /agents/reload
	Logger    *slog.Logger
}

// Server handles the HTTP surface.
type Server struct {
	sched    *scheduler.Scheduler
	store    persistence.Store
	reloader Reloader
	logger   *slog.Logger
	handler  http.Handler
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		sched:    cfg.Scheduler,
		store:    cfg.Store,
		reloader: cfg.Reloader,
		logger:   cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleCancel)
	mux.HandleFunc("GET /tasks/{id}/result", s.handleResult)
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents/reload", s.handleReload)
	mux.HandleFunc("GET /handlers", s.handleListHandlers)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /history/{id}", s.handleHistoryTask)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.handler = s.logRequests(mux)
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("api listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"code", rec.code,
			"duration", time.Since(start),
		)
	})
}

// errorCode maps error kinds to HTTP status codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, agent.ErrNotFound) && !errors.Is(err, scheduler.ErrAgentUnavailable):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrAgentUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrTimedOut):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
