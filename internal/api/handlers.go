package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Starsky227/LingYiProject/internal/persistence"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// DefaultResultTimeout bounds GET /tasks/{id}/result when no timeout is given.
const DefaultResultTimeout = 30 * time.Second

var errHistoryDisabled = errors.New("task history is not enabled")

// SubmitRequest is the body of POST /tasks.
type SubmitRequest struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Handler     string          `json:"handler"`
	TargetAgent string          `json:"target_agent"`
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
}

func (req SubmitRequest) toRequest() (scheduler.Request, error) {
	kind, err := scheduler.ParseKind(req.Kind)
	if err != nil {
		return scheduler.Request{}, err
	}
	priority, err := scheduler.ParsePriority(req.Priority)
	if err != nil {
		return scheduler.Request{}, err
	}
	var payload any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return scheduler.Request{}, fmt.Errorf("%w: payload: %w", scheduler.ErrInvalidTask, err)
		}
	}
	if req.MaxAttempts < 0 {
		return scheduler.Request{}, fmt.Errorf("%w: max_attempts must not be negative", scheduler.ErrInvalidTask)
	}
	return scheduler.Request{
		Name:        req.Name,
		Kind:        kind,
		Handler:     req.Handler,
		TargetAgent: req.TargetAgent,
		Operation:   req.Operation,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: req.MaxAttempts,
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, "ok", map[string]any{
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}

	req, err := body.toRequest()
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	id, err := s.sched.Submit(r.Context(), req)
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}

	task, err := s.sched.Status(id)
	if err != nil {
		writeData(w, http.StatusCreated, "task submitted", map[string]string{"id": id})
		return
	}
	writeData(w, http.StatusCreated, "task submitted", newTaskView(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var f scheduler.Filter
	q := r.URL.Query()
	for _, name := range splitList(q.Get("status")) {
		st, err := scheduler.ParseStatus(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, name := range splitList(q.Get("kind")) {
		k, err := scheduler.ParseKind(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Kinds = append(f.Kinds, k)
	}
	f.Agent = q.Get("agent")

	tasks := s.sched.List(f)
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	writeData(w, http.StatusOK, "", views)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	writeData(w, http.StatusOK, "", newTaskView(task))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sched.Cancel(id) {
		task, err := s.sched.Status(id)
		if err != nil {
			writeError(w, errorCode(err), err)
			return
		}
		writeJSON(w, http.StatusConflict, Envelope{
			Status: StatusError,
			Data:   newTaskView(task),
			Error:  fmt.Sprintf("task %s already %s", id, task.Status),
		})
		return
	}

	task, err := s.sched.Status(id)
	if err != nil {
		writeData(w, http.StatusOK, "cancellation requested", nil)
		return
	}
	writeData(w, http.StatusOK, "cancellation requested", newTaskView(task))
}

// handleResult waits for the task. A completed task answers 200 with its result;
// a failed or cancelled one answers 200 with status "error" and the task's error;
// a task still running when the timeout elapses answers 202.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	timeout := DefaultResultTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", raw))
			return
		}
		timeout = d
	}

	_, waitErr := s.sched.AwaitResult(r.Context(), id, timeout)
	if errors.Is(waitErr, scheduler.ErrNotFound) {
		writeError(w, http.StatusNotFound, waitErr)
		return
	}
	task, err := s.sched.Status(id)
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}

	switch {
	case waitErr == nil:
		writeData(w, http.StatusOK, "", newTaskView(task))
	case errors.Is(waitErr, scheduler.ErrTimedOut):
		writeJSON(w, http.StatusAccepted, Envelope{
			Status:  StatusSuccess,
			Message: "task still " + task.Status.String(),
			Data:    newTaskView(task),
		})
	default:
		writeJSON(w, http.StatusOK, Envelope{
			Status: StatusError,
			Data:   newTaskView(task),
			Error:  waitErr.Error(),
		})
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	ds := s.sched.Registry().List()
	views := make([]AgentView, 0, len(ds))
	for _, d := range ds {
		views = append(views, newAgentView(d))
	}
	writeData(w, http.StatusOK, "", views)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusNotFound, errors.New("agent reload is not enabled"))
		return
	}
	n, err := s.reloader.Reload(s.sched.Registry())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("agents reloaded", "count", n)
	writeData(w, http.StatusOK, fmt.Sprintf("%d agents loaded", n), map[string]int{"loaded": n})
}

func (s *Server) handleListHandlers(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, "", s.sched.Handlers())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, "", newStatsView(s.sched.Stats()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errHistoryDisabled)
		return
	}
	q := r.URL.Query()
	opts := persistence.ListOptions{
		Status: q.Get("status"),
		Agent:  q.Get("agent"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		opts.Limit = n
	}

	records, err := s.store.ListTasks(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, "", records)
}

func (s *Server) handleHistoryTask(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, errHistoryDisabled)
		return
	}
	id := r.PathValue("id")
	record, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	output, err := s.store.GetOutput(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]any{
		"task":   record,
		"output": output,
	})
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
