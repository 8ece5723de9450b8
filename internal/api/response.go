package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Starsky227/LingYiProject/internal/agent"
	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope wraps every JSON response.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, Envelope{Status: StatusSuccess, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, Envelope{Status: StatusError, Error: err.Error()})
}

// TaskView is the JSON form of a task snapshot.
type TaskView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Agent       string     `json:"agent,omitempty"`
	Operation   string     `json:"operation,omitempty"`
	Handler     string     `json:"handler,omitempty"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Payload     any        `json:"payload,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
}

func newTaskView(t scheduler.Task) TaskView {
	return TaskView{
		ID:          t.ID,
		Name:        t.Name,
		Kind:        t.Kind.String(),
		Agent:       t.TargetAgent,
		Operation:   t.Operation,
		Handler:     t.Handler,
		Priority:    t.Priority.String(),
		Status:      t.Status.String(),
		Attempts:    t.AttemptCount,
		MaxAttempts: t.MaxAttempts,
		Payload:     t.Payload,
		Result:      t.Result,
		Error:       t.ErrorString(),
		CreatedAt:   t.CreatedAt,
		StartedAt:   optionalTime(t.StartedAt),
		FinishedAt:  optionalTime(t.FinishedAt),
		DurationMS:  t.Duration().Milliseconds(),
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// AgentView is the JSON form of an agent descriptor.
type AgentView struct {
	ID               string   `json:"id"`
	Name             string   `json:"name,omitempty"`
	Description      string   `json:"description,omitempty"`
	Capabilities     []string `json:"capabilities"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
	Reusable         bool     `json:"reusable"`
	Source           string   `json:"source,omitempty"`
}

func newAgentView(d agent.Descriptor) AgentView {
	caps := d.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return AgentView{
		ID:               d.ID,
		Name:             d.Name,
		Description:      d.Description,
		Capabilities:     caps,
		ConcurrencyLimit: d.ConcurrencyLimit,
		Reusable:         d.Reusable,
		Source:           d.Source,
	}
}

// StatsView is the JSON form of scheduler stats, keyed by kind name.
type StatsView struct {
	Total     int            `json:"total"`
	Pending   int            `json:"pending"`
	Running   int            `json:"running"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Cancelled int            `json:"cancelled"`
	Queued    map[string]int `json:"queued"`
	Busy      map[string]int `json:"busy"`
	Workers   map[string]int `json:"workers"`
}

func newStatsView(st scheduler.Stats) StatsView {
	byName := func(m map[scheduler.Kind]int) map[string]int {
		out := make(map[string]int, len(m))
		for k, v := range m {
			out[k.String()] = v
		}
		return out
	}
	return StatsView{
		Total:     st.Total,
		Pending:   st.Pending,
		Running:   st.Running,
		Completed: st.Completed,
		Failed:    st.Failed,
		Cancelled: st.Cancelled,
		Queued:    byName(st.Queued),
		Busy:      byName(st.Busy),
		Workers:   byName(st.Workers),
	}
}
