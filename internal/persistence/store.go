package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// ErrNotFound is returned when a task has no stored record.
var ErrNotFound = errors.New("task not found")

// TaskRecord is the stored form of a task snapshot. Payload and result are kept
// as JSON; the error is kept as its message.
type TaskRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Agent       string          `json:"agent,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Handler     string          `json:"handler,omitempty"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
}

// OutputChunk is one partial result streamed by a task.
type OutputChunk struct {
	TaskID    string          `json:"task_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// ListOptions narrows ListTasks. Zero values match everything.
type ListOptions struct {
	Status string // status name, e.g. "failed"
	Agent  string
	Limit  int // newest first when set
}

// Store defines the persistence interface for task history and streamed output.
type Store interface {
	// Task history
	SaveTask(ctx context.Context, task scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*TaskRecord, error)
	ListTasks(ctx context.Context, opts ListOptions) ([]TaskRecord, error)
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)

	// Streamed output
	AppendOutput(ctx context.Context, taskID string, data any, at time.Time) error
	GetOutput(ctx context.Context, taskID string) ([]OutputChunk, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store. Each call gets its own
// database; connections of one store share it through the shared cache.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Allow 2 connections: the recorder writes while the API reads.
	// Pragmas come from the DSN so every pooled connection gets them.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeJSON stores v as JSON. Values that cannot be marshalled are stored as
// their string form.
func encodeJSON(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(v))
	}
	return sql.NullString{String: string(data), Valid: true}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
