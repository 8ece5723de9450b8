package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

const taskColumns = `id, name, kind, agent, operation, handler, priority, status, attempts, max_attempts,
	payload, result, error, created_at, started_at, finished_at`

// SaveTask saves or updates a task snapshot.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task scheduler.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			attempts = excluded.attempts,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`,
		task.ID, task.Name, task.Kind.String(), task.TargetAgent, task.Operation, task.Handler,
		task.Priority.String(), task.Status.String(), task.AttemptCount, task.MaxAttempts,
		encodeJSON(task.Payload), encodeJSON(task.Result), task.ErrorString(),
		toMillis(task.CreatedAt), toMillis(task.StartedAt), toMillis(task.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask retrieves a stored task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return rec, nil
}

// ListTasks returns stored tasks matching opts. Without a limit tasks come oldest
// first; with a limit the newest are returned, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, opts ListOptions) ([]TaskRecord, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, opts.Agent)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.Limit > 0 {
		query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
		args = append(args, opts.Limit)
	} else {
		query += " ORDER BY created_at, rowid"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []TaskRecord{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// PurgeBefore deletes finished tasks, and their output, that finished before the
// given time. Unfinished tasks are kept.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE finished_at > 0 AND finished_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*TaskRecord, error) {
	var rec TaskRecord
	var payload, result sql.NullString
	var created, started, finished int64
	err := row.Scan(&rec.ID, &rec.Name, &rec.Kind, &rec.Agent, &rec.Operation, &rec.Handler,
		&rec.Priority, &rec.Status, &rec.Attempts, &rec.MaxAttempts,
		&payload, &result, &rec.Error, &created, &started, &finished)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	rec.CreatedAt = fromMillis(created)
	rec.StartedAt = fromMillis(started)
	rec.FinishedAt = fromMillis(finished)
	return &rec, nil
}
