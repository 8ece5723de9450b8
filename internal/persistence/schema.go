package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are unix milliseconds; 0 means unset.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		operation TEXT NOT NULL DEFAULT '',
		handler TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_finished_at ON tasks(finished_at);

	CREATE TABLE IF NOT EXISTS task_output (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		data TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_output_task_id ON task_output(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
