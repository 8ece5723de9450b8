package persistence

import (
	"context"
	"fmt"
	"time"
)

// AppendOutput stores one partial result of a task.
// Output is append-only (no upsert needed).
func (s *SQLiteStore) AppendOutput(ctx context.Context, taskID string, data any, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	encoded := encodeJSON(data)
	if !encoded.Valid {
		encoded.String = "null"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_output (task_id, data, timestamp)
		VALUES (?, ?, ?)
	`, taskID, encoded.String, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save output for task %s: %w", taskID, err)
	}
	return nil
}

// GetOutput retrieves the streamed output of a task in arrival order.
// Returns empty slice (not nil) if there is none.
func (s *SQLiteStore) GetOutput(ctx context.Context, taskID string) ([]OutputChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT data, timestamp
		FROM task_output
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query output: %w", err)
	}
	defer rows.Close()

	chunks := []OutputChunk{}
	for rows.Next() {
		var (
			data string
			ts   int64
		)
		if err := rows.Scan(&data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		chunks = append(chunks, OutputChunk{TaskID: taskID, Data: []byte(data), Timestamp: time.UnixMilli(ts)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating output: %w", err)
	}
	return chunks, nil
}
