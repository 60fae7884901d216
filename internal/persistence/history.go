package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryFailed  HistoryStatus = "failed"
)

// HistoryEntry is one immutable execution record.
type HistoryEntry struct {
	ID         int64
	TaskID     string
	Status     HistoryStatus
	Output     string
	DurationMS int64
	ExecutedAt int64 // unix milliseconds
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// AppendHistory writes a history row outside of an execution, e.g. the
// forced entry left by a user stop.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin history tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		e := entry
		if err := insertHistoryTx(ctx, tx, &e); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit history: %w", err)
		}
		id = e.ID
		return nil
	})
	return id, err
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, entry *HistoryEntry) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_history (task_id, status, output, duration_ms, executed_at)
		VALUES (?, ?, ?, ?, ?);
	`, entry.TaskID, entry.Status, entry.Output, entry.DurationMS, entry.ExecutedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ListHistory returns the most recent entries for a task, newest first.
func (s *Store) ListHistory(ctx context.Context, taskID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, status, output, duration_ms, executed_at
		FROM task_history
		WHERE task_id = ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Status, &e.Output, &e.DurationMS, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	return out, nil
}
