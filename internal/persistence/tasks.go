package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/clawtasks/internal/bus"
	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypePrompt   TaskType = "prompt"
	TaskTypeReminder TaskType = "reminder"
	TaskTypeScript   TaskType = "script"
	TaskTypeSystem   TaskType = "system"
)

// Executable reports whether tasks of this type run in the sandbox.
func (t TaskType) Executable() bool {
	return t == TaskTypeScript || t == TaskTypeSystem
}

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypePrompt, TaskTypeReminder, TaskTypeScript, TaskTypeSystem:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
)

// ProtectedTagPrefix marks built-in tasks that cannot be deleted.
const ProtectedTagPrefix = "system:"

// ErrProtected is returned when a delete targets a system-tagged task.
var ErrProtected = errors.New("task is protected")

type Task struct {
	ID             string
	Name           string
	Type           TaskType
	Content        string
	Status         TaskStatus
	Schedule       string
	NextRun        *int64 // unix milliseconds
	MaxExecutions  int
	ExecutionCount int
	RetryLimit     int
	TimeoutMS      int64
	Priority       int
	Tags           []string
	Params         map[string]any
	Runtime        string
	OriginChannel  string
	OriginChatID   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Protected reports whether any tag carries the system: prefix.
func (t Task) Protected() bool {
	for _, tag := range t.Tags {
		if strings.HasPrefix(tag, ProtectedTagPrefix) {
			return true
		}
	}
	return false
}

func (t Task) Scheduled() bool {
	return strings.TrimSpace(t.Schedule) != ""
}

// BudgetExhausted reports whether max_executions has been reached.
func (t Task) BudgetExhausted() bool {
	return t.MaxExecutions != -1 && t.ExecutionCount >= t.MaxExecutions
}

// Transition is the mutable state written back by MutateTask and FinishTask.
type Transition struct {
	Status         TaskStatus
	NextRun        *int64
	ExecutionCount int
}

// TransitionFunc computes a Transition from the row as re-read inside the
// transaction. Returning an error aborts the transaction unchanged.
type TransitionFunc func(current Task) (Transition, error)

type TaskFilter struct {
	Status TaskStatus
	Type   TaskType
	Tag    string
	Limit  int
}

const taskColumns = `
	id, name, type, content, status, schedule, next_run,
	max_executions, execution_count, retry_limit, timeout_ms, priority,
	tags, params, runtime, origin_channel, origin_chat_id, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		nextRun    sql.NullInt64
		tagsJSON   string
		paramsJSON string
	)
	if err := scanFn(
		&task.ID,
		&task.Name,
		&task.Type,
		&task.Content,
		&task.Status,
		&task.Schedule,
		&nextRun,
		&task.MaxExecutions,
		&task.ExecutionCount,
		&task.RetryLimit,
		&task.TimeoutMS,
		&task.Priority,
		&tagsJSON,
		&paramsJSON,
		&task.Runtime,
		&task.OriginChannel,
		&task.OriginChatID,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if nextRun.Valid {
		v := nextRun.Int64
		task.NextRun = &v
	} else {
		task.NextRun = nil
	}
	task.Tags = nil
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &task.Tags); err != nil {
			return fmt.Errorf("decode tags for task %s: %w", task.ID, err)
		}
	}
	task.Params = nil
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &task.Params); err != nil {
			return fmt.Errorf("decode params for task %s: %w", task.ID, err)
		}
	}
	return nil
}

func encodeTagsParams(task *Task) (string, string, error) {
	tags := task.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	params := task.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", "", fmt.Errorf("encode params: %w", err)
	}
	return string(tagsJSON), string(paramsJSON), nil
}

func nullableMillis(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// InsertTask persists a new task. ID and timestamps are filled in when empty.
func (s *Store) InsertTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("insert task: nil task")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	tagsJSON, paramsJSON, err := encodeTagsParams(task)
	if err != nil {
		return err
	}

	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, name, type, content, status, schedule, next_run,
				max_executions, execution_count, retry_limit, timeout_ms, priority,
				tags, params, runtime, origin_channel, origin_chat_id, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			task.ID, task.Name, task.Type, task.Content, task.Status, task.Schedule, nullableMillis(task.NextRun),
			task.MaxExecutions, task.ExecutionCount, task.RetryLimit, task.TimeoutMS, task.Priority,
			tagsJSON, paramsJSON, task.Runtime, task.OriginChannel, task.OriginChatID, task.CreatedAt, task.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// UpdateTaskDefinition rewrites the descriptive columns of an existing task
// (type, content, schedule, tags). Status and counters are left alone.
func (s *Store) UpdateTaskDefinition(ctx context.Context, task *Task) error {
	tagsJSON, paramsJSON, err := encodeTagsParams(task)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET name = ?, type = ?, content = ?, schedule = ?, tags = ?, params = ?, runtime = ?, updated_at = ?
			WHERE id = ?;
		`, task.Name, task.Type, task.Content, task.Schedule, tagsJSON, paramsJSON, task.Runtime, s.now(), task.ID)
		if err != nil {
			return fmt.Errorf("update task definition: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// FindTaskByTag returns the oldest task carrying the exact tag.
func (s *Store) FindTaskByTag(ctx context.Context, tag string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE EXISTS (SELECT 1 FROM json_each(tasks.tags) WHERE json_each.value = ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1;
	`, tag).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task by tag: %w", err)
	}
	return &task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(tasks.tags) WHERE json_each.value = ?)")
		args = append(args, filter.Tag)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, created_at ASC, rowid ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// DueTasks returns tasks eligible to run at nowMS. Scheduled tasks are due
// once next_run has passed. Schedule-less tasks are due while pending unless
// a retry backoff in next_run has not elapsed yet.
func (s *Store) DueTasks(ctx context.Context, nowMS int64) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status NOT IN ('running', 'paused')
		  AND (max_executions = -1 OR execution_count < max_executions)
		  AND (
			(schedule != '' AND next_run IS NOT NULL AND next_run <= ?)
			OR (schedule = '' AND status = 'pending' AND (next_run IS NULL OR next_run <= ?))
		  )
		ORDER BY priority DESC, created_at ASC, rowid ASC;
	`, nowMS, nowMS)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ClaimTask moves a task to running unless it is already running or paused.
// It is the only mutual-exclusion point for executions.
func (s *Store) ClaimTask(ctx context.Context, taskID string) (*Task, error) {
	var (
		claimed   Task
		oldStatus TaskStatus
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&oldStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read task status: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'running', updated_at = ?
			WHERE id = ? AND status NOT IN ('running', 'paused');
		`, s.now(), taskID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim task rows affected: %w", err)
		}
		if n == 0 {
			return ErrClaimConflict
		}
		if err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &claimed); err != nil {
			return fmt.Errorf("read claimed task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publishStateChange(taskID, oldStatus, TaskStatusRunning)
	return &claimed, nil
}

// MutateTask applies fn to the current row inside one transaction.
func (s *Store) MutateTask(ctx context.Context, taskID string, fn TransitionFunc) (*Task, error) {
	return s.applyTransition(ctx, taskID, fn, nil)
}

// FinishTask records the outcome of an execution: the transition computed by
// fn and the history entry commit together.
func (s *Store) FinishTask(ctx context.Context, taskID string, entry HistoryEntry, fn TransitionFunc) (*Task, error) {
	return s.applyTransition(ctx, taskID, fn, &entry)
}

func (s *Store) applyTransition(ctx context.Context, taskID string, fn TransitionFunc, entry *HistoryEntry) (*Task, error) {
	var (
		updated   Task
		oldStatus TaskStatus
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Task
		err = scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task for transition: %w", err)
		}
		oldStatus = current.Status

		next, err := fn(current)
		if err != nil {
			return err
		}
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, next_run = ?, execution_count = ?, updated_at = ?
			WHERE id = ?;
		`, next.Status, nullableMillis(next.NextRun), next.ExecutionCount, now, taskID); err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
		if entry != nil {
			entry.TaskID = taskID
			if err := insertHistoryTx(ctx, tx, entry); err != nil {
				return err
			}
		}

		updated = current
		updated.Status = next.Status
		updated.NextRun = next.NextRun
		updated.ExecutionCount = next.ExecutionCount
		updated.UpdatedAt = now
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publishStateChange(taskID, oldStatus, updated.Status)
	return &updated, nil
}

// ResetRunningTasks flips every running row back to pending and returns the
// number of rows touched. Used once at startup to recover from a crash.
func (s *Store) ResetRunningTasks(ctx context.Context) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', updated_at = ?
			WHERE status = 'running';
		`, s.now())
		if err != nil {
			return fmt.Errorf("reset running tasks: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reset running tasks rows affected: %w", err)
		}
		return nil
	})
	return n, err
}

// DeleteTask removes one task and its history. System-tagged tasks are
// refused with ErrProtected and left untouched.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var tagsJSON string
		if err := tx.QueryRowContext(ctx, `SELECT tags FROM tasks WHERE id = ?;`, taskID).Scan(&tagsJSON); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read task tags: %w", err)
		}
		if protectedTags(tagsJSON) {
			return ErrProtected
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return tx.Commit()
	})
}

// DeleteTasks removes every unprotected task whose status is in statuses
// (all statuses when empty). It returns the deleted ids and how many
// protected rows were skipped.
func (s *Store) DeleteTasks(ctx context.Context, statuses []TaskStatus) ([]string, int, error) {
	var (
		deleted []string
		skipped int
	)
	err := retryOnBusy(ctx, 5, func() error {
		deleted, skipped = nil, 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin bulk delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `SELECT id, tags FROM tasks`
		var args []any
		if len(statuses) > 0 {
			placeholders := make([]string, len(statuses))
			for i, st := range statuses {
				placeholders[i] = "?"
				args = append(args, st)
			}
			query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
		}
		rows, err := tx.QueryContext(ctx, query+";", args...)
		if err != nil {
			return fmt.Errorf("select tasks for delete: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id, tagsJSON string
			if err := rows.Scan(&id, &tagsJSON); err != nil {
				rows.Close()
				return fmt.Errorf("scan task for delete: %w", err)
			}
			if protectedTags(tagsJSON) {
				skipped++
				continue
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("task delete rows: %w", err)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id); err != nil {
				return fmt.Errorf("delete task %s: %w", id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit bulk delete: %w", err)
		}
		deleted = ids
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return deleted, skipped, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var (
			status TaskStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func protectedTags(tagsJSON string) bool {
	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		// Unreadable tags are treated as protected so a bulk clear never
		// removes a row it cannot classify.
		return true
	}
	return Task{Tags: tags}.Protected()
}

// Publish state change (best-effort).
func (s *Store) publishStateChange(taskID string, from, to TaskStatus) {
	if s.bus == nil || from == to {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(from),
		NewStatus: string(to),
	})
}
