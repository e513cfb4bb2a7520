package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/scheduler"
)

const taskColumns = `id, request_id, name, agent_role, sequence, status, retryable,
	input, output, error_code, error_message, retry_count, provider,
	tokens_used, cost, created_at, started_at, completed_at`

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, []*scheduler.Task{task}); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns matching tasks with their dependencies, ordered by
// request and sequence.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*scheduler.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.AgentRole != "" {
		where = append(where, "agent_role = ?")
		args = append(args, filter.AgentRole)
	}
	if !filter.StartedBefore.IsZero() {
		where = append(where, "started_at IS NOT NULL AND started_at < ?")
		args = append(args, formatTime(filter.StartedBefore))
	}
	if !filter.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.CreatedSince))
	}
	if !filter.CompletedSince.IsZero() {
		where = append(where, "completed_at IS NOT NULL AND completed_at >= ?")
		args = append(args, formatTime(filter.CompletedSince))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY request_id, sequence, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	if err := s.loadDependencies(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// loadDependencies fills DependsOn for every task, preserving declaration order.
func (s *SQLiteStore) loadDependencies(ctx context.Context, tasks []*scheduler.Task) error {
	const chunk = 500

	byID := make(map[string]*scheduler.Task, len(tasks))
	ids := make([]any, 0, len(tasks))
	for _, t := range tasks {
		t.DependsOn = []string{}
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		batch := ids[start:end]

		rows, err := s.db.QueryContext(ctx, `
			SELECT task_id, depends_on_id
			FROM task_dependencies
			WHERE task_id IN (`+placeholders(len(batch))+`)
			ORDER BY task_id, position
		`, batch...)
		if err != nil {
			return fmt.Errorf("failed to query dependencies: %w", err)
		}

		for rows.Next() {
			var taskID, depID string
			if err := rows.Scan(&taskID, &depID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan dependency: %w", err)
			}
			if t, ok := byID[taskID]; ok {
				t.DependsOn = append(t.DependsOn, depID)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating dependencies: %w", err)
		}
		rows.Close()
	}

	return nil
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		status                  string
		input, output           sql.NullString
		errorCode, errorMessage sql.NullString
		createdAt               string
		startedAt, completedAt  sql.NullString
	)

	err := row.Scan(&task.ID, &task.RequestID, &task.Name, &task.AgentRole, &task.Sequence, &status, &task.Retryable,
		&input, &output, &errorCode, &errorMessage, &task.RetryCount, &task.Provider,
		&task.TokensUsed, &task.Cost, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.Status = scheduler.TaskStatus(status)
	task.Input = rawJSON(input)
	task.Output = rawJSON(output)
	task.ErrorCode = errorCode.String
	task.ErrorMessage = errorMessage.String

	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return task, nil
}

// transition runs a conditional UPDATE ... RETURNING inside a transaction.
// When the update matches a row, record builds the event to log alongside
// it from the returned columns. Returns false when the task was not in the
// expected state.
func (s *SQLiteStore) transition(ctx context.Context, query string, args []any, dest []any, record func() *events.Record) (bool, error) {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update task: %w", err)
	}

	if record != nil {
		if rec := record(); rec != nil {
			if err := insertEvent(ctx, tx, rec); err != nil {
				return false, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// MarkRunning moves a pending task to running and stamps started_at.
func (s *SQLiteStore) MarkRunning(ctx context.Context, taskID, provider string, at time.Time) (bool, error) {
	var requestID, name string
	return s.transition(ctx, `
		UPDATE tasks
		SET status = 'running', provider = ?, started_at = ?, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING request_id, name
	`, []any{provider, formatTime(at), formatTime(at), taskID}, []any{&requestID, &name}, func() *events.Record {
		return events.NewRecord(requestID, taskID, events.RecordTaskStarted,
			fmt.Sprintf("Task started: %s", name), events.ActorScheduler,
			map[string]any{"provider": provider}, at)
	})
}

// CompleteTask stores the output of a running task and marks it completed.
func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID string, c Completion, at time.Time) (bool, error) {
	var requestID, name string
	var startedAt sql.NullString
	return s.transition(ctx, `
		UPDATE tasks
		SET status = 'completed', output = ?, tokens_used = ?, cost = ?,
			error_code = NULL, error_message = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING request_id, name, started_at
	`, []any{nullJSON(c.Output), c.TokensUsed, c.Cost, formatTime(at), formatTime(at), taskID},
		[]any{&requestID, &name, &startedAt}, func() *events.Record {
			meta := map[string]any{"tokens_used": c.TokensUsed, "cost": c.Cost}
			if started, err := parseNullTime(startedAt); err == nil && started != nil {
				meta["duration_ms"] = at.Sub(*started).Milliseconds()
			}
			return events.NewRecord(requestID, taskID, events.RecordTaskCompleted,
				fmt.Sprintf("Task completed: %s", name), events.ActorScheduler, meta, at)
		})
}

// RecordAttemptFailure increments retry_count on a running task and logs
// the failed attempt. The task stays running so the caller can retry.
func (s *SQLiteStore) RecordAttemptFailure(ctx context.Context, taskID, code, message, actor string, at time.Time) (bool, error) {
	var requestID string
	var attempt int
	return s.transition(ctx, `
		UPDATE tasks
		SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING request_id, retry_count
	`, []any{formatTime(at), taskID}, []any{&requestID, &attempt}, func() *events.Record {
		return failureRecord(requestID, taskID, code, message, actor, attempt, at)
	})
}

// FailTask marks a running task failed, increments retry_count and logs the failure.
func (s *SQLiteStore) FailTask(ctx context.Context, taskID, code, message, actor string, at time.Time) (bool, error) {
	var requestID string
	var attempt int
	return s.transition(ctx, `
		UPDATE tasks
		SET status = 'failed', error_code = ?, error_message = ?, output = NULL,
			retry_count = retry_count + 1, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING request_id, retry_count
	`, []any{code, message, formatTime(at), formatTime(at), taskID}, []any{&requestID, &attempt}, func() *events.Record {
		return failureRecord(requestID, taskID, code, message, actor, attempt, at)
	})
}

func failureRecord(requestID, taskID, code, message, actor string, attempt int, at time.Time) *events.Record {
	return events.NewRecord(requestID, taskID, events.RecordTaskFailed,
		fmt.Sprintf("Task failed: %s", message), actor,
		map[string]any{"error_code": code, "error": message, "attempt": attempt}, at)
}

// CancelTask fails a pending or running task with the given code. The
// failure is not counted against the retry budget.
func (s *SQLiteStore) CancelTask(ctx context.Context, taskID, code, reason string, at time.Time) (bool, error) {
	var id string
	return s.transition(ctx, `
		UPDATE tasks
		SET status = 'failed', error_code = ?, error_message = ?, output = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')
		RETURNING id
	`, []any{code, reason, formatTime(at), formatTime(at), taskID}, []any{&id}, nil)
}

// RequeueTask returns a failed task to pending. Error, output, timing and
// usage fields are cleared; retry_count is cleared only when resetRetries is set.
func (s *SQLiteStore) RequeueTask(ctx context.Context, taskID string, resetRetries bool, at time.Time) (bool, error) {
	var id string
	return s.transition(ctx, `
		UPDATE tasks
		SET status = 'pending', error_code = NULL, error_message = NULL, output = NULL,
			started_at = NULL, completed_at = NULL, provider = '', tokens_used = 0, cost = 0,
			retry_count = CASE WHEN ? THEN 0 ELSE retry_count END,
			updated_at = ?
		WHERE id = ? AND status = 'failed'
		RETURNING id
	`, []any{resetRetries, formatTime(at), taskID}, []any{&id}, nil)
}

// SetTaskError replaces the error code and message of a failed task.
func (s *SQLiteStore) SetTaskError(ctx context.Context, taskID, code, message string, at time.Time) (bool, error) {
	var id string
	return s.transition(ctx, `
		UPDATE tasks
		SET error_code = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'
		RETURNING id
	`, []any{code, message, formatTime(at), taskID}, []any{&id}, nil)
}
