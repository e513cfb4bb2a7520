package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/scheduler"
)

// CreateRequest stores a request together with its tasks and dependency
// edges in one transaction, and logs a task_created event per task.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *scheduler.Request) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var metadata sql.NullString
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode request metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (id, type, title, intent, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.ID, req.Type, req.Title, nullJSON(req.Intent), metadata, formatTime(req.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert request %s: %w", req.ID, err)
	}

	for _, task := range req.Tasks {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, request_id, name, agent_role, sequence, status, retryable,
				input, output, error_code, error_message, retry_count, provider,
				tokens_used, cost, created_at, started_at, completed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, task.ID, req.ID, task.Name, task.AgentRole, task.Sequence, task.Status, task.Retryable,
			nullJSON(task.Input), nullJSON(task.Output), nullString(task.ErrorCode), nullString(task.ErrorMessage),
			task.RetryCount, task.Provider, task.TokensUsed, task.Cost, formatTime(task.CreatedAt),
			nullTime(task.StartedAt), nullTime(task.CompletedAt), formatTime(task.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}

	// Edges go in after every task row exists so foreign keys hold
	for _, task := range req.Tasks {
		for pos, depID := range task.DependsOn {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id, position)
				VALUES (?, ?, ?)
			`, task.ID, depID, pos)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
			}
		}
	}

	for _, task := range req.Tasks {
		rec := events.NewRecord(req.ID, task.ID, events.RecordTaskCreated,
			fmt.Sprintf("Task created: %s", task.Name), events.ActorScheduler,
			map[string]any{"agent_role": task.AgentRole, "depends_on": task.DependsOn}, req.CreatedAt)
		if err := insertEvent(ctx, tx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetRequest loads a request with all of its tasks.
func (s *SQLiteStore) GetRequest(ctx context.Context, requestID string) (*scheduler.Request, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, `
		SELECT id, type, title, intent, metadata, created_at
		FROM requests
		WHERE id = ?
	`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query request: %w", err)
	}

	tasks, err := s.ListTasks(ctx, TaskFilter{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	req.Tasks = tasks

	return req, nil
}

// ListRequests returns requests newest first, each with its tasks.
func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*scheduler.Request, error) {
	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.CreatedSince))
	}

	query := `SELECT id, type, title, intent, metadata, created_at FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}

	var requests []*scheduler.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}
	rows.Close()

	// Tasks are loaded after the cursor is released; the pool has one connection.
	for _, req := range requests {
		tasks, err := s.ListTasks(ctx, TaskFilter{RequestID: req.ID})
		if err != nil {
			return nil, err
		}
		req.Tasks = tasks
	}

	return requests, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*scheduler.Request, error) {
	req := &scheduler.Request{}
	var intent, metadata sql.NullString
	var createdAt string

	if err := row.Scan(&req.ID, &req.Type, &req.Title, &intent, &metadata, &createdAt); err != nil {
		return nil, err
	}

	req.Intent = rawJSON(intent)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &req.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of request %s: %w", req.ID, err)
		}
	}

	var err error
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
