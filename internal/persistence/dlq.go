package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/contentflow/internal/events"
)

// DLQStatus is the resolution status of a dead letter entry.
type DLQStatus string

const (
	DLQPending       DLQStatus = "pending"
	DLQInvestigating DLQStatus = "investigating"
	DLQResolved      DLQStatus = "resolved"
	DLQWontFix       DLQStatus = "wont_fix"
)

// Open reports whether the entry still awaits an operator.
func (s DLQStatus) Open() bool {
	return s == DLQPending || s == DLQInvestigating
}

// Valid reports whether s is one of the known statuses.
func (s DLQStatus) Valid() bool {
	switch s {
	case DLQPending, DLQInvestigating, DLQResolved, DLQWontFix:
		return true
	}
	return false
}

// AttemptError is one failed attempt in an entry's error history.
type AttemptError struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorContext is the diagnostic snapshot captured when a task is sent to
// the dead letter queue.
type ErrorContext struct {
	LastError    string          `json:"last_error"`
	ErrorHistory []AttemptError  `json:"error_history"`
	Task         json.RawMessage `json:"task,omitempty"`
	Request      json.RawMessage `json:"request,omitempty"`
}

// DLQEntry is a durable record of a task that exhausted its retries.
type DLQEntry struct {
	ID               string       `json:"id"`
	RequestID        string       `json:"request_id"`
	TaskID           string       `json:"task_id"`
	TaskName         string       `json:"task_name"`
	AgentRole        string       `json:"agent_role"`
	FailureReason    string       `json:"failure_reason"`
	RetryCount       int          `json:"retry_count"`
	MaxRetries       int          `json:"max_retries"`
	FirstFailedAt    time.Time    `json:"first_failed_at"`
	FinalFailedAt    time.Time    `json:"final_failed_at"`
	ErrorContext     ErrorContext `json:"error_context"`
	ResolutionStatus DLQStatus    `json:"resolution_status"`
	ResolutionNotes  string       `json:"resolution_notes,omitempty"`
	ResolvedBy       string       `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// DLQFilter narrows ListDLQEntries. Zero fields do not filter.
type DLQFilter struct {
	Statuses  []DLQStatus
	AgentRole string
	TaskID    string
	Since     time.Time
}

const dlqColumns = `id, request_id, task_id, task_name, agent_role, failure_reason,
	retry_count, max_retries, first_failed_at, final_failed_at, error_context,
	resolution_status, resolution_notes, resolved_by, resolved_at, created_at`

// CreateDLQEntry inserts the entry unless the task already has an open one.
func (s *SQLiteStore) CreateDLQEntry(ctx context.Context, entry *DLQEntry) (bool, error) {
	errCtx, err := json.Marshal(entry.ErrorContext)
	if err != nil {
		return false, fmt.Errorf("failed to encode error context: %w", err)
	}

	// The partial unique index on open entries turns a duplicate into a no-op
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dlq_entries (`+dlqColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, entry.ID, entry.RequestID, entry.TaskID, entry.TaskName, entry.AgentRole, entry.FailureReason,
		entry.RetryCount, entry.MaxRetries, formatTime(entry.FirstFailedAt), formatTime(entry.FinalFailedAt), string(errCtx),
		entry.ResolutionStatus, entry.ResolutionNotes, entry.ResolvedBy, nullTime(entry.ResolvedAt), formatTime(entry.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert dlq entry: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// GetDLQEntry retrieves an entry by ID.
func (s *SQLiteStore) GetDLQEntry(ctx context.Context, entryID string) (*DLQEntry, error) {
	entry, err := scanDLQEntry(s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE id = ?`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dlq entry %s: %w", entryID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dlq entry: %w", err)
	}
	return entry, nil
}

// ListDLQEntries returns matching entries newest first.
func (s *SQLiteStore) ListDLQEntries(ctx context.Context, filter DLQFilter) ([]*DLQEntry, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "resolution_status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.AgentRole != "" {
		where = append(where, "agent_role = ?")
		args = append(args, filter.AgentRole)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	query := `SELECT ` + dlqColumns + ` FROM dlq_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []*DLQEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dlq entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dlq entries: %w", err)
	}
	return entries, nil
}

// UpdateDLQStatus sets an entry's resolution status and logs a dlq_resolved
// event. Closing statuses stamp resolved_by and resolved_at.
func (s *SQLiteStore) UpdateDLQStatus(ctx context.Context, entryID string, status DLQStatus, notes, actor string, at time.Time) error {
	var resolvedAt sql.NullString
	resolvedBy := ""
	if !status.Open() {
		resolvedAt = sql.NullString{String: formatTime(at), Valid: true}
		resolvedBy = actor
	}

	var requestID, taskID string
	ok, err := s.transition(ctx, `
		UPDATE dlq_entries
		SET resolution_status = ?, resolution_notes = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ?
		RETURNING request_id, task_id
	`, []any{status, notes, resolvedBy, resolvedAt, entryID}, []any{&requestID, &taskID}, func() *events.Record {
		return events.NewRecord(requestID, taskID, events.RecordDLQResolved,
			fmt.Sprintf("Dead letter entry marked %s", status), actor,
			map[string]any{"dlq_entry_id": entryID, "resolution_status": status, "notes": notes}, at)
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dlq entry %s: %w", entryID, ErrNotFound)
	}
	return nil
}

// ResolveOpenDLQEntries marks every open entry for the task resolved and
// returns how many were updated.
func (s *SQLiteStore) ResolveOpenDLQEntries(ctx context.Context, taskID, notes, actor string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlq_entries
		SET resolution_status = 'resolved', resolution_notes = ?, resolved_by = ?, resolved_at = ?
		WHERE task_id = ? AND resolution_status IN ('pending', 'investigating')
	`, notes, actor, formatTime(at), taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve dlq entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func scanDLQEntry(row rowScanner) (*DLQEntry, error) {
	e := &DLQEntry{}
	var (
		status                   string
		firstFailed, finalFailed string
		errCtx, createdAt        string
		resolvedAt               sql.NullString
	)

	err := row.Scan(&e.ID, &e.RequestID, &e.TaskID, &e.TaskName, &e.AgentRole, &e.FailureReason,
		&e.RetryCount, &e.MaxRetries, &firstFailed, &finalFailed, &errCtx,
		&status, &e.ResolutionNotes, &e.ResolvedBy, &resolvedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	e.ResolutionStatus = DLQStatus(status)
	if err := json.Unmarshal([]byte(errCtx), &e.ErrorContext); err != nil {
		return nil, fmt.Errorf("decoding error context of %s: %w", e.ID, err)
	}
	if e.FirstFailedAt, err = parseTime(firstFailed); err != nil {
		return nil, err
	}
	if e.FinalFailedAt, err = parseTime(finalFailed); err != nil {
		return nil, err
	}
	if e.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return e, nil
}
