package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aristath/contentflow/internal/events"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, rec *events.Record) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO events (request_id, task_id, event_type, description, metadata, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RequestID, rec.TaskID, rec.Type, rec.Description, nullJSON(rec.Metadata), rec.Actor, formatTime(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", rec.Type, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// AppendEvent appends a record to the event log and sets its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, rec *events.Record) error {
	return insertEvent(ctx, s.db, rec)
}

// ListEvents returns matching records oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*events.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if len(filter.Types) > 0 {
		where = append(where, "event_type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(filter.Since))
	}

	query := `SELECT id, request_id, task_id, event_type, description, metadata, actor, timestamp FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		// Most recent N, still returned oldest first
		query = "SELECT * FROM (" + strings.Replace(query, "ORDER BY id", "ORDER BY id DESC", 1) + " LIMIT ?) ORDER BY id"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []*events.Record
	for rows.Next() {
		rec := &events.Record{}
		var metadata sql.NullString
		var ts string
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.TaskID, &rec.Type, &rec.Description, &metadata, &rec.Actor, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Metadata = rawJSON(metadata)
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return records, nil
}
