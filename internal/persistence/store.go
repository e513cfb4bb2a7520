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

	"github.com/aristath/contentflow/internal/events"
	"github.com/aristath/contentflow/internal/scheduler"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// Completion carries what an agent reported for a successful task.
type Completion struct {
	Output     json.RawMessage
	TokensUsed int64
	Cost       float64
}

// TaskFilter narrows ListTasks. Zero fields do not filter.
type TaskFilter struct {
	RequestID      string
	Statuses       []scheduler.TaskStatus
	AgentRole      string
	StartedBefore  time.Time
	CreatedSince   time.Time
	CompletedSince time.Time
}

// RequestFilter narrows ListRequests. Zero fields do not filter.
type RequestFilter struct {
	Type         string
	CreatedSince time.Time
	Limit        int
}

// EventFilter narrows ListEvents. Zero fields do not filter.
type EventFilter struct {
	RequestID string
	TaskID    string
	Types     []string
	Since     time.Time
	Limit     int
}

// Repository is the durable store for requests, tasks, the event log and
// dead letter entries.
//
// Status transitions are conditional: each one applies only when the task
// is in the expected source state and reports whether it did. A second
// attempt to finalize a terminal task is a no-op that returns false.
type Repository interface {
	CreateRequest(ctx context.Context, req *scheduler.Request) error
	GetRequest(ctx context.Context, requestID string) (*scheduler.Request, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*scheduler.Request, error)

	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*scheduler.Task, error)

	// MarkRunning moves pending -> running.
	MarkRunning(ctx context.Context, taskID, provider string, at time.Time) (bool, error)
	// CompleteTask moves running -> completed.
	CompleteTask(ctx context.Context, taskID string, c Completion, at time.Time) (bool, error)
	// RecordAttemptFailure counts a failed attempt on a running task that
	// will be retried. The task stays running.
	RecordAttemptFailure(ctx context.Context, taskID, code, message, actor string, at time.Time) (bool, error)
	// FailTask moves running -> failed and counts the failure.
	FailTask(ctx context.Context, taskID, code, message, actor string, at time.Time) (bool, error)
	// CancelTask moves pending or running -> failed without counting a failure.
	CancelTask(ctx context.Context, taskID, code, reason string, at time.Time) (bool, error)
	// RequeueTask moves failed -> pending and clears error and output.
	RequeueTask(ctx context.Context, taskID string, resetRetries bool, at time.Time) (bool, error)
	// SetTaskError rewrites the error of a failed task.
	SetTaskError(ctx context.Context, taskID, code, message string, at time.Time) (bool, error)

	AppendEvent(ctx context.Context, rec *events.Record) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*events.Record, error)

	// CreateDLQEntry inserts an entry unless the task already has an open
	// one. Reports whether the entry was inserted.
	CreateDLQEntry(ctx context.Context, entry *DLQEntry) (bool, error)
	GetDLQEntry(ctx context.Context, entryID string) (*DLQEntry, error)
	ListDLQEntries(ctx context.Context, filter DLQFilter) ([]*DLQEntry, error)
	UpdateDLQStatus(ctx context.Context, entryID string, status DLQStatus, notes, actor string, at time.Time) error
	ResolveOpenDLQEntries(ctx context.Context, taskID, notes, actor string, at time.Time) (int, error)

	Close() error
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Pragmas in the DSN apply to every connection the pool opens
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database so tests never share state.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:contentflow-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: writes are serialized by the pool and an in-memory
	// database lives exactly as long as the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

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

// Timestamps are stored as fixed-width UTC text so that string comparison
// in SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
