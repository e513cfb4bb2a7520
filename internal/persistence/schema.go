package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		intent TEXT,
		metadata TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		name TEXT NOT NULL,
		agent_role TEXT NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		retryable INTEGER NOT NULL DEFAULT 1,
		input TEXT,
		output TEXT,
		error_code TEXT,
		error_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		provider TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (request_id) REFERENCES requests(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_request_id ON tasks(request_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, started_at);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		actor TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_task_type ON events(task_id, event_type, id);
	CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id, id);

	CREATE TABLE IF NOT EXISTS dlq_entries (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		task_name TEXT NOT NULL,
		agent_role TEXT NOT NULL,
		failure_reason TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		first_failed_at TEXT NOT NULL,
		final_failed_at TEXT NOT NULL,
		error_context TEXT NOT NULL,
		resolution_status TEXT NOT NULL,
		resolution_notes TEXT NOT NULL DEFAULT '',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_status ON dlq_entries(resolution_status, created_at);

	-- At most one open entry per task
	CREATE UNIQUE INDEX IF NOT EXISTS idx_dlq_open_task
		ON dlq_entries(task_id) WHERE resolution_status IN ('pending', 'investigating');
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
