// Package sqlite provides the sqlx-based store implementation. It runs on
// SQLite by default and on PostgreSQL through the pgx stdlib driver; all
// queries go through Rebind and the dialect helpers.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/agentplane/agentplane/internal/db"
)

// prefixColumns qualifies every column in a comma-separated list with a
// table alias, for queries that join.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Store implements store.Store on a relational database.
type Store struct {
	db   *sqlx.DB // writer
	ro   *sqlx.DB // reader (read-only pool)
	pool *db.Pool
}

// New creates a Store on the given pool and initialises the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader(), pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// DB returns the underlying writer for shared access (lease coordinator).
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Pool returns the underlying pool (size checks, vacuum).
func (s *Store) Pool() *db.Pool {
	return s.pool
}

// initSchema creates the database tables if they don't exist
func (s *Store) initSchema() error {
	if err := s.initRunSchema(); err != nil {
		return err
	}
	if err := s.initTaskSchema(); err != nil {
		return err
	}
	if err := s.initRuntimeSchema(); err != nil {
		return err
	}
	if err := s.initEventSchema(); err != nil {
		return err
	}
	return s.initInfraSchema()
}

func (s *Store) initRunSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		runtime_id TEXT DEFAULT '',
		state TEXT NOT NULL DEFAULT 'QUEUED',
		disposition TEXT DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 1,
		summary TEXT DEFAULT '',
		output_json TEXT DEFAULT '',
		result_envelope_ref TEXT DEFAULT '',
		failure_class TEXT DEFAULT '',
		pr_url TEXT DEFAULT '',
		worker_image_ref TEXT DEFAULT '',
		worker_image_digest TEXT DEFAULT '',
		worker_image_source TEXT DEFAULT '',
		execution_mode TEXT DEFAULT '',
		structured_protocol TEXT DEFAULT '',
		session_profile_id TEXT DEFAULT '',
		instruction_stack_hash TEXT DEFAULT '',
		mcp_config_snapshot_json TEXT DEFAULT '',
		automation_run_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		last_activity_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
	CREATE INDEX IF NOT EXISTS idx_runs_task_state ON runs(task_id, state);
	CREATE INDEX IF NOT EXISTS idx_runs_runtime_id ON runs(runtime_id);
	`)
	return err
}

func (s *Store) initTaskSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repository_id TEXT NOT NULL DEFAULT '',
		harness TEXT DEFAULT '',
		prompt TEXT DEFAULT '',
		command TEXT DEFAULT '',
		retry_policy TEXT DEFAULT '{}',
		artifact_policy TEXT DEFAULT '',
		timeout_seconds INTEGER DEFAULT 0,
		concurrency_limit INTEGER NOT NULL DEFAULT 1,
		cron TEXT DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		has_open_findings INTEGER NOT NULL DEFAULT 0,
		last_git_sync_at TIMESTAMP,
		last_run_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		short_name TEXT NOT NULL DEFAULT '',
		git_url TEXT NOT NULL DEFAULT '',
		default_branch TEXT DEFAULT '',
		local_path TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_enabled ON tasks(enabled);
	CREATE INDEX IF NOT EXISTS idx_tasks_repository_id ON tasks(repository_id);
	`)
	return err
}

func (s *Store) initRuntimeSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_runtimes (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL UNIQUE,
		state TEXT NOT NULL DEFAULT 'PROVISIONING',
		active_runs INTEGER NOT NULL DEFAULT 0,
		max_parallel_runs INTEGER NOT NULL DEFAULT 1,
		endpoint TEXT DEFAULT '',
		proxy_endpoint TEXT DEFAULT '',
		container_id TEXT DEFAULT '',
		workspace_path TEXT DEFAULT '',
		runtime_home_path TEXT DEFAULT '',
		last_activity_at TIMESTAMP NOT NULL,
		inactive_after_at TIMESTAMP,
		last_error TEXT DEFAULT '',
		cold_start_millis INTEGER DEFAULT 0,
		restart_count INTEGER NOT NULL DEFAULT 0,
		inactivity_cycles INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_runtime_registrations (
		runtime_id TEXT PRIMARY KEY,
		endpoint TEXT DEFAULT '',
		active_slots INTEGER NOT NULL DEFAULT 0,
		max_slots INTEGER NOT NULL DEFAULT 1,
		online INTEGER NOT NULL DEFAULT 0,
		last_heartbeat_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_runtimes_state ON task_runtimes(state);
	`)
	return err
}

func (s *Store) initEventSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS run_structured_events (
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		category TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		error TEXT DEFAULT '',
		payload_json TEXT DEFAULT '',
		schema_version TEXT DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, sequence)
	);

	CREATE TABLE IF NOT EXISTS run_diff_snapshots (
		run_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		diff_stat TEXT DEFAULT '',
		diff_patch TEXT DEFAULT '',
		schema_version TEXT DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_tool_projections (
		run_id TEXT NOT NULL,
		tool_call_id TEXT NOT NULL,
		tool_name TEXT DEFAULT '',
		status TEXT DEFAULT '',
		sequence_start INTEGER NOT NULL,
		sequence_end INTEGER NOT NULL,
		input_json TEXT DEFAULT '',
		output_json TEXT DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, tool_call_id)
	);

	CREATE TABLE IF NOT EXISTS run_log_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		run_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		sha256 TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		content_type TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, file_name)
	);

	CREATE INDEX IF NOT EXISTS idx_structured_events_timestamp ON run_structured_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_run_log_events_run_id ON run_log_events(run_id);
	`)
	return err
}

func (s *Store) initInfraSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS leases (
		lease_name TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_runtime_event_checkpoints (
		runtime_id TEXT PRIMARY KEY,
		last_delivery_id INTEGER NOT NULL DEFAULT 0
	);
	`)
	return err
}
