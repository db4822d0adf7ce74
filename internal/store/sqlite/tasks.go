package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/internal/db/dialect"
	"github.com/agentplane/agentplane/internal/store"
)

const taskColumns = `id, name, repository_id, harness, prompt, command, retry_policy, artifact_policy,
	timeout_seconds, concurrency_limit, cron, enabled, has_open_findings, last_git_sync_at, last_run_at,
	created_at, updated_at`

// CreateTask inserts a new task.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.ConcurrencyLimit < 1 {
		task.ConcurrencyLimit = 1
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	policy, err := json.Marshal(task.RetryPolicy)
	if err != nil {
		policy = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.Name, task.RepositoryID, task.Harness, task.Prompt, task.Command, string(policy),
		task.ArtifactPolicy, task.TimeoutSeconds, task.ConcurrencyLimit, task.Cron,
		dialect.BoolToInt(task.Enabled), dialect.BoolToInt(task.HasOpenFindings),
		task.LastGitSyncAt, task.LastRunAt, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask updates an existing task.
func (s *Store) UpdateTask(ctx context.Context, task *store.Task) error {
	task.UpdatedAt = time.Now().UTC()

	policy, err := json.Marshal(task.RetryPolicy)
	if err != nil {
		policy = []byte("{}")
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET name = ?, repository_id = ?, harness = ?, prompt = ?, command = ?, retry_policy = ?,
			artifact_policy = ?, timeout_seconds = ?, concurrency_limit = ?, cron = ?, enabled = ?,
			has_open_findings = ?, updated_at = ?
		WHERE id = ?
	`), task.Name, task.RepositoryID, task.Harness, task.Prompt, task.Command, string(policy),
		task.ArtifactPolicy, task.TimeoutSeconds, task.ConcurrencyLimit, task.Cron,
		dialect.BoolToInt(task.Enabled), dialect.BoolToInt(task.HasOpenFindings), task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListTasks returns all tasks.
func (s *Store) ListTasks(ctx context.Context) ([]*store.Task, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// UpdateTaskLastGitSync records the completion of a run's git sync.
func (s *Store) UpdateTaskLastGitSync(ctx context.Context, taskID string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET last_git_sync_at = ?, last_run_at = ?, updated_at = ? WHERE id = ?
	`), syncedAt, syncedAt, time.Now().UTC(), taskID)
	return err
}

// HasActiveRuns reports whether a task has Queued or Running runs.
func (s *Store) HasActiveRuns(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM runs WHERE task_id = ? AND state IN (?, ?, ?)
	`), taskID, store.RunStateQueued, store.RunStatePendingApproval, store.RunStateRunning).Scan(&count)
	return count > 0, err
}

// ListCleanupEligibleTasks returns tasks eligible for retention deletion:
// older than MaxAgeDays, or disabled and inactive for DisabledInactivityDays.
// Tasks inside the protected window or with active runs are never returned.
func (s *Store) ListCleanupEligibleTasks(ctx context.Context, criteria store.CleanupCriteria) ([]*store.Task, error) {
	drv := s.ro.DriverName()

	eligible := "(1=0"
	args := []any{}
	if criteria.IgnoreAge {
		// Size pressure overrides the age gates; the protected window and
		// active-run checks below still apply.
		eligible = "(1=1"
	} else {
		if criteria.MaxAgeDays > 0 {
			eligible += fmt.Sprintf(" OR t.created_at < %s", dialect.NowMinusDays(drv, "?"))
			args = append(args, criteria.MaxAgeDays)
		}
		if criteria.DisabledInactivityDays > 0 {
			eligible += fmt.Sprintf(" OR (t.enabled = 0 AND COALESCE(t.last_run_at, t.updated_at) < %s)",
				dialect.NowMinusDays(drv, "?"))
			args = append(args, criteria.DisabledInactivityDays)
		}
	}
	eligible += ")"

	query := `
		SELECT ` + prefixColumns("t", taskColumns) + `
		FROM tasks t
		WHERE ` + eligible + `
		AND t.created_at < ` + dialect.NowMinusDays(drv, "?") + `
		AND NOT EXISTS (
			SELECT 1 FROM runs r WHERE r.task_id = t.id AND r.state IN (?, ?, ?)
		)`
	args = append(args, criteria.ProtectedDays,
		store.RunStateQueued, store.RunStatePendingApproval, store.RunStateRunning)

	if criteria.ExcludeOpenFindings {
		query += ` AND t.has_open_findings = 0`
	}
	query += ` ORDER BY t.created_at LIMIT ?`
	args = append(args, criteria.Limit)

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTasks(rows)
}

// DeleteTaskCascade removes a task and all dependent rows. Returns the total
// number of rows deleted across tables.
func (s *Store) DeleteTaskCascade(ctx context.Context, taskID string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	statements := []string{
		`DELETE FROM run_structured_events WHERE run_id IN (SELECT id FROM runs WHERE task_id = ?)`,
		`DELETE FROM run_diff_snapshots WHERE run_id IN (SELECT id FROM runs WHERE task_id = ?)`,
		`DELETE FROM run_tool_projections WHERE run_id IN (SELECT id FROM runs WHERE task_id = ?)`,
		`DELETE FROM run_log_events WHERE run_id IN (SELECT id FROM runs WHERE task_id = ?)`,
		`DELETE FROM artifacts WHERE run_id IN (SELECT id FROM runs WHERE task_id = ?)`,
		`DELETE FROM runs WHERE task_id = ?`,
		`DELETE FROM tasks WHERE id = ?`,
	}
	for _, stmt := range statements {
		result, err := tx.ExecContext(ctx, tx.Rebind(stmt), taskID)
		if err != nil {
			return 0, err
		}
		rows, _ := result.RowsAffected()
		total += rows
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func scanTask(row rowScanner) (*store.Task, error) {
	task := &store.Task{}
	var policy string
	var enabled, hasOpenFindings int
	var lastGitSyncAt, lastRunAt sql.NullTime
	err := row.Scan(
		&task.ID, &task.Name, &task.RepositoryID, &task.Harness, &task.Prompt, &task.Command,
		&policy, &task.ArtifactPolicy, &task.TimeoutSeconds, &task.ConcurrencyLimit, &task.Cron,
		&enabled, &hasOpenFindings, &lastGitSyncAt, &lastRunAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Enabled = enabled != 0
	task.HasOpenFindings = hasOpenFindings != 0
	if lastGitSyncAt.Valid {
		task.LastGitSyncAt = &lastGitSyncAt.Time
	}
	if lastRunAt.Valid {
		task.LastRunAt = &lastRunAt.Time
	}
	_ = json.Unmarshal([]byte(policy), &task.RetryPolicy)
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*store.Task, error) {
	var result []*store.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}
