package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/internal/common/tracing"
	"github.com/agentplane/agentplane/internal/store"
)

const runColumns = `id, repository_id, task_id, runtime_id, state, disposition, attempt, summary, output_json,
	result_envelope_ref, failure_class, pr_url, worker_image_ref, worker_image_digest, worker_image_source,
	execution_mode, structured_protocol, session_profile_id, instruction_stack_hash, mcp_config_snapshot_json,
	automation_run_id, created_at, started_at, ended_at, last_activity_at`

// CreateRun inserts a new run in the Queued state.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.State == "" {
		run.State = store.RunStateQueued
	}
	if run.Attempt < 1 {
		run.Attempt = 1
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.RepositoryID, run.TaskID, run.RuntimeID, run.State, run.Disposition, run.Attempt,
		run.Summary, run.OutputJSON, run.ResultEnvelopeRef, run.FailureClass, run.PRURL,
		run.WorkerImageRef, run.WorkerImageDigest, run.WorkerImageSource,
		run.ExecutionMode, run.StructuredProtocol, run.SessionProfileID, run.InstructionStackHash,
		run.MCPConfigSnapshotJSON, run.AutomationRunID,
		run.CreatedAt, run.StartedAt, run.EndedAt, run.LastActivityAt)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRunsByState returns all runs in the given state, oldest first.
func (s *Store) ListRunsByState(ctx context.Context, state string) ([]*store.Run, error) {
	ctx, span := tracing.Tracer("agentplane-db").Start(ctx, "db.ListRunsByState")
	defer span.End()
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM runs WHERE state = ? ORDER BY created_at
	`), state)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// MarkRunStarted transitions a run to Running and records the worker image.
func (s *Store) MarkRunStarted(ctx context.Context, runID, runtimeID, imageRef, imageDigest, imageSource string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs
		SET state = ?, runtime_id = ?, worker_image_ref = ?, worker_image_digest = ?, worker_image_source = ?,
			started_at = ?, last_activity_at = ?
		WHERE id = ? AND state NOT IN (?, ?)
	`), store.RunStateRunning, runtimeID, imageRef, imageDigest, imageSource, now, now,
		runID, store.RunStateSucceeded, store.RunStateFailed)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either missing or already terminal
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return store.ErrConflict
	}
	return nil
}

// MarkRunCompleted applies the terminal outcome. Returns (nil, nil) when the
// run is already terminal: no state change, and the caller must not publish
// or schedule a retry.
func (s *Store) MarkRunCompleted(ctx context.Context, runID string, completion store.RunCompletion) (*store.Run, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs
		SET state = ?, disposition = ?, summary = ?, output_json = ?, result_envelope_ref = ?,
			failure_class = ?, pr_url = ?, ended_at = ?
		WHERE id = ? AND state NOT IN (?, ?)
	`), completion.State, completion.Disposition, completion.Summary, completion.OutputJSON,
		completion.ResultEnvelopeRef, completion.FailureClass, completion.PRURL, now,
		runID, store.RunStateSucceeded, store.RunStateFailed)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Already terminal (or unknown); either way the completion is a no-op.
		return nil, nil
	}
	return s.GetRun(ctx, runID)
}

// SetRunDisposition overlays a disposition on a run without touching the
// terminal state, summary or timestamps.
func (s *Store) SetRunDisposition(ctx context.Context, runID, disposition string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET disposition = ? WHERE id = ?
	`), disposition, runID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TouchRunActivity refreshes the run's last-activity timestamp.
func (s *Store) TouchRunActivity(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET last_activity_at = ? WHERE id = ?
	`), time.Now().UTC(), runID)
	return err
}

// ClaimOldestQueuedRun claims the oldest Queued run for the task if the
// task's Running count is below the concurrency limit. The claim moves the
// run to Running inside the transaction, so a concurrent claimant can
// neither pick the same run nor push the task past its limit. A claim the
// dispatch cannot honor is undone with ReleaseClaimedRun.
func (s *Store) ClaimOldestQueuedRun(ctx context.Context, taskID string, concurrencyLimit int) (*store.Run, error) {
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var running int
	err = tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COUNT(*) FROM runs WHERE task_id = ? AND state = ?
	`), taskID, store.RunStateRunning).Scan(&running)
	if err != nil {
		return nil, err
	}
	if running >= concurrencyLimit {
		return nil, store.ErrNotFound
	}

	row := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT `+runColumns+` FROM runs
		WHERE task_id = ? AND state = ?
		ORDER BY created_at LIMIT 1
	`), taskID, store.RunStateQueued)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE runs SET state = ?, last_activity_at = ? WHERE id = ? AND state = ?
	`), store.RunStateRunning, now, run.ID, store.RunStateQueued)
	if err != nil {
		return nil, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, store.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	run.State = store.RunStateRunning
	run.LastActivityAt = &now
	return run, nil
}

// ReleaseClaimedRun returns a claimed run to the queue after a failed
// dispatch. Only a Running run not yet bound to a runtime can be released.
func (s *Store) ReleaseClaimedRun(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs SET state = ? WHERE id = ? AND state = ? AND runtime_id = ''
	`), store.RunStateQueued, runID, store.RunStateRunning)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CountRunsByTaskAndState returns the number of runs for a task in a state.
func (s *Store) CountRunsByTaskAndState(ctx context.Context, taskID, state string) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM runs WHERE task_id = ? AND state = ?
	`), taskID, state).Scan(&count)
	return count, err
}

// ListQueuedTaskIDs returns the distinct task IDs with at least one Queued run.
func (s *Store) ListQueuedTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT DISTINCT task_id FROM runs WHERE state = ?
	`), store.RunStateQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListKnownRunIDs returns every run ID in the store. Used by the orphan
// container reconciler.
func (s *Store) ListKnownRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT id FROM runs`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRunningWithoutActivitySince returns Running runs whose last activity
// (or start, if never active) is before the cutoff.
func (s *Store) ListRunningWithoutActivitySince(ctx context.Context, cutoff time.Time) ([]*store.Run, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM runs
		WHERE state = ? AND COALESCE(last_activity_at, started_at, created_at) < ?
	`), store.RunStateRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

// ListRunningStartedBefore returns Running runs started before the cutoff.
func (s *Store) ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*store.Run, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM runs
		WHERE state = ? AND COALESCE(started_at, created_at) < ?
	`), store.RunStateRunning, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.Run, error) {
	run := &store.Run{}
	var startedAt, endedAt, lastActivityAt sql.NullTime
	err := row.Scan(
		&run.ID, &run.RepositoryID, &run.TaskID, &run.RuntimeID, &run.State, &run.Disposition,
		&run.Attempt, &run.Summary, &run.OutputJSON, &run.ResultEnvelopeRef, &run.FailureClass,
		&run.PRURL, &run.WorkerImageRef, &run.WorkerImageDigest, &run.WorkerImageSource,
		&run.ExecutionMode, &run.StructuredProtocol, &run.SessionProfileID, &run.InstructionStackHash,
		&run.MCPConfigSnapshotJSON, &run.AutomationRunID,
		&run.CreatedAt, &startedAt, &endedAt, &lastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	if lastActivityAt.Valid {
		run.LastActivityAt = &lastActivityAt.Time
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*store.Run, error) {
	var result []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}
