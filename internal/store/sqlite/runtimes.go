package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/internal/db/dialect"
	"github.com/agentplane/agentplane/internal/store"
)

const runtimeColumns = `id, task_id, state, active_runs, max_parallel_runs, endpoint, proxy_endpoint,
	container_id, workspace_path, runtime_home_path, last_activity_at, inactive_after_at, last_error,
	cold_start_millis, restart_count, inactivity_cycles, created_at, updated_at`

// UpsertTaskRuntime inserts or replaces the runtime row. There is at most
// one runtime row per taskId.
func (s *Store) UpsertTaskRuntime(ctx context.Context, rt *store.TaskRuntime) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = now
	}
	rt.UpdatedAt = now
	if rt.LastActivityAt.IsZero() {
		rt.LastActivityAt = now
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_runtimes (`+runtimeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			state = excluded.state,
			active_runs = excluded.active_runs,
			max_parallel_runs = excluded.max_parallel_runs,
			endpoint = excluded.endpoint,
			proxy_endpoint = excluded.proxy_endpoint,
			container_id = excluded.container_id,
			workspace_path = excluded.workspace_path,
			runtime_home_path = excluded.runtime_home_path,
			last_activity_at = excluded.last_activity_at,
			inactive_after_at = excluded.inactive_after_at,
			last_error = excluded.last_error,
			cold_start_millis = excluded.cold_start_millis,
			restart_count = excluded.restart_count,
			inactivity_cycles = excluded.inactivity_cycles,
			updated_at = excluded.updated_at
	`), rt.ID, rt.TaskID, rt.State, rt.ActiveRuns, rt.MaxParallelRuns, rt.Endpoint, rt.ProxyEndpoint,
		rt.ContainerID, rt.WorkspacePath, rt.RuntimeHomePath, rt.LastActivityAt, rt.InactiveAfterAt,
		rt.LastError, rt.ColdStartMillis, rt.RestartCount, rt.InactivityCycles, rt.CreatedAt, rt.UpdatedAt)
	return err
}

// GetTaskRuntime retrieves a runtime by ID.
func (s *Store) GetTaskRuntime(ctx context.Context, id string) (*store.TaskRuntime, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+runtimeColumns+` FROM task_runtimes WHERE id = ?
	`), id)
	rt, err := scanRuntime(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// GetTaskRuntimeByTaskID retrieves the runtime owned by a task.
func (s *Store) GetTaskRuntimeByTaskID(ctx context.Context, taskID string) (*store.TaskRuntime, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+runtimeColumns+` FROM task_runtimes WHERE task_id = ?
	`), taskID)
	rt, err := scanRuntime(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// ListTaskRuntimes returns all runtime rows.
func (s *Store) ListTaskRuntimes(ctx context.Context) ([]*store.TaskRuntime, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+runtimeColumns+` FROM task_runtimes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.TaskRuntime
	for rows.Next() {
		rt, err := scanRuntime(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rt)
	}
	return result, rows.Err()
}

// UpdateTaskRuntimeState updates the state and last error of a runtime.
func (s *Store) UpdateTaskRuntimeState(ctx context.Context, id, state, lastError string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE task_runtimes SET state = ?, last_error = ?, updated_at = ? WHERE id = ?
	`), state, lastError, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteTaskRuntime removes a runtime row and its registration.
func (s *Store) DeleteTaskRuntime(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_runtime_registrations WHERE runtime_id = ?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM task_runtimes WHERE id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertRegistration inserts or updates a heartbeat registration.
func (s *Store) UpsertRegistration(ctx context.Context, reg *store.TaskRuntimeRegistration) error {
	if reg.LastHeartbeatAt.IsZero() {
		reg.LastHeartbeatAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_runtime_registrations (runtime_id, endpoint, active_slots, max_slots, online, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(runtime_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			active_slots = excluded.active_slots,
			max_slots = excluded.max_slots,
			online = excluded.online,
			last_heartbeat_at = excluded.last_heartbeat_at
	`), reg.RuntimeID, reg.Endpoint, reg.ActiveSlots, reg.MaxSlots, dialect.BoolToInt(reg.Online), reg.LastHeartbeatAt)
	return err
}

// ListRegistrations returns all heartbeat registrations.
func (s *Store) ListRegistrations(ctx context.Context) ([]*store.TaskRuntimeRegistration, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT runtime_id, endpoint, active_slots, max_slots, online, last_heartbeat_at
		FROM task_runtime_registrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.TaskRuntimeRegistration
	for rows.Next() {
		reg := &store.TaskRuntimeRegistration{}
		var online int
		if err := rows.Scan(&reg.RuntimeID, &reg.Endpoint, &reg.ActiveSlots, &reg.MaxSlots, &online, &reg.LastHeartbeatAt); err != nil {
			return nil, err
		}
		reg.Online = online != 0
		result = append(result, reg)
	}
	return result, rows.Err()
}

func scanRuntime(row rowScanner) (*store.TaskRuntime, error) {
	rt := &store.TaskRuntime{}
	var inactiveAfter sql.NullTime
	err := row.Scan(
		&rt.ID, &rt.TaskID, &rt.State, &rt.ActiveRuns, &rt.MaxParallelRuns, &rt.Endpoint, &rt.ProxyEndpoint,
		&rt.ContainerID, &rt.WorkspacePath, &rt.RuntimeHomePath, &rt.LastActivityAt, &inactiveAfter,
		&rt.LastError, &rt.ColdStartMillis, &rt.RestartCount, &rt.InactivityCycles, &rt.CreatedAt, &rt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if inactiveAfter.Valid {
		rt.InactiveAfterAt = &inactiveAfter.Time
	}
	return rt, nil
}
