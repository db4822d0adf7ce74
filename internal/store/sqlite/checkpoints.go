package sqlite

import (
	"context"
	"database/sql"
)

// GetCheckpoint returns the highest durably processed deliveryId for a
// runtime, or 0 when none is recorded.
func (s *Store) GetCheckpoint(ctx context.Context, runtimeID string) (int64, error) {
	var deliveryID int64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT last_delivery_id FROM task_runtime_event_checkpoints WHERE runtime_id = ?
	`), runtimeID).Scan(&deliveryID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return deliveryID, nil
}

// SaveCheckpoint advances the checkpoint monotonically. A deliveryId below
// the stored value is a no-op.
func (s *Store) SaveCheckpoint(ctx context.Context, runtimeID string, deliveryID int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_runtime_event_checkpoints (runtime_id, last_delivery_id)
		VALUES (?, ?)
		ON CONFLICT(runtime_id) DO UPDATE SET
			last_delivery_id = excluded.last_delivery_id
		WHERE excluded.last_delivery_id > task_runtime_event_checkpoints.last_delivery_id
	`), runtimeID, deliveryID)
	return err
}

// ListCheckpoints returns every persisted checkpoint keyed by runtimeId.
func (s *Store) ListCheckpoints(ctx context.Context) (map[string]int64, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT runtime_id, last_delivery_id FROM task_runtime_event_checkpoints`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	checkpoints := make(map[string]int64)
	for rows.Next() {
		var runtimeID string
		var deliveryID int64
		if err := rows.Scan(&runtimeID, &deliveryID); err != nil {
			return nil, err
		}
		checkpoints[runtimeID] = deliveryID
	}
	return checkpoints, rows.Err()
}
