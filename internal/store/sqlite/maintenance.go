package sqlite

import (
	"context"
	"time"
)

// PruneStructuredEventsBefore deletes aged structured event rows in a
// bounded batch and returns the number of rows removed.
func (s *Store) PruneStructuredEventsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM run_structured_events
		WHERE (run_id, sequence) IN (
			SELECT run_id, sequence FROM run_structured_events
			WHERE timestamp < ? ORDER BY timestamp LIMIT ?
		)
	`), cutoff, limit)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
