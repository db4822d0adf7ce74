package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentplane/agentplane/internal/common/tracing"
	"github.com/agentplane/agentplane/internal/store"
)

const structuredEventColumns = `run_id, sequence, event_type, category, summary, error, payload_json, schema_version, timestamp`

// AppendRunStructuredEvent inserts the event if (runId, sequence) is new.
// On a duplicate it returns the stored row unchanged, which makes backlog
// replay idempotent.
func (s *Store) AppendRunStructuredEvent(ctx context.Context, event *store.RunStructuredEvent) (*store.RunStructuredEvent, error) {
	ctx, span := tracing.Tracer("agentplane-db").Start(ctx, "db.AppendRunStructuredEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO run_structured_events (`+structuredEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, sequence) DO NOTHING
	`), event.RunID, event.Sequence, event.EventType, event.Category, event.Summary, event.Error,
		event.PayloadJSON, event.SchemaVersion, event.Timestamp)
	if err != nil {
		return nil, err
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return event, nil
	}

	// Duplicate: fetch and return the stored row.
	stored := &store.RunStructuredEvent{}
	err = s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+structuredEventColumns+` FROM run_structured_events WHERE run_id = ? AND sequence = ?
	`), event.RunID, event.Sequence).Scan(
		&stored.RunID, &stored.Sequence, &stored.EventType, &stored.Category, &stored.Summary,
		&stored.Error, &stored.PayloadJSON, &stored.SchemaVersion, &stored.Timestamp)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListRunStructuredEvents returns structured events for a run ordered by
// sequence, after the given sequence, up to limit.
func (s *Store) ListRunStructuredEvents(ctx context.Context, runID string, afterSequence int64, limit int) ([]*store.RunStructuredEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+structuredEventColumns+` FROM run_structured_events
		WHERE run_id = ? AND sequence > ?
		ORDER BY sequence LIMIT ?
	`), runID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.RunStructuredEvent
	for rows.Next() {
		event := &store.RunStructuredEvent{}
		err := rows.Scan(&event.RunID, &event.Sequence, &event.EventType, &event.Category,
			&event.Summary, &event.Error, &event.PayloadJSON, &event.SchemaVersion, &event.Timestamp)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// MaxStructuredSequence returns the highest stored sequence for a run, or 0.
func (s *Store) MaxStructuredSequence(ctx context.Context, runID string) (int64, error) {
	var max sql.NullInt64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT MAX(sequence) FROM run_structured_events WHERE run_id = ?
	`), runID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// UpsertRunDiffSnapshot keeps the snapshot with the highest sequence. An
// older sequence never overwrites a newer one.
func (s *Store) UpsertRunDiffSnapshot(ctx context.Context, snapshot *store.RunDiffSnapshot) error {
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO run_diff_snapshots (run_id, sequence, diff_stat, diff_patch, schema_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			sequence = excluded.sequence,
			diff_stat = excluded.diff_stat,
			diff_patch = excluded.diff_patch,
			schema_version = excluded.schema_version,
			updated_at = excluded.updated_at
		WHERE excluded.sequence >= run_diff_snapshots.sequence
	`), snapshot.RunID, snapshot.Sequence, snapshot.DiffStat, snapshot.DiffPatch,
		snapshot.SchemaVersion, snapshot.UpdatedAt)
	return err
}

// GetRunDiffSnapshot returns the current diff snapshot for a run.
func (s *Store) GetRunDiffSnapshot(ctx context.Context, runID string) (*store.RunDiffSnapshot, error) {
	snapshot := &store.RunDiffSnapshot{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT run_id, sequence, diff_stat, diff_patch, schema_version, updated_at
		FROM run_diff_snapshots WHERE run_id = ?
	`), runID).Scan(&snapshot.RunID, &snapshot.Sequence, &snapshot.DiffStat, &snapshot.DiffPatch,
		&snapshot.SchemaVersion, &snapshot.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// UpsertRunToolProjection merges a tool timeline entry: sequenceStart takes
// the min and sequenceEnd the max of the stored and incoming values.
func (s *Store) UpsertRunToolProjection(ctx context.Context, projection *store.RunToolProjection) error {
	if projection.UpdatedAt.IsZero() {
		projection.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO run_tool_projections (run_id, tool_call_id, tool_name, status, sequence_start, sequence_end, input_json, output_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, tool_call_id) DO UPDATE SET
			tool_name = CASE WHEN excluded.tool_name != '' THEN excluded.tool_name ELSE run_tool_projections.tool_name END,
			status = CASE WHEN excluded.status != '' THEN excluded.status ELSE run_tool_projections.status END,
			sequence_start = MIN(run_tool_projections.sequence_start, excluded.sequence_start),
			sequence_end = MAX(run_tool_projections.sequence_end, excluded.sequence_end),
			input_json = CASE WHEN excluded.input_json != '' THEN excluded.input_json ELSE run_tool_projections.input_json END,
			output_json = CASE WHEN excluded.output_json != '' THEN excluded.output_json ELSE run_tool_projections.output_json END,
			updated_at = excluded.updated_at
	`), projection.RunID, projection.ToolCallID, projection.ToolName, projection.Status,
		projection.SequenceStart, projection.SequenceEnd, projection.InputJSON, projection.OutputJSON,
		projection.UpdatedAt)
	return err
}

// ListRunToolProjections returns tool timeline entries ordered by first
// appearance.
func (s *Store) ListRunToolProjections(ctx context.Context, runID string) ([]*store.RunToolProjection, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT run_id, tool_call_id, tool_name, status, sequence_start, sequence_end, input_json, output_json, updated_at
		FROM run_tool_projections WHERE run_id = ? ORDER BY sequence_start
	`), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.RunToolProjection
	for rows.Next() {
		p := &store.RunToolProjection{}
		err := rows.Scan(&p.RunID, &p.ToolCallID, &p.ToolName, &p.Status, &p.SequenceStart,
			&p.SequenceEnd, &p.InputJSON, &p.OutputJSON, &p.UpdatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// AppendRunLogEvent appends a plain log line for a run.
func (s *Store) AppendRunLogEvent(ctx context.Context, event *store.RunLogEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = "info"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO run_log_events (run_id, level, message, timestamp) VALUES (?, ?, ?, ?)
	`), event.RunID, event.Level, event.Message, event.Timestamp)
	return err
}

// ListRunLogEvents returns the most recent log lines for a run, oldest first.
func (s *Store) ListRunLogEvents(ctx context.Context, runID string, limit int) ([]*store.RunLogEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, run_id, level, message, timestamp FROM (
			SELECT id, run_id, level, message, timestamp
			FROM run_log_events WHERE run_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id
	`), runID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.RunLogEvent
	for rows.Next() {
		event := &store.RunLogEvent{}
		if err := rows.Scan(&event.ID, &event.RunID, &event.Level, &event.Message, &event.Timestamp); err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}
