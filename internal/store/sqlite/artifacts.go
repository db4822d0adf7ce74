package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentplane/agentplane/internal/store"
)

// SaveArtifactMeta replaces the artifact row keyed by (runId, fileName).
func (s *Store) SaveArtifactMeta(ctx context.Context, artifact *store.Artifact) error {
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO artifacts (run_id, file_name, sha256, size_bytes, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, file_name) DO UPDATE SET
			sha256 = excluded.sha256,
			size_bytes = excluded.size_bytes,
			content_type = excluded.content_type,
			created_at = excluded.created_at
	`), artifact.RunID, artifact.FileName, artifact.SHA256, artifact.SizeBytes,
		artifact.ContentType, artifact.CreatedAt)
	return err
}

// ListArtifacts returns the artifact metadata rows for a run.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*store.Artifact, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT run_id, file_name, sha256, size_bytes, content_type, created_at
		FROM artifacts WHERE run_id = ? ORDER BY file_name
	`), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.Artifact
	for rows.Next() {
		artifact := &store.Artifact{}
		err := rows.Scan(&artifact.RunID, &artifact.FileName, &artifact.SHA256,
			&artifact.SizeBytes, &artifact.ContentType, &artifact.CreatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, artifact)
	}
	return result, rows.Err()
}

// SumArtifactBytes returns the total persisted artifact bytes for a run.
func (s *Store) SumArtifactBytes(ctx context.Context, runID string) (int64, error) {
	var sum sql.NullInt64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT SUM(size_bytes) FROM artifacts WHERE run_id = ?
	`), runID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	if !sum.Valid {
		return 0, nil
	}
	return sum.Int64, nil
}
