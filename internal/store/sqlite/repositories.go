package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/internal/store"
)

const repositoryColumns = `id, name, short_name, git_url, default_branch, local_path, created_at, updated_at`

// CreateRepository inserts a new repository.
func (s *Store) CreateRepository(ctx context.Context, repo *store.Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	repo.CreatedAt = now
	repo.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO repositories (`+repositoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), repo.ID, repo.Name, repo.ShortName, repo.GitURL, repo.DefaultBranch, repo.LocalPath,
		repo.CreatedAt, repo.UpdatedAt)
	return err
}

// GetRepository retrieves a repository by ID.
func (s *Store) GetRepository(ctx context.Context, id string) (*store.Repository, error) {
	repo := &store.Repository{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+repositoryColumns+` FROM repositories WHERE id = ?
	`), id).Scan(&repo.ID, &repo.Name, &repo.ShortName, &repo.GitURL, &repo.DefaultBranch,
		&repo.LocalPath, &repo.CreatedAt, &repo.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// ListRepositories returns all repositories.
func (s *Store) ListRepositories(ctx context.Context) ([]*store.Repository, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*store.Repository
	for rows.Next() {
		repo := &store.Repository{}
		err := rows.Scan(&repo.ID, &repo.Name, &repo.ShortName, &repo.GitURL, &repo.DefaultBranch,
			&repo.LocalPath, &repo.CreatedAt, &repo.UpdatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, repo)
	}
	return result, rows.Err()
}
