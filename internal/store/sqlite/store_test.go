package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agentplane-test.db")
	writerRaw, err := db.OpenSQLite(path)
	if err != nil {
		t.Fatalf("Failed to open writer: %v", err)
	}
	readerRaw, err := db.OpenSQLiteReader(path)
	if err != nil {
		t.Fatalf("Failed to open reader: %v", err)
	}

	pool := db.NewPool(sqlx.NewDb(writerRaw, "sqlite3"), sqlx.NewDb(readerRaw, "sqlite3"))
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool)
	if err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	return s
}

func createTestRun(t *testing.T, s *Store, taskID string) *store.Run {
	t.Helper()
	run := &store.Run{RepositoryID: "repo-1", TaskID: taskID}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}
