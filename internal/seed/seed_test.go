package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/store/sqlite"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "seed-test.db")
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

	s, err := sqlite.New(pool)
	if err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	return s
}

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write seed file: %v", err)
	}
	return path
}

const seedDocument = `
repositories:
  - id: repo-1
    name: backend
    gitUrl: https://example.com/org/backend.git
tasks:
  - id: task-1
    name: nightly-audit
    repositoryId: repo-1
    prompt: "Audit the dependency tree"
    retryPolicy:
      maxAttempts: 3
      baseDelaySeconds: 10
      multiplier: 2
  - id: task-2
    name: disabled-task
    repositoryId: repo-1
    enabled: false
`

func TestLoad_CreatesRowsWithDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := writeSeedFile(t, seedDocument)
	if err := Load(ctx, path, s, newTestLogger(t)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	repo, err := s.GetRepository(ctx, "repo-1")
	if err != nil {
		t.Fatalf("Repository not created: %v", err)
	}
	if repo.ShortName != "backend" {
		t.Errorf("Expected shortName to default to name, got %q", repo.ShortName)
	}
	if repo.DefaultBranch != "main" {
		t.Errorf("Expected default branch main, got %q", repo.DefaultBranch)
	}

	task, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("Task not created: %v", err)
	}
	if !task.Enabled {
		t.Error("Expected task enabled by default")
	}
	if task.ConcurrencyLimit != 1 {
		t.Errorf("Expected concurrency default 1, got %d", task.ConcurrencyLimit)
	}
	if task.RetryPolicy.MaxAttempts != 3 || task.RetryPolicy.Multiplier != 2 {
		t.Errorf("Retry policy not loaded: %+v", task.RetryPolicy)
	}

	disabled, err := s.GetTask(ctx, "task-2")
	if err != nil {
		t.Fatal(err)
	}
	if disabled.Enabled {
		t.Error("Expected task-2 disabled")
	}
}

func TestLoad_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	log := newTestLogger(t)

	path := writeSeedFile(t, seedDocument)
	if err := Load(ctx, path, s, log); err != nil {
		t.Fatal(err)
	}

	// Mutate a seeded task, then reload. Existing rows are left untouched.
	task, _ := s.GetTask(ctx, "task-1")
	task.Prompt = "operator override"
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	if err := Load(ctx, path, s, log); err != nil {
		t.Fatalf("Second load failed: %v", err)
	}
	reloaded, _ := s.GetTask(ctx, "task-1")
	if reloaded.Prompt != "operator override" {
		t.Errorf("Reload overwrote an existing row: %q", reloaded.Prompt)
	}

	tasks, _ := s.ListTasks(ctx)
	if len(tasks) != 2 {
		t.Errorf("Expected 2 tasks after reload, got %d", len(tasks))
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	s := openTestStore(t)
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")

	if err := Load(context.Background(), path, s, newTestLogger(t)); err != nil {
		t.Errorf("Missing seed file should be skipped, got %v", err)
	}
}

func TestLoad_InvalidEntriesRejected(t *testing.T) {
	s := openTestStore(t)
	log := newTestLogger(t)

	missingGitURL := writeSeedFile(t, `
repositories:
  - id: repo-1
    name: backend
`)
	if err := Load(context.Background(), missingGitURL, s, log); err == nil {
		t.Error("Expected error for repository without gitUrl")
	}

	missingRepoID := writeSeedFile(t, `
tasks:
  - id: task-1
    name: orphan
`)
	if err := Load(context.Background(), missingRepoID, s, log); err == nil {
		t.Error("Expected error for task without repositoryId")
	}
}
