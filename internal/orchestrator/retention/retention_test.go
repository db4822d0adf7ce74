package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/events/bus"
	"github.com/agentplane/agentplane/internal/lease"
	"github.com/agentplane/agentplane/internal/store"
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

func openTestStore(t *testing.T) (*sqlite.Store, *db.Pool) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "retention-test.db")
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
	return s, pool
}

// fakeSizeReporter serves a scripted sequence of sizes and records vacuums.
type fakeSizeReporter struct {
	sizes    []int64
	vacuumed bool
}

func (f *fakeSizeReporter) SizeBytes(context.Context) (int64, error) {
	if len(f.sizes) > 1 {
		size := f.sizes[0]
		f.sizes = f.sizes[1:]
		return size, nil
	}
	if len(f.sizes) == 1 {
		return f.sizes[0], nil
	}
	return 0, nil
}

func (f *fakeSizeReporter) Vacuum(context.Context) error {
	f.vacuumed = true
	return nil
}

func testRetentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		Enabled:                true,
		IntervalMinutes:        60,
		DisabledInactivityDays: 30,
		MaxTasksDeletedPerTick: 10,
		VacuumMinDeletedRows:   1,
	}
}

func newTestCleaner(t *testing.T, s *sqlite.Store, pool *db.Pool, cfg config.RetentionConfig, sizes *fakeSizeReporter) *Cleaner {
	log := newTestLogger(t)
	leases := lease.NewCoordinator(pool, "cleaner-under-test")
	return New(cfg, s, sizes, leases, bus.NewMemoryEventBus(log), log)
}

// createInactiveTask inserts a disabled task whose last activity is long
// past the inactivity window, with a terminal run and event rows so the
// cascade has something to remove.
func createInactiveTask(t *testing.T, s *sqlite.Store, id string) {
	t.Helper()
	ctx := context.Background()

	task := &store.Task{ID: id, Name: id, RepositoryID: "repo-1", Enabled: false}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTaskLastGitSync(ctx, id, time.Now().UTC().AddDate(0, 0, -90)); err != nil {
		t.Fatal(err)
	}

	run := &store.Run{RepositoryID: "repo-1", TaskID: id}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkRunCompleted(ctx, run.ID, store.RunCompletion{State: store.RunStateSucceeded}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendRunStructuredEvent(ctx, &store.RunStructuredEvent{
		RunID: run.ID, Sequence: 1, EventType: "message",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnce_DeletesInactiveTasks(t *testing.T) {
	s, pool := openTestStore(t)
	ctx := context.Background()

	createInactiveTask(t, s, "task-old")

	active := &store.Task{ID: "task-active", Name: "active", RepositoryID: "repo-1", Enabled: true}
	if err := s.CreateTask(ctx, active); err != nil {
		t.Fatal(err)
	}

	sizes := &fakeSizeReporter{sizes: []int64{5000}}
	cleaner := newTestCleaner(t, s, pool, testRetentionConfig(), sizes)

	summary := cleaner.RunOnce(ctx)
	if !summary.Executed {
		t.Fatal("Expected cleanup to execute")
	}
	if summary.Reason != ReasonAgeAndSize {
		t.Errorf("Expected reason %q, got %q", ReasonAgeAndSize, summary.Reason)
	}
	if summary.TasksDeleted != 1 || summary.FailedTasks != 0 {
		t.Errorf("Expected 1 task deleted, got %+v", summary)
	}
	if !summary.VacuumExecuted || !sizes.vacuumed {
		t.Error("Expected vacuum after deletions")
	}

	if _, err := s.GetTask(ctx, "task-old"); err != store.ErrNotFound {
		t.Errorf("Expected task-old gone, got %v", err)
	}
	if _, err := s.GetTask(ctx, "task-active"); err != nil {
		t.Errorf("Active task should survive: %v", err)
	}
}

func TestRunOnce_SkipsTasksWithActiveRuns(t *testing.T) {
	s, pool := openTestStore(t)
	ctx := context.Background()

	createInactiveTask(t, s, "task-old")
	// A queued run pins the task regardless of age.
	if err := s.CreateRun(ctx, &store.Run{RepositoryID: "repo-1", TaskID: "task-old"}); err != nil {
		t.Fatal(err)
	}

	cleaner := newTestCleaner(t, s, pool, testRetentionConfig(), &fakeSizeReporter{})
	summary := cleaner.RunOnce(ctx)
	if summary.TasksDeleted != 0 {
		t.Errorf("Task with a queued run must not be deleted: %+v", summary)
	}
	if _, err := s.GetTask(ctx, "task-old"); err != nil {
		t.Errorf("Task should survive: %v", err)
	}
}

func TestRunOnce_LeaseHeldElsewhere(t *testing.T) {
	s, pool := openTestStore(t)
	ctx := context.Background()

	createInactiveTask(t, s, "task-old")

	other := lease.NewCoordinator(pool, "another-instance")
	if err := other.Acquire(ctx, LeaseName, time.Minute); err != nil {
		t.Fatal(err)
	}

	cleaner := newTestCleaner(t, s, pool, testRetentionConfig(), &fakeSizeReporter{})
	summary := cleaner.RunOnce(ctx)
	if summary.Executed {
		t.Error("Expected Executed=false while the lease is held elsewhere")
	}
	if _, err := s.GetTask(ctx, "task-old"); err != nil {
		t.Errorf("Nothing should be deleted without the lease: %v", err)
	}

	// The other holder keeps the lease; a losing tick must not release it.
	owner, live, err := other.Holder(ctx, LeaseName)
	if err != nil {
		t.Fatal(err)
	}
	if !live || owner != "another-instance" {
		t.Errorf("Lease holder changed: owner=%q live=%v", owner, live)
	}
}

func TestRunOnce_SizeOnlyReason(t *testing.T) {
	s, pool := openTestStore(t)

	cfg := config.RetentionConfig{
		Enabled:                true,
		IntervalMinutes:        60,
		MaxTasksDeletedPerTick: 10,
		SoftLimitBytes:         100,
		TargetBytes:            50,
		VacuumMinDeletedRows:   1,
	}
	// Over the soft limit, but with no age criteria nothing is eligible and
	// the pressure loop stops without progress.
	sizes := &fakeSizeReporter{sizes: []int64{200}}
	cleaner := newTestCleaner(t, s, pool, cfg, sizes)

	summary := cleaner.RunOnce(context.Background())
	if !summary.Executed {
		t.Fatal("Expected cleanup to execute")
	}
	if summary.Reason != ReasonSizeOnly {
		t.Errorf("Expected reason %q, got %q", ReasonSizeOnly, summary.Reason)
	}
	if summary.TasksDeleted != 0 || summary.VacuumExecuted {
		t.Errorf("Expected no deletions and no vacuum: %+v", summary)
	}
	if summary.InitialBytes != 200 {
		t.Errorf("Expected initial bytes recorded, got %d", summary.InitialBytes)
	}
}

func TestRunOnce_SizePressureDeletesAndReportsSizeOnly(t *testing.T) {
	s, pool := openTestStore(t)
	ctx := context.Background()

	// An enabled task with only a terminal run: not age-eligible, but fair
	// game when the database is over its soft limit.
	task := &store.Task{ID: "task-bulky", Name: "bulky", RepositoryID: "repo-1", Enabled: true}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	run := &store.Run{RepositoryID: "repo-1", TaskID: "task-bulky"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkRunCompleted(ctx, run.ID, store.RunCompletion{State: store.RunStateSucceeded}); err != nil {
		t.Fatal(err)
	}

	cfg := config.RetentionConfig{
		Enabled:                true,
		IntervalMinutes:        60,
		MaxTasksDeletedPerTick: 10,
		SoftLimitBytes:         100,
		TargetBytes:            50,
		VacuumMinDeletedRows:   1,
	}
	// Over the limit until the pressure batch lands, then under target.
	sizes := &fakeSizeReporter{sizes: []int64{200, 200, 40}}
	cleaner := newTestCleaner(t, s, pool, cfg, sizes)

	summary := cleaner.RunOnce(ctx)
	if !summary.Executed {
		t.Fatal("Expected cleanup to execute")
	}
	// Only the pressure phase deleted, so the summary must not claim age
	// criteria fired.
	if summary.Reason != ReasonSizeOnly {
		t.Errorf("Expected reason %q, got %q", ReasonSizeOnly, summary.Reason)
	}
	if summary.TasksDeleted != 1 {
		t.Errorf("Expected 1 task deleted under pressure, got %+v", summary)
	}
	if !summary.VacuumExecuted {
		t.Error("Expected vacuum after pressure deletions")
	}
	if _, err := s.GetTask(ctx, "task-bulky"); err != store.ErrNotFound {
		t.Errorf("Expected task-bulky gone, got %v", err)
	}
}

func TestRunOnce_LeaseReleasedAfterTick(t *testing.T) {
	s, pool := openTestStore(t)
	ctx := context.Background()

	cleaner := newTestCleaner(t, s, pool, testRetentionConfig(), &fakeSizeReporter{})
	if summary := cleaner.RunOnce(ctx); !summary.Executed {
		t.Fatal("Expected cleanup to execute")
	}

	// The lease is released on the way out, so another instance can take it.
	other := lease.NewCoordinator(pool, "another-instance")
	if err := other.Acquire(ctx, LeaseName, time.Minute); err != nil {
		t.Errorf("Expected lease to be free after the tick: %v", err)
	}
}
