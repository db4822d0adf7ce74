package lease

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/store"
	"github.com/agentplane/agentplane/internal/store/sqlite"
)

func openTestPool(t *testing.T) *db.Pool {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lease-test.db")
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

	// Runs the migrations that create the leases table.
	if _, err := sqlite.New(pool); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return pool
}

func TestAcquire_Exclusive(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	first := NewCoordinator(pool, "owner-1")
	second := NewCoordinator(pool, "owner-2")

	if err := first.Acquire(ctx, "cleanup", time.Minute); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	err := second.Acquire(ctx, "cleanup", time.Minute)
	if !errors.Is(err, store.ErrLeaseHeld) {
		t.Errorf("Expected ErrLeaseHeld for second owner, got %v", err)
	}

	owner, live, err := first.Holder(ctx, "cleanup")
	if err != nil {
		t.Fatal(err)
	}
	if !live || owner != "owner-1" {
		t.Errorf("Expected live lease held by owner-1, got owner=%q live=%v", owner, live)
	}
}

func TestAcquire_HolderExtends(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	c := NewCoordinator(pool, "owner-1")
	if err := c.Acquire(ctx, "cleanup", 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	// Re-acquire by the holder renews the expiry.
	if err := c.Acquire(ctx, "cleanup", time.Minute); err != nil {
		t.Fatalf("Renewal failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	_, live, err := c.Holder(ctx, "cleanup")
	if err != nil {
		t.Fatal(err)
	}
	if !live {
		t.Error("Expected renewed lease to still be live")
	}
}

func TestAcquire_ExpiredLeaseTakenOver(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	first := NewCoordinator(pool, "owner-1")
	second := NewCoordinator(pool, "owner-2")

	if err := first.Acquire(ctx, "cleanup", 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := second.Acquire(ctx, "cleanup", time.Minute); err != nil {
		t.Fatalf("Takeover of expired lease failed: %v", err)
	}
	owner, live, _ := second.Holder(ctx, "cleanup")
	if !live || owner != "owner-2" {
		t.Errorf("Expected owner-2 to hold the lease, got owner=%q live=%v", owner, live)
	}
}

func TestRelease(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	first := NewCoordinator(pool, "owner-1")
	second := NewCoordinator(pool, "owner-2")

	if err := first.Acquire(ctx, "cleanup", time.Minute); err != nil {
		t.Fatal(err)
	}

	// Release by a non-holder is a no-op.
	if err := second.Release(ctx, "cleanup"); err != nil {
		t.Fatal(err)
	}
	if _, live, _ := first.Holder(ctx, "cleanup"); !live {
		t.Fatal("Non-holder release removed the lease")
	}

	if err := first.Release(ctx, "cleanup"); err != nil {
		t.Fatal(err)
	}
	if _, live, _ := first.Holder(ctx, "cleanup"); live {
		t.Error("Expected lease gone after holder release")
	}

	if err := second.Acquire(ctx, "cleanup", time.Minute); err != nil {
		t.Errorf("Acquire after release failed: %v", err)
	}
}
