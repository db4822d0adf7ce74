package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentplane/agentplane/internal/store"
)

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, s, "task-1")
	if run.State != store.RunStateQueued {
		t.Errorf("Expected new run Queued, got %s", run.State)
	}
	if run.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", run.Attempt)
	}

	if err := s.MarkRunStarted(ctx, run.ID, "rt-1", "img:latest", "sha256:abc", "pull"); err != nil {
		t.Fatalf("MarkRunStarted failed: %v", err)
	}
	started, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if started.State != store.RunStateRunning {
		t.Errorf("Expected Running, got %s", started.State)
	}
	if started.RuntimeID != "rt-1" || started.WorkerImageDigest != "sha256:abc" {
		t.Errorf("Worker facts not recorded: %+v", started)
	}
	if started.StartedAt == nil {
		t.Error("Expected startedAt set")
	}

	completed, err := s.MarkRunCompleted(ctx, run.ID, store.RunCompletion{
		State:   store.RunStateSucceeded,
		Summary: "done",
		PRURL:   "https://example.com/pr/1",
	})
	if err != nil {
		t.Fatalf("MarkRunCompleted failed: %v", err)
	}
	if completed == nil {
		t.Fatal("Expected completed run returned")
	}
	if completed.State != store.RunStateSucceeded || completed.EndedAt == nil {
		t.Errorf("Terminal facts missing: %+v", completed)
	}
}

func TestMarkRunCompleted_SingleTerminalTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, s, "task-1")
	if err := s.MarkRunStarted(ctx, run.ID, "rt-1", "", "", ""); err != nil {
		t.Fatal(err)
	}

	first, err := s.MarkRunCompleted(ctx, run.ID, store.RunCompletion{
		State: store.RunStateFailed, Summary: "boom", FailureClass: "Timeout",
	})
	if err != nil || first == nil {
		t.Fatalf("First completion failed: run=%v err=%v", first, err)
	}

	// A second completion is a no-op and must not rewrite terminal facts.
	second, err := s.MarkRunCompleted(ctx, run.ID, store.RunCompletion{
		State: store.RunStateSucceeded, Summary: "late success",
	})
	if err != nil {
		t.Fatalf("Second completion errored: %v", err)
	}
	if second != nil {
		t.Error("Expected nil run for duplicate completion")
	}

	current, _ := s.GetRun(ctx, run.ID)
	if current.State != store.RunStateFailed || current.Summary != "boom" {
		t.Errorf("Terminal facts rewritten: %+v", current)
	}
}

func TestMarkRunStarted_TerminalRunConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, s, "task-1")
	if _, err := s.MarkRunCompleted(ctx, run.ID, store.RunCompletion{State: store.RunStateFailed}); err != nil {
		t.Fatal(err)
	}

	err := s.MarkRunStarted(ctx, run.ID, "rt-1", "", "", "")
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("Expected ErrConflict starting a terminal run, got %v", err)
	}

	err = s.MarkRunStarted(ctx, "missing", "rt-1", "", "", "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown run, got %v", err)
	}
}

func TestSetRunDisposition_PreservesTerminalFacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, s, "task-1")
	completed, err := s.MarkRunCompleted(ctx, run.ID, store.RunCompletion{
		State: store.RunStateSucceeded, Summary: "ok",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SetRunDisposition(ctx, run.ID, store.RunDispositionObsolete); err != nil {
		t.Fatalf("SetRunDisposition failed: %v", err)
	}

	overlaid, _ := s.GetRun(ctx, run.ID)
	if overlaid.Disposition != store.RunDispositionObsolete {
		t.Errorf("Expected obsolete disposition, got %q", overlaid.Disposition)
	}
	if overlaid.State != store.RunStateSucceeded || overlaid.Summary != "ok" {
		t.Errorf("Disposition overlay redacted terminal facts: %+v", overlaid)
	}
	if overlaid.EndedAt == nil || !overlaid.EndedAt.Equal(*completed.EndedAt) {
		t.Error("Disposition overlay changed endedAt")
	}
}

func TestClaimOldestQueuedRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	older := &store.Run{TaskID: "task-1", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	if err := s.CreateRun(ctx, older); err != nil {
		t.Fatal(err)
	}
	newer := createTestRun(t, s, "task-1")

	claimed, err := s.ClaimOldestQueuedRun(ctx, "task-1", 1)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.ID != older.ID {
		t.Errorf("Expected oldest run %s, got %s", older.ID, claimed.ID)
	}
	if claimed.State != store.RunStateRunning {
		t.Errorf("Expected claimed run Running, got %s", claimed.State)
	}

	// The claim itself occupies the concurrency slot, so a second claimant
	// cannot pick up the newer run.
	_, err = s.ClaimOldestQueuedRun(ctx, "task-1", 1)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound at concurrency limit, got %v", err)
	}

	// Raising the limit frees the slot.
	claimed2, err := s.ClaimOldestQueuedRun(ctx, "task-1", 2)
	if err != nil {
		t.Fatalf("Claim at limit 2 failed: %v", err)
	}
	if claimed2.ID != newer.ID {
		t.Errorf("Expected %s, got %s", newer.ID, claimed2.ID)
	}
}

func TestClaimOldestQueuedRun_ClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, s, "task-1")

	first, err := s.ClaimOldestQueuedRun(ctx, "task-1", 1)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if first.ID != run.ID {
		t.Fatalf("Expected %s claimed, got %s", run.ID, first.ID)
	}

	// Before the claimant submits the run anywhere, a concurrent claim for
	// the same task must come back empty: the run is no longer Queued.
	if _, err := s.ClaimOldestQueuedRun(ctx, "task-1", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for concurrent claim, got %v", err)
	}

	current, _ := s.GetRun(ctx, run.ID)
	if current.State != store.RunStateRunning {
		t.Errorf("Expected claimed run Running, got %s", current.State)
	}
}

func TestReleaseClaimedRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, s, "task-1")
	if _, err := s.ClaimOldestQueuedRun(ctx, "task-1", 1); err != nil {
		t.Fatal(err)
	}

	// A failed dispatch requeues the claim.
	if err := s.ReleaseClaimedRun(ctx, run.ID); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	requeued, _ := s.GetRun(ctx, run.ID)
	if requeued.State != store.RunStateQueued {
		t.Errorf("Expected released run Queued, got %s", requeued.State)
	}

	// Once the run is bound to a runtime, release must refuse.
	if _, err := s.ClaimOldestQueuedRun(ctx, "task-1", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunStarted(ctx, run.ID, "rt-1", "", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseClaimedRun(ctx, run.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound releasing a submitted run, got %v", err)
	}
	current, _ := s.GetRun(ctx, run.ID)
	if current.State != store.RunStateRunning {
		t.Errorf("Submitted run must stay Running, got %s", current.State)
	}
}

func TestClaimOldestQueuedRun_EmptyQueue(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ClaimOldestQueuedRun(context.Background(), "task-none", 1)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestListQueuedTaskIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	createTestRun(t, s, "task-a")
	createTestRun(t, s, "task-a")
	createTestRun(t, s, "task-b")
	running := createTestRun(t, s, "task-c")
	if err := s.MarkRunStarted(ctx, running.ID, "rt-1", "", "", ""); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListQueuedTaskIDs(ctx)
	if err != nil {
		t.Fatalf("ListQueuedTaskIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected 2 tasks with queued runs, got %v", ids)
	}
}

func TestListRunningWithoutActivitySince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stale := createTestRun(t, s, "task-1")
	if err := s.MarkRunStarted(ctx, stale.ID, "rt-1", "", "", ""); err != nil {
		t.Fatal(err)
	}

	fresh := createTestRun(t, s, "task-2")
	if err := s.MarkRunStarted(ctx, fresh.ID, "rt-2", "", "", ""); err != nil {
		t.Fatal(err)
	}

	// Only the run whose activity predates the cutoff is reported.
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	if err := s.TouchRunActivity(ctx, fresh.ID); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRunningWithoutActivitySince(ctx, cutoff)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != stale.ID {
		t.Errorf("Expected only the stale run, got %v", runs)
	}
}
