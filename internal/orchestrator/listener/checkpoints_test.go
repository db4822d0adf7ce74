package listener

import (
	"context"
	"sync"
	"testing"
)

// fakeCheckpointStore is an in-memory store.CheckpointStore.
type fakeCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]int64
	saves       int
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{checkpoints: make(map[string]int64)}
}

func (f *fakeCheckpointStore) GetCheckpoint(_ context.Context, runtimeID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[runtimeID], nil
}

func (f *fakeCheckpointStore) SaveCheckpoint(_ context.Context, runtimeID string, deliveryID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if deliveryID > f.checkpoints[runtimeID] {
		f.checkpoints[runtimeID] = deliveryID
	}
	f.saves++
	return nil
}

func (f *fakeCheckpointStore) ListCheckpoints(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.checkpoints))
	for k, v := range f.checkpoints {
		out[k] = v
	}
	return out, nil
}

func TestCheckpointTracker_DropThenAdvance(t *testing.T) {
	ctx := context.Background()
	tracker := newCheckpointTracker(newFakeCheckpointStore())

	if !tracker.ShouldProcess(ctx, "rt-1", 1) {
		t.Fatal("First delivery should be processed")
	}
	if err := tracker.Advance(ctx, "rt-1", 5); err != nil {
		t.Fatal(err)
	}

	// At or below the checkpoint is a duplicate.
	if tracker.ShouldProcess(ctx, "rt-1", 5) {
		t.Error("Delivery at the checkpoint must be dropped")
	}
	if tracker.ShouldProcess(ctx, "rt-1", 3) {
		t.Error("Delivery below the checkpoint must be dropped")
	}
	if !tracker.ShouldProcess(ctx, "rt-1", 6) {
		t.Error("Delivery above the checkpoint must be processed")
	}
}

func TestCheckpointTracker_RegressionsIgnored(t *testing.T) {
	ctx := context.Background()
	backing := newFakeCheckpointStore()
	tracker := newCheckpointTracker(backing)

	if err := tracker.Advance(ctx, "rt-1", 10); err != nil {
		t.Fatal(err)
	}
	saves := backing.saves

	// A regressive advance neither moves the checkpoint nor hits the store.
	if err := tracker.Advance(ctx, "rt-1", 4); err != nil {
		t.Fatal(err)
	}
	if backing.saves != saves {
		t.Error("Regressive advance should not be persisted")
	}
	if tracker.Get(ctx, "rt-1") != 10 {
		t.Errorf("Checkpoint regressed to %d", tracker.Get(ctx, "rt-1"))
	}
}

func TestCheckpointTracker_LoadAndCaseInsensitivity(t *testing.T) {
	ctx := context.Background()
	backing := newFakeCheckpointStore()
	if err := backing.SaveCheckpoint(ctx, "RT-1", 42); err != nil {
		t.Fatal(err)
	}

	tracker := newCheckpointTracker(backing)
	if err := tracker.Load(ctx); err != nil {
		t.Fatal(err)
	}

	if got := tracker.Get(ctx, "rt-1"); got != 42 {
		t.Errorf("Expected loaded checkpoint 42, got %d", got)
	}
	if tracker.ShouldProcess(ctx, "Rt-1", 42) {
		t.Error("Checkpoint must apply across id casings")
	}
}

func TestCheckpointTracker_LazyLoadFromStore(t *testing.T) {
	ctx := context.Background()
	backing := newFakeCheckpointStore()
	if err := backing.SaveCheckpoint(ctx, "rt-1", 7); err != nil {
		t.Fatal(err)
	}

	// No Load: first access falls through to the store.
	tracker := newCheckpointTracker(backing)
	if tracker.ShouldProcess(ctx, "rt-1", 7) {
		t.Error("Persisted checkpoint must gate the first access")
	}
	if !tracker.ShouldProcess(ctx, "rt-1", 8) {
		t.Error("Delivery above the persisted checkpoint must be processed")
	}
}
