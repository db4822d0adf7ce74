package listener

import (
	"context"
	"strings"
	"sync"

	"github.com/agentplane/agentplane/internal/store"
)

// checkpointTracker keeps per-runtime delivery checkpoints in memory and
// mirrors advances to the store. Events at or below the checkpoint are
// duplicates and must be dropped.
type checkpointTracker struct {
	store store.CheckpointStore

	mu          sync.Mutex
	checkpoints map[string]int64 // keyed by lower-cased runtime id
}

func newCheckpointTracker(s store.CheckpointStore) *checkpointTracker {
	return &checkpointTracker{
		store:       s,
		checkpoints: make(map[string]int64),
	}
}

// Load primes the in-memory table from the store.
func (c *checkpointTracker) Load(ctx context.Context) error {
	persisted, err := c.store.ListCheckpoints(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for runtimeID, deliveryID := range persisted {
		c.checkpoints[strings.ToLower(runtimeID)] = deliveryID
	}
	c.mu.Unlock()
	return nil
}

// Get returns the current checkpoint for a runtime, loading it from the
// store on first access.
func (c *checkpointTracker) Get(ctx context.Context, runtimeID string) int64 {
	key := strings.ToLower(runtimeID)

	c.mu.Lock()
	if deliveryID, ok := c.checkpoints[key]; ok {
		c.mu.Unlock()
		return deliveryID
	}
	c.mu.Unlock()

	deliveryID, err := c.store.GetCheckpoint(ctx, runtimeID)
	if err != nil {
		return 0
	}

	c.mu.Lock()
	if existing, ok := c.checkpoints[key]; !ok || deliveryID > existing {
		c.checkpoints[key] = deliveryID
	}
	deliveryID = c.checkpoints[key]
	c.mu.Unlock()
	return deliveryID
}

// ShouldProcess reports whether the event is new for the runtime.
func (c *checkpointTracker) ShouldProcess(ctx context.Context, runtimeID string, deliveryID int64) bool {
	return deliveryID > c.Get(ctx, runtimeID)
}

// Advance moves the checkpoint forward after an event has been durably
// processed. Regressions are ignored.
func (c *checkpointTracker) Advance(ctx context.Context, runtimeID string, deliveryID int64) error {
	key := strings.ToLower(runtimeID)

	c.mu.Lock()
	if deliveryID <= c.checkpoints[key] {
		c.mu.Unlock()
		return nil
	}
	c.checkpoints[key] = deliveryID
	c.mu.Unlock()

	return c.store.SaveCheckpoint(ctx, runtimeID, deliveryID)
}
