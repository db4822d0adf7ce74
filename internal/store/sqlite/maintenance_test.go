package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/agentplane/agentplane/internal/store"
)

func TestPruneStructuredEventsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for seq, age := range map[int64]time.Duration{
		1: 72 * time.Hour,
		2: 48 * time.Hour,
		3: time.Hour,
	} {
		_, err := s.AppendRunStructuredEvent(ctx, &store.RunStructuredEvent{
			RunID:     "run-1",
			Sequence:  seq,
			EventType: "message",
			Timestamp: now.Add(-age),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := s.PruneStructuredEventsBefore(ctx, now.Add(-24*time.Hour), 100)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("Expected 2 rows pruned, got %d", pruned)
	}

	remaining, err := s.ListRunStructuredEvents(ctx, "run-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Sequence != 3 {
		t.Errorf("Expected only the recent event left, got %v", remaining)
	}
}

func TestPruneStructuredEventsBefore_BatchLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	for seq := int64(1); seq <= 5; seq++ {
		_, err := s.AppendRunStructuredEvent(ctx, &store.RunStructuredEvent{
			RunID: "run-1", Sequence: seq, EventType: "message", Timestamp: old,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := s.PruneStructuredEventsBefore(ctx, time.Now().UTC(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 3 {
		t.Errorf("Expected batch of 3, got %d", pruned)
	}

	pruned, err = s.PruneStructuredEventsBefore(ctx, time.Now().UTC(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 2 {
		t.Errorf("Expected remaining 2, got %d", pruned)
	}
}
