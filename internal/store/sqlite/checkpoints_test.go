package sqlite

import (
	"context"
	"testing"
)

func TestCheckpoints_MonotonicAdvance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetCheckpoint(ctx, "rt-1")
	if err != nil || got != 0 {
		t.Fatalf("Expected 0 for unknown runtime, got %d err=%v", got, err)
	}

	if err := s.SaveCheckpoint(ctx, "rt-1", 10); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.GetCheckpoint(ctx, "rt-1"); got != 10 {
		t.Errorf("Expected 10, got %d", got)
	}

	// Lower or equal deliveryIds never move the checkpoint back.
	if err := s.SaveCheckpoint(ctx, "rt-1", 7); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(ctx, "rt-1", 10); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.GetCheckpoint(ctx, "rt-1"); got != 10 {
		t.Errorf("Checkpoint regressed to %d", got)
	}

	if err := s.SaveCheckpoint(ctx, "rt-1", 42); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.GetCheckpoint(ctx, "rt-1"); got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
}

func TestListCheckpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveCheckpoint(ctx, "rt-1", 5); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(ctx, "rt-2", 99); err != nil {
		t.Fatal(err)
	}

	checkpoints, err := s.ListCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(checkpoints) != 2 || checkpoints["rt-1"] != 5 || checkpoints["rt-2"] != 99 {
		t.Errorf("Unexpected checkpoints: %v", checkpoints)
	}
}
