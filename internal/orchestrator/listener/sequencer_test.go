package listener

import (
	"testing"
	"time"
)

func TestSequencer_ExplicitSequences(t *testing.T) {
	s := newSequencer()
	ts := time.Now()

	if got := s.Resolve("run-1", 5, ts); got != 5 {
		t.Errorf("Expected sequence 5, got %d", got)
	}
	if got := s.Resolve("run-1", 6, ts); got != 6 {
		t.Errorf("Expected sequence 6, got %d", got)
	}

	// An out-of-order explicit sequence passes through unchanged; the
	// watermark keeps the maximum.
	if got := s.Resolve("run-1", 3, ts); got != 3 {
		t.Errorf("Expected sequence 3 returned as-is, got %d", got)
	}
	synthetic := s.Resolve("run-1", 0, time.Unix(0, 0))
	if synthetic != 7 {
		t.Errorf("Expected synthetic sequence 7 after watermark 6, got %d", synthetic)
	}
}

func TestSequencer_SyntheticFromTimestamp(t *testing.T) {
	s := newSequencer()
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	got := s.Resolve("run-1", 0, ts)
	want := ts.UnixNano() / 100
	if got != want {
		t.Errorf("Expected timestamp-derived sequence %d, got %d", want, got)
	}
}

func TestSequencer_SyntheticCollisions(t *testing.T) {
	s := newSequencer()
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Repeated identical timestamps must still produce strictly increasing
	// sequences.
	prev := int64(0)
	for i := 0; i < 10; i++ {
		got := s.Resolve("run-1", 0, ts)
		if got <= prev {
			t.Fatalf("Sequence went backwards at iteration %d: %d <= %d", i, got, prev)
		}
		prev = got
	}
}

func TestSequencer_PerRunIsolation(t *testing.T) {
	s := newSequencer()
	ts := time.Now()

	s.Resolve("run-a", 100, ts)
	if got := s.Resolve("run-b", 1, ts); got != 1 {
		t.Errorf("Expected run-b watermark independent of run-a, got %d", got)
	}
}

func TestSequencer_SeedAndForget(t *testing.T) {
	s := newSequencer()

	s.Seed("run-1", 50)
	got := s.Resolve("run-1", 0, time.Unix(0, 0))
	if got != 51 {
		t.Errorf("Expected seeded watermark to yield 51, got %d", got)
	}

	// Seeding lower than the watermark is a no-op.
	s.Seed("run-1", 10)
	got = s.Resolve("run-1", 0, time.Unix(0, 0))
	if got != 52 {
		t.Errorf("Expected 52 after low seed ignored, got %d", got)
	}

	s.Forget("run-1")
	got = s.Resolve("run-1", 0, time.Unix(0, 1000))
	if got != 10 { // 1000ns / 100
		t.Errorf("Expected fresh timestamp-derived sequence after forget, got %d", got)
	}
}

func TestSequencer_CaseInsensitiveRunIDs(t *testing.T) {
	s := newSequencer()
	ts := time.Now()

	s.Resolve("RUN-1", 5, ts)
	synthetic := s.Resolve("run-1", 0, time.Unix(0, 0))
	if synthetic != 6 {
		t.Errorf("Expected shared watermark across run id casings, got %d", synthetic)
	}
}
