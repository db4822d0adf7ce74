package listener

import (
	"strings"
	"sync"
	"time"
)

// sequencer resolves per-run sequence numbers. Events that carry a
// sequence use it directly; events without one get a synthetic sequence
// derived from their timestamp, kept monotonically increasing per run even
// across reconnects.
type sequencer struct {
	mu         sync.Mutex
	watermarks map[string]int64 // keyed by lower-cased run id
}

func newSequencer() *sequencer {
	return &sequencer{watermarks: make(map[string]int64)}
}

// Resolve returns the sequence to store for an event. timestamp is the
// event's own timestamp, used to seed synthetic sequences.
func (s *sequencer) Resolve(runID string, sequence int64, timestamp time.Time) int64 {
	key := strings.ToLower(runID)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.watermarks[key]
	if sequence > 0 {
		if sequence > existing {
			s.watermarks[key] = sequence
		}
		return sequence
	}

	// 100 ns ticks keep synthetic sequences far above typical explicit
	// sequences, so interleaving cannot run backwards.
	seed := timestamp.UnixNano() / 100
	resolved := existing + 1
	if seed > resolved {
		resolved = seed
	}
	s.watermarks[key] = resolved
	return resolved
}

// Seed primes the watermark for a run, used on startup from the highest
// stored sequence.
func (s *sequencer) Seed(runID string, sequence int64) {
	key := strings.ToLower(runID)
	s.mu.Lock()
	if sequence > s.watermarks[key] {
		s.watermarks[key] = sequence
	}
	s.mu.Unlock()
}

// Forget drops the watermark for a terminal run.
func (s *sequencer) Forget(runID string) {
	s.mu.Lock()
	delete(s.watermarks, strings.ToLower(runID))
	s.mu.Unlock()
}
