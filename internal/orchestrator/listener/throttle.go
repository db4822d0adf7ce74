package listener

import (
	"strings"
	"sync"
	"time"
)

const (
	throttlePruneAge  = 15 * time.Minute
	throttlePruneSize = 2000
)

// publishThrottle coalesces per-run delta publications by type. A delta is
// published at most once per window per (runId, type).
type publishThrottle struct {
	mu         sync.Mutex
	windows    map[string]time.Duration // per delta type
	watermarks map[string]time.Time     // keyed by runId:type
}

func newPublishThrottle(diffWindow, toolWindow time.Duration) *publishThrottle {
	return &publishThrottle{
		windows: map[string]time.Duration{
			"diff": diffWindow,
			"tool": toolWindow,
		},
		watermarks: make(map[string]time.Time),
	}
}

// Allow reports whether a delta of the given type may be published for the
// run now, and records the publication when it may. Delta types without a
// configured window always pass.
func (t *publishThrottle) Allow(runID, deltaType string) bool {
	window, ok := t.windows[deltaType]
	if !ok || window <= 0 {
		return true
	}

	key := strings.ToLower(runID) + ":" + deltaType
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.watermarks[key]; ok && now.Sub(last) < window {
		return false
	}
	t.watermarks[key] = now

	if len(t.watermarks) > throttlePruneSize {
		cutoff := now.Add(-throttlePruneAge)
		for k, stamp := range t.watermarks {
			if stamp.Before(cutoff) {
				delete(t.watermarks, k)
			}
		}
	}
	return true
}
