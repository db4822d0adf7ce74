package health

import "sync"

const incidentRingCapacity = 200

// incidentRing is a bounded FIFO of recent incidents. Appending past
// capacity evicts the oldest entry.
type incidentRing struct {
	mu       sync.Mutex
	capacity int
	items    []Incident
}

func newIncidentRing(capacity int) *incidentRing {
	return &incidentRing{capacity: capacity}
}

func (r *incidentRing) Append(incident Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, incident)
	if len(r.items) > r.capacity {
		r.items = r.items[len(r.items)-r.capacity:]
	}
}

// Snapshot returns the buffered incidents, oldest first.
func (r *incidentRing) Snapshot() []Incident {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Incident, len(r.items))
	copy(out, r.items)
	return out
}
