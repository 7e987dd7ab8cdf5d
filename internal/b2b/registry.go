package b2b

import (
	"sort"
	"sync"
	"time"

	"github.com/sebas/tandem/internal/metrics"
)

// CallEntry is the registry's view of one leg.
type CallEntry struct {
	LegID     string
	PeerID    string
	ALeg      bool
	Status    CallStatus
	LocalURI  string
	RemoteURI string
	OnHold    bool
	StartedAt time.Time
	UpdatedAt time.Time
}

// CallRegistry tracks live legs for introspection and shutdown. All
// methods must be safe for concurrent use.
type CallRegistry interface {
	AddCall(e CallEntry)
	UpdateCall(legID string, fn func(e *CallEntry))
	RemoveCall(legID string)
	Snapshot() []CallEntry
	Count() int
}

// InMemoryRegistry is the default CallRegistry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	calls map[string]CallEntry
}

// NewRegistry creates an empty in-memory registry.
func NewRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{calls: make(map[string]CallEntry)}
}

// AddCall registers a leg.
func (r *InMemoryRegistry) AddCall(e CallEntry) {
	now := time.Now()
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.UpdatedAt = now

	r.mu.Lock()
	_, existed := r.calls[e.LegID]
	r.calls[e.LegID] = e
	r.mu.Unlock()

	if !existed {
		metrics.ActiveLegs.Inc()
	}
}

// UpdateCall mutates a leg's entry in place. Unknown IDs are ignored.
func (r *InMemoryRegistry) UpdateCall(legID string, fn func(e *CallEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[legID]
	if !ok {
		return
	}
	fn(&e)
	e.UpdatedAt = time.Now()
	r.calls[legID] = e
}

// RemoveCall drops a leg.
func (r *InMemoryRegistry) RemoveCall(legID string) {
	r.mu.Lock()
	_, existed := r.calls[legID]
	delete(r.calls, legID)
	r.mu.Unlock()

	if existed {
		metrics.ActiveLegs.Dec()
	}
}

// Snapshot returns the current entries sorted by start time.
func (r *InMemoryRegistry) Snapshot() []CallEntry {
	r.mu.RLock()
	out := make([]CallEntry, 0, len(r.calls))
	for _, e := range r.calls {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of live legs.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

var _ CallRegistry = (*InMemoryRegistry)(nil)
