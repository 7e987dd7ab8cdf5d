package b2b

import (
	"fmt"
	"log/slog"
	"sync"
)

// Poster accepts events for one leg. Satisfied by *Actor; tests register
// simple recorders.
type Poster interface {
	Post(ev Event) error
}

// Directory is the event router: legs address each other by ID and never
// hold direct references. A missing target is reported to the sender,
// never fatal, so a leg that terminated a microsecond ago is handled the
// same as one that never existed.
type Directory struct {
	mu   sync.RWMutex
	legs map[string]Poster
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{legs: make(map[string]Poster)}
}

// Register makes a leg addressable. Re-registering an ID replaces the
// previous entry.
func (d *Directory) Register(id string, p Poster) {
	d.mu.Lock()
	d.legs[id] = p
	d.mu.Unlock()
}

// Unregister removes a leg. Events posted to it afterwards fail with
// ErrUnknownTarget.
func (d *Directory) Unregister(id string) {
	d.mu.Lock()
	delete(d.legs, id)
	d.mu.Unlock()
}

// PostEvent delivers an event to the named leg.
func (d *Directory) PostEvent(target string, ev Event) error {
	d.mu.RLock()
	p, ok := d.legs[target]
	d.mu.RUnlock()
	if !ok {
		slog.Debug("[Directory] Dropping event for unknown leg", "target", target, "event", eventName(ev))
		return fmt.Errorf("post %s to %q: %w", eventName(ev), target, ErrUnknownTarget)
	}
	return p.Post(ev)
}

// Count returns the number of registered legs.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.legs)
}

// IDs returns the registered leg IDs.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.legs))
	for id := range d.legs {
		out = append(out, id)
	}
	return out
}

var _ Poster = (*Actor)(nil)
