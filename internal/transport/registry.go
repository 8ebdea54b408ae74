package transport

import (
	"fmt"
	"sync"
	"time"
)

// Registry maps live session ids to their transports so inbound POSTed
// messages can be routed to the right stream. It is created once at startup
// and injected wherever routing happens; there is no ambient global map.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]*SSETransport
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]*SSETransport),
	}
}

// Register indexes t under id. Session ids are minted from 128 random bits,
// so an existing entry means a caller bug and is rejected.
func (r *Registry) Register(id string, t *SSETransport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transports[id]; exists {
		return fmt.Errorf("session %s already registered", id)
	}
	r.transports[id] = t
	return nil
}

// Lookup returns the transport registered under id, if any.
func (r *Registry) Lookup(id string) (*SSETransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transports[id]
	return t, ok
}

// Remove deletes the entry for id. Removing an unknown id is a no-op so
// close and error paths can both attempt cleanup.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.transports)
}

// Expire removes and closes every transport idle since before cutoff,
// returning how many were reaped. Transports are closed outside the registry
// lock so close callbacks cannot deadlock against concurrent lookups.
func (r *Registry) Expire(cutoff time.Time) int {
	r.mu.Lock()
	var stale []*SSETransport
	for id, t := range r.transports {
		if t.LastUsed().Before(cutoff) {
			stale = append(stale, t)
			delete(r.transports, id)
		}
	}
	r.mu.Unlock()

	for _, t := range stale {
		t.Close()
	}
	return len(stale)
}
