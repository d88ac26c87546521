// Package registry maps self-declared agent identifiers to their live
// connections.
package registry

import (
	"sync"

	"github.com/fleetrelay/fleetrelay/pkg/link"
)

type Registry interface {
	// Upsert overwrites unconditionally. A previous link stored under the
	// same identifier is silently dereferenced, never closed: last
	// identify wins, the orphaned connection is simply no longer routable.
	Upsert(id string, l *link.AgentLink)
	Lookup(id string) (*link.AgentLink, bool)
	// Remove is a no-op when the identifier is absent.
	Remove(id string)
	// Identifiers returns a point-in-time snapshot in unspecified order.
	Identifiers() []string
	Len() int
}

type inMemRegistry struct {
	mu    sync.RWMutex
	links map[string]*link.AgentLink
}

func New() Registry {
	return &inMemRegistry{
		links: map[string]*link.AgentLink{},
	}
}

func (r *inMemRegistry) Upsert(id string, l *link.AgentLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[id] = l
}

func (r *inMemRegistry) Lookup(id string) (*link.AgentLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	got, ok := r.links[id]
	return got, ok
}

func (r *inMemRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, id)
}

func (r *inMemRegistry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.links))
	for id := range r.links {
		ids = append(ids, id)
	}
	return ids
}

func (r *inMemRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}
