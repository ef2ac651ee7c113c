package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the adapters a node runs and which of them are up.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
	down     map[Kind]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[Kind]Adapter),
		down:     make(map[Kind]bool),
	}
}

// Register adds an adapter. Each kind may be registered once.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Kind()]; exists {
		return fmt.Errorf("transport %s already registered", a.Kind())
	}
	r.adapters[a.Kind()] = a
	return nil
}

// Get returns an adapter by kind.
func (r *Registry) Get(kind Kind) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// All returns every registered adapter, fastest first.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sortByThroughput(out)
	return out
}

// Up returns adapters not marked down, fastest first.
func (r *Registry) Up() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.adapters))
	for kind, a := range r.adapters {
		if !r.down[kind] {
			out = append(out, a)
		}
	}
	sortByThroughput(out)
	return out
}

// IsUp reports whether kind is registered and not marked down.
func (r *Registry) IsUp(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[kind]
	return ok && !r.down[kind]
}

// MarkDown excludes an adapter from routing until MarkUp.
func (r *Registry) MarkDown(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down[kind] = true
}

// MarkUp re-enables an adapter.
func (r *Registry) MarkUp(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.down, kind)
}

// Close closes all registered adapters.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for _, a := range r.adapters {
		if err := a.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func sortByThroughput(adapters []Adapter) {
	sort.SliceStable(adapters, func(i, j int) bool {
		return adapters[i].Kind().ThroughputRank() > adapters[j].Kind().ThroughputRank()
	})
}
