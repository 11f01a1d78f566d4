package circuitbreaker

import (
	"sync"
)

// Registry holds one breaker per delivery destination, created lazily so
// callers never have to know the destination set up front.
type Registry struct {
	mu           sync.RWMutex
	destinations map[string]*Breaker
	config       Config
}

// NewRegistry creates a registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		destinations: make(map[string]*Breaker),
		config:       cfg,
	}
}

// For returns the breaker guarding a destination, creating it on first use.
func (r *Registry) For(destination string) *Breaker {
	r.mu.RLock()
	b, exists := r.destinations[destination]
	r.mu.RUnlock()

	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have won the race for the write lock.
	if b, exists = r.destinations[destination]; exists {
		return b
	}

	b = New(r.config)
	r.destinations[destination] = b
	return b
}

// Stats summarizes destination health across the registry.
type Stats struct {
	Total int // destinations tracked
	Open  int // destinations currently blocked
}

// Stats reports how many destinations are tracked and how many are blocked.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total: len(r.destinations),
	}
	for _, b := range r.destinations {
		if b.State() == Open {
			stats.Open++
		}
	}
	return stats
}
