package resilience

import (
	"sort"
	"sync"
)

// Registry holds one independently stateful breaker per dependency name.
// main builds a single Registry and injects it; tests build their own.
type Registry struct {
	defaults BreakerSettings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry whose breakers use defaults.
func NewRegistry(defaults BreakerSettings) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the registry defaults.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.defaults)
	r.breakers[name] = b
	return b
}

// Register returns the breaker for name, creating it with settings if it does
// not exist yet. An existing breaker keeps its original settings.
func (r *Registry) Register(name string, settings BreakerSettings) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, settings)
	r.breakers[name] = b
	return b
}

// Snapshot returns the state of every breaker, sorted by name.
func (r *Registry) Snapshot() []BreakerSnapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
