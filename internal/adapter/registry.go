package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/modelgate/modelgate/internal/config"
)

// Registry maps provider type tags to adapter constructors. The provider
// set is small and fixed; registration happens at startup, lookups are
// read-only afterwards.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register binds a provider type to its constructor. Registering the
// same type twice replaces the earlier binding.
func (r *Registry) Register(providerType string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[providerType] = ctor
}

// Alias makes target resolve through the constructor registered for
// source (e.g. azure_openai behaves as openai).
func (r *Registry) Alias(target, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctor, ok := r.constructors[source]; ok {
		r.constructors[target] = ctor
	}
}

// IsSupported reports whether a provider type has a constructor.
func (r *Registry) IsSupported(providerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[providerType]
	return ok
}

// Types returns the registered provider type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create instantiates and validates an adapter for the given type.
func (r *Registry) Create(providerType string, cfg config.ProviderConfig) (Adapter, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[providerType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q", providerType)
	}

	a := ctor(cfg)
	if err := a.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", providerType, err)
	}
	return a, nil
}
