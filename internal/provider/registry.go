package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps model ids onto provider instances. It is constructed by the
// caller and handed to each session explicitly; there is no process-wide
// registry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]GenerationProvider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]GenerationProvider),
	}
}

// Register binds modelID to p, replacing any previous binding.
func (r *Registry) Register(modelID string, p GenerationProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[modelID] = p
}

// Resolve returns the provider serving modelID.
func (r *Registry) Resolve(modelID string) (GenerationProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return p, nil
}

// Models lists the registered model ids in sorted order.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
