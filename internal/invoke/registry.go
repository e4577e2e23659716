package invoke

import (
	"sync"

	"go.uber.org/zap"
)

// Registry is an in-memory agent directory implementing Lookup.
type Registry struct {
	agents map[string]*Descriptor
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Descriptor),
		logger: logger,
	}
}

// Register adds or replaces an agent descriptor.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[d.Ref] = d
	r.logger.Info("registered agent",
		zap.String("ref", d.Ref),
		zap.String("endpoint", d.Endpoint))
}

// Resolve returns the descriptor for an agent ref.
func (r *Registry) Resolve(ref string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[ref]
	return d, ok
}

// Remove deletes an agent by ref.
func (r *Registry) Remove(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[ref]; !ok {
		return false
	}
	delete(r.agents, ref)
	return true
}

// List returns all registered descriptors.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		result = append(result, d)
	}
	return result
}
