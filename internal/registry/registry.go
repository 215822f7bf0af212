package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide table of loaded modules. It is explicitly
// owned and passed by reference into each component constructor so tests
// can instantiate isolated daemons.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module // keyed by module ID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Add registers a newly loaded module. Adding an ID that already exists is
// an error; reloads go through Replace.
func (r *Registry) Add(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.ID()]; ok {
		return fmt.Errorf("module %q already registered", m.Name())
	}
	r.modules[m.ID()] = m
	return nil
}

// Get looks up a module by ID.
func (r *Registry) Get(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// GetByName looks up a module by its human-facing name.
func (r *Registry) GetByName(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.modules {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// List returns all modules sorted by name.
func (r *Registry) List() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Replace atomically swaps the entry for next.ID() with next. Used by the
// hot-reload coordinator after instance state has been migrated. Replacing
// an unknown ID is an error so a failed load can never half-register.
func (r *Registry) Replace(next Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[next.ID()]; !ok {
		return fmt.Errorf("module %q not registered", next.Name())
	}
	r.modules[next.ID()] = next
	return nil
}

// Remove unregisters a module. Explicit unload only; reload never removes.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, id)
}
