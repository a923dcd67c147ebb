package backend

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory builds a backend from its configuration.
type Factory func(cfg Config, logger *slog.Logger) (Interface, error)

// BackendInfo describes a registered backend. Capabilities is set once the
// backend has been opened.
type BackendInfo struct {
	Name         string        `json:"name"`
	Open         bool          `json:"open"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// Registry holds the backend factories known to the process and the
// backends opened from them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	open      map[string]Interface
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		open:      make(map[string]Interface),
	}
}

// Register adds a backend factory under the given name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Open builds the named backend from cfg and records it. Opening a name
// that is already open returns an error.
func (r *Registry) Open(name string, cfg Config, logger *slog.Logger) (Interface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered: must be one of %v", name, r.namesLocked())
	}
	if _, ok := r.open[name]; ok {
		return nil, fmt.Errorf("backend %q is already open", name)
	}

	b, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open backend %q: %w", name, err)
	}
	r.open[name] = b
	return b, nil
}

// Get returns the open backend registered under name.
func (r *Registry) Get(name string) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.open[name]
	return b, ok
}

// Names returns the registered factory names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.factories))
	for _, name := range r.namesLocked() {
		info := BackendInfo{Name: name}
		if b, ok := r.open[name]; ok {
			caps := b.Capabilities()
			info.Open = true
			info.Capabilities = &caps
		}
		infos = append(infos, info)
	}
	return infos
}

// CleanupAll cleans up every open backend.
func (r *Registry) CleanupAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.open {
		b.Cleanup()
	}
}
