// Package plugin tracks the extension plugins registered with the driver.
//
// Every object the factory builds carries a Slots area with one entry per
// plugin registered at build time. Plugins may only register while the
// registry is open; the factory seals it on first use, and it reopens only
// when the library is torn down and a new generation starts.
package plugin

import (
	"sync"

	"github.com/hashicorp/go-multierror"

	drverrors "github.com/guileen/pgnd/errors"
)

// ID is a plugin's index into every object's Slots
type ID int

// Plugin is the minimal contract for an extension
type Plugin interface {
	Name() string
	Version() string
}

// Shutdowner is implemented by plugins that release state at library end
type Shutdowner interface {
	Shutdown() error
}

// Registry holds the plugins of one library generation
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	byName  map[string]ID
	sealed  bool
}

// NewRegistry creates an empty, open registry
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]ID)}
}

// Register adds p and returns the slot id reserved for it on every object
func (r *Registry) Register(p Plugin) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return -1, drverrors.Wrapf(drverrors.ErrRegistrySealed, drverrors.ErrCodeRegistrySealed,
			"plugin.Register", "cannot register %q after objects were built", p.Name())
	}
	if _, ok := r.byName[p.Name()]; ok {
		return -1, drverrors.Wrapf(drverrors.ErrDuplicatePlugin, drverrors.ErrCodeDuplicatePlugin,
			"plugin.Register", "plugin %q", p.Name())
	}

	id := ID(len(r.plugins))
	r.plugins = append(r.plugins, p)
	r.byName[p.Name()] = id
	return id, nil
}

// Count returns the number of registered plugins
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Seal closes registration for the current generation
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether registration is closed
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup finds a plugin by name
func (r *Registry) Lookup(name string) (Plugin, ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, -1, false
	}
	return r.plugins[id], id, true
}

// Get returns the plugin registered under id
func (r *Registry) Get(id ID) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 0 || int(id) >= len(r.plugins) {
		return nil, false
	}
	return r.plugins[id], true
}

// Plugins returns the registered plugins in registration order
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Each calls fn for every plugin of type T, in registration order
func Each[T any](r *Registry, fn func(ID, T)) {
	for i, p := range r.Plugins() {
		if v, ok := p.(T); ok {
			fn(ID(i), v)
		}
	}
}

// Shutdown stops plugins in reverse registration order and reopens the
// registry empty for the next generation
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	plugins := r.plugins
	r.plugins = nil
	r.byName = make(map[string]ID)
	r.sealed = false
	r.mu.Unlock()

	var result *multierror.Error
	for i := len(plugins) - 1; i >= 0; i-- {
		if s, ok := plugins[i].(Shutdowner); ok {
			if err := s.Shutdown(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
