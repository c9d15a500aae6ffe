package driver

import (
	"sort"
	"sync"

	drverrors "github.com/guileen/pgnd/errors"
)

// Extractor returns the connection handle behind a host object
type Extractor func(host any) (*Conn, bool)

// ReverseAPI lets host extensions that wrap connections hand them back to
// the driver. Each extension registers one Extractor under its name.
type ReverseAPI struct {
	mu      sync.RWMutex
	entries map[string]Extractor
	active  bool
}

// NewReverseAPI returns an inactive reverse API
func NewReverseAPI() *ReverseAPI {
	return &ReverseAPI{}
}

func (r *ReverseAPI) init() {
	r.mu.Lock()
	r.entries = make(map[string]Extractor)
	r.active = true
	r.mu.Unlock()
}

func (r *ReverseAPI) end() {
	r.mu.Lock()
	r.entries = nil
	r.active = false
	r.mu.Unlock()
}

// Register adds an extractor under name
func (r *ReverseAPI) Register(name string, fn Extractor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return drverrors.Wrapf(drverrors.ErrNotInitialized, drverrors.ErrCodeNotInitialized,
			"driver.ReverseAPI.Register", "reverse api for %q", name)
	}
	if _, ok := r.entries[name]; ok {
		return drverrors.Wrapf(drverrors.ErrDuplicatePlugin, drverrors.ErrCodeDuplicatePlugin,
			"driver.ReverseAPI.Register", "extension %q", name)
	}
	r.entries[name] = fn
	return nil
}

// Extract finds the connection behind host using the extractor for name
func (r *ReverseAPI) Extract(name string, host any) (*Conn, error) {
	r.mu.RLock()
	fn, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, drverrors.Errorf(drverrors.ErrCodeInvalidOperation, "no reverse api registered for %q", name)
	}
	conn, ok := fn(host)
	if !ok {
		return nil, drverrors.NewInvalidSourceError("driver.ReverseAPI.Extract", "host object holds no connection")
	}
	return conn, nil
}

// Names lists the registered extensions
func (r *ReverseAPI) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnHolder is implemented by host objects wrapping a connection
type ConnHolder interface {
	Conn() *Conn
}

func extractConn(host any) (*Conn, bool) {
	switch h := host.(type) {
	case *Conn:
		return h, h != nil
	case ConnHolder:
		c := h.Conn()
		return c, c != nil
	}
	return nil, false
}
