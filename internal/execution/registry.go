// Package execution provides the backend abstraction layer.
//
// registry.go - Dependency-injected service registry
//
// The registry is constructed explicitly at the composition root (and
// fresh per test); there is no package-level registry state. It maps
// each mode to a constructor so every selection attempt gets a fresh
// adapter instance.
package execution

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor builds a fresh service instance for one mode.
type Constructor func() Service

// Registry maps execution modes to service constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[Mode]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[Mode]Constructor)}
}

// Register binds mode to a constructor, replacing any previous
// binding.
func (r *Registry) Register(mode Mode, build Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[mode] = build
}

// New instantiates a fresh service for mode.
func (r *Registry) New(mode Mode) (Service, error) {
	r.mu.RLock()
	build, ok := r.constructors[mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no execution service registered for mode %q", mode)
	}
	return build(), nil
}

// Modes returns the registered modes in stable order.
func (r *Registry) Modes() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes := make([]Mode, 0, len(r.constructors))
	for m := range r.constructors {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}
