package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/phonoxa/pkg/analyzer"
	"github.com/MrWong99/phonoxa/pkg/types"
)

// ErrEngineNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested engine name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// Factory constructs an analyzer engine from its config entry. The factory
// interprets entry.Options; it must not call Initialize — the worker owns the
// engine lifecycle.
type Factory func(entry AnalyzerEntry) (analyzer.Service, error)

// Registry maps (kind, engine name) pairs to engine factories. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[types.Kind]map[string]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.Kind]map[string]Factory)}
}

// Register adds an engine factory under (kind, name). Subsequent calls with
// the same pair overwrite the previous registration.
func (r *Registry) Register(kind types.Kind, name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.factories[kind]
	if !ok {
		m = make(map[string]Factory)
		r.factories[kind] = m
	}
	m[name] = factory
}

// Create instantiates an engine for kind using the factory registered under
// entry.Engine. Returns [ErrEngineNotRegistered] when no factory matches.
func (r *Registry) Create(kind types.Kind, entry AnalyzerEntry) (analyzer.Service, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind][entry.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrEngineNotRegistered, kind, entry.Engine)
	}
	return factory(entry)
}

// Engines returns the registered engine names for kind, sorted.
func (r *Registry) Engines(kind types.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories[kind]))
	for name := range r.factories[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
