package flow

import (
	"fmt"
	"slices"
	"sync"

	"github.com/xraph/cascade"
)

// Registry maps flow names to validated definitions. It is owned by the
// engine and injected into handlers. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Definition
}

// NewRegistry creates an empty flow registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Definition)}
}

// Register validates and stores def. Registering a second definition
// under the same name fails with cascade.ErrDuplicateFlow.
func (r *Registry) Register(def *Definition) error {
	if err := Validate(def); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = def.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[def.Name]; ok {
		return fmt.Errorf("%w: %s", cascade.ErrDuplicateFlow, def.Name)
	}
	r.flows[def.Name] = def
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.flows[name]
	return def, ok
}

// Lookup is Get returning cascade.ErrFlowNotFound.
func (r *Registry) Lookup(name string) (*Definition, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cascade.ErrFlowNotFound, name)
	}
	return def, nil
}

// Names returns all registered flow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// All returns every registered definition, sorted by name.
func (r *Registry) All() []*Definition {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(names))
	for _, n := range names {
		out = append(out, r.flows[n])
	}
	return out
}
