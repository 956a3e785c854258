package manager

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/vigil/internal/process"
)

var (
	ErrUnknownProcess = errors.New("unknown process")
	ErrDuplicate      = errors.New("duplicate process name")
)

// Registry holds one immutable spec per logical process name.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]process.Spec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]process.Spec)}
}

// Add validates spec and stores a private copy.
func (r *Registry) Add(spec process.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[spec.Name]; ok {
		return fmt.Errorf("%q: %w", spec.Name, ErrDuplicate)
	}
	r.specs[spec.Name] = spec.Clone()
	return nil
}

// Remove forgets name. Unknown names are ignored.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.specs, name)
	r.mu.Unlock()
}

// Get returns a copy of the spec registered under name.
func (r *Registry) Get(name string) (process.Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return process.Spec{}, fmt.Errorf("%q: %w", name, ErrUnknownProcess)
	}
	return s.Clone(), nil
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}
