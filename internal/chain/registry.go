package chain

import (
	"fmt"
	"sort"
	"sync"
)

// BuiltinModule is the module holding processors shipped with the service
const BuiltinModule = ""

// Names of the fixed stages. They cannot be configured or registered.
const (
	ParseProcessorName    = "ParseProcessor"
	ValidateProcessorName = "ValidateProcessor"
	SearchProcessorName   = "SearchProcessor"
)

// PageDistinctProcessorName is the built-in page diversity stage
const PageDistinctProcessorName = "PageDistinctProcessor"

// Factory creates an uninitialized processor
type Factory func() RequestProcessor

// Registry resolves (module, processor name) pairs to factories
type Registry struct {
	mu      sync.RWMutex
	modules map[string]map[string]Factory
}

// NewRegistry creates a registry holding the built-in module
func NewRegistry() *Registry {
	r := &Registry{modules: make(map[string]map[string]Factory)}
	r.modules[BuiltinModule] = map[string]Factory{
		PageDistinctProcessorName: func() RequestProcessor { return &PageDistinctProcessor{} },
	}
	return r
}

// IsReserved reports whether name belongs to a fixed stage
func IsReserved(name string) bool {
	switch name {
	case ParseProcessorName, ValidateProcessorName, SearchProcessorName:
		return true
	}
	return false
}

// Register adds a processor factory to module
func (r *Registry) Register(module, name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("register %q/%q: name and factory are required", module, name)
	}
	if IsReserved(name) {
		return fmt.Errorf("register %q/%q: name is reserved", module, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if module == BuiltinModule {
		return fmt.Errorf("register %q: the built-in module is closed", name)
	}
	if r.modules[module] == nil {
		r.modules[module] = make(map[string]Factory)
	}
	r.modules[module][name] = factory
	return nil
}

// Lookup returns the factory of name in module
func (r *Registry) Lookup(module, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.modules[module][name]
	return factory, ok
}

// Modules returns registered module names, sorted
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
