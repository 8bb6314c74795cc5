package actions

import (
	"sort"
	"sync"

	"github.com/rendis/autoflow/pkg/schema"
)

// Registry maps step types to their Executable. It is filled at startup and
// read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	execs map[schema.StepType]Executable
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		execs: make(map[schema.StepType]Executable),
	}
}

// Register adds an executable. Returns error on duplicate type.
func (r *Registry) Register(exec Executable) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executable is nil")
	}
	typ := exec.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "executable step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.execs[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", typ)
	}
	r.execs[typ] = exec
	return nil
}

// Get retrieves the executable for a step type. An unknown type is a
// configuration error of the workflow that uses it.
func (r *Registry) Get(typ schema.StepType) (Executable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.execs[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown step type %q", typ)
	}
	return exec, nil
}

// Has checks if a step type is registered.
func (r *Registry) Has(typ schema.StepType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.execs[typ]
	return ok
}

// Types returns the registered step types, sorted.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.StepType, 0, len(r.execs))
	for t := range r.execs {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Count returns the number of registered step types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.execs)
}
