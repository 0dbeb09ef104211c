package metadata

import (
	"sync"

	"github.com/gxo-labs/entrack/internal/members"
)

// Constructor returns a new, empty entity of one identity type.
type Constructor func() interface{}

// TypeRegistry maps identity type names to constructors. Entity sets whose
// type is not registered materialize as *members.Record.
type TypeRegistry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{ctors: make(map[string]Constructor)}
}

// Register adds or replaces the constructor for typeName.
func (r *TypeRegistry) Register(typeName string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[typeName] = ctor
}

// Registered reports whether typeName has a constructor.
func (r *TypeRegistry) Registered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[typeName]
	return ok
}

// New creates an empty entity for set.
func (r *TypeRegistry) New(set *EntitySet) interface{} {
	r.mu.RLock()
	ctor, ok := r.ctors[set.TypeName]
	r.mu.RUnlock()
	if ok {
		return ctor()
	}
	return members.NewRecord(set.TypeName)
}
