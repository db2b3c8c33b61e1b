package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/canvaslink/relay/pkg/types"
)

// Adapter supplies the per-application capability set: the tool schemas
// a creative application's plugin understands and its channel defaults.
// The relay core never interprets tool semantics; adapters exist so the
// dispatcher can reject malformed calls before they reach the wire.
type Adapter interface {
	// Name returns the application identifier (e.g. "designtool").
	Name() string

	// DefaultChannel returns the channel used when the caller names none.
	DefaultChannel() string

	// Schemas returns the tool-name to schema table.
	Schemas() map[string]Schema
}

// AdapterRegistry tracks the known application adapters
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewAdapterRegistry creates an empty adapter registry
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter to the registry
func (r *AdapterRegistry) Register(a Adapter) error {
	if a == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "adapter cannot be nil")
	}
	if a.Name() == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Name()]; exists {
		return types.NewError(types.ErrCodeAlreadyExists,
			fmt.Sprintf("adapter already registered: %s", a.Name()))
	}
	r.adapters[a.Name()] = a
	return nil
}

// Get returns the adapter with the given name
func (r *AdapterRegistry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "adapter not found: "+name)
	}
	return a, nil
}

// Names returns the registered adapter names sorted alphabetically
func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
