package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the node executors available to the engine.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Registration is one-shot; re-registering a type
// is an error.
func (r *Registry) Register(executor Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeType := executor.Type()
	if _, exists := r.executors[nodeType]; exists {
		return fmt.Errorf("node type %q already registered", nodeType)
	}

	r.executors[nodeType] = executor
	return nil
}

// Get returns the executor for a node type.
func (r *Registry) Get(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, exists := r.executors[nodeType]
	if !exists {
		return nil, ConfigError(fmt.Sprintf("node type %q not registered", nodeType), nil)
	}

	return executor, nil
}

// List returns metadata for every registered type, sorted by type name.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Metadata, 0, len(r.executors))
	for _, executor := range r.executors {
		result = append(result, executor.Metadata())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// Global registry. Node packages register themselves in init; the engine
// reads from here unless constructed with an explicit registry.
var globalRegistry = NewRegistry()

// Register adds an executor to the global registry, panicking on duplicate
// registration since that is a wiring bug, not a runtime condition.
func Register(executor Executor) {
	if err := globalRegistry.Register(executor); err != nil {
		panic(err)
	}
}

// Get returns an executor from the global registry.
func Get(nodeType string) (Executor, error) {
	return globalRegistry.Get(nodeType)
}

// List returns all metadata from the global registry.
func List() []Metadata {
	return globalRegistry.List()
}

// Global returns the global registry itself.
func Global() *Registry {
	return globalRegistry
}
