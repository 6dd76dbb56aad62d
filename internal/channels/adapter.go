// Package channels defines the outbound delivery contract that lets
// the gateway hand finalized assistant output to external messaging
// surfaces.
package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DeliveryResult reports the outcome of one outbound delivery.
type DeliveryResult struct {
	// MessageID is the adapter-assigned id of the delivered message,
	// when the surface provides one.
	MessageID string `json:"messageId,omitempty"`

	// Parts is how many surface messages the payload was split into.
	Parts int `json:"parts"`
}

// Adapter delivers gateway output to one external surface.
type Adapter interface {
	// Name identifies the adapter ("slack", "telegram", ...). Names
	// are unique within a registry.
	Name() string

	// Deliver sends payload to target on the adapter's surface.
	Deliver(ctx context.Context, target string, payload []byte) (DeliveryResult, error)
}

// Registry holds the configured adapters by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate names are an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("channel adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter with the given name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
