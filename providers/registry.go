package providers

import (
	"fmt"
	"sort"

	"github.com/ferro-labs/study-router/policy"
)

// Registry manages the provider implementations by kind. It is populated at
// startup and read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns a provider by name and whether it was found.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// For returns the provider that serves entry.
func (r *Registry) For(entry policy.Entry) (Provider, error) {
	p, ok := r.providers[entry.ProviderKind()]
	if !ok {
		return nil, fmt.Errorf("no provider registered for kind %q (model %s)", entry.ProviderKind(), entry.Model)
	}
	return p, nil
}

// List returns the names of all registered providers, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
