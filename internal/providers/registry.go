package providers

import (
	"fmt"
	"sort"
)

// Registry maps provider names to clients.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

func NewRegistry(defaultName string, providers ...Provider) *Registry {
	r := &Registry{
		providers:   make(map[string]Provider, len(providers)),
		defaultName: defaultName,
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider, or the default one when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Default() string {
	return r.defaultName
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
