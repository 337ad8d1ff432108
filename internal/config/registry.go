package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/brewhaven/pkg/credential"
	"github.com/MrWong99/brewhaven/pkg/transport"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	credential map[string]func(ProviderEntry) (credential.Fetcher, error)
	transport  map[string]func(ProviderEntry) (transport.Factory, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		credential: make(map[string]func(ProviderEntry) (credential.Fetcher, error)),
		transport:  make(map[string]func(ProviderEntry) (transport.Factory, error)),
	}
}

// RegisterCredential registers a credential fetcher factory under name.
// A later registration under the same name replaces the earlier one.
func (r *Registry) RegisterCredential(name string, factory func(ProviderEntry) (credential.Fetcher, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credential[name] = factory
}

// RegisterTransport registers a transport factory constructor under name.
func (r *Registry) RegisterTransport(name string, factory func(ProviderEntry) (transport.Factory, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// CreateCredential instantiates a credential fetcher using the factory
// registered under entry.Name.
func (r *Registry) CreateCredential(entry ProviderEntry) (credential.Fetcher, error) {
	r.mu.RLock()
	factory, ok := r.credential[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: credential/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTransport instantiates a transport factory using the constructor
// registered under entry.Name.
func (r *Registry) CreateTransport(entry ProviderEntry) (transport.Factory, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted provider names registered for kind
// ("credential" or "transport").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "credential":
		for n := range r.credential {
			names = append(names, n)
		}
	case "transport":
		for n := range r.transport {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
