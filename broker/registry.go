// Package broker resolves provider names to live broker instances.
//
// The registry is an explicit value with process-wide lifecycle: bootstrap
// code creates one, registers the adapters it ships with, and passes the
// registry by reference into anything that needs to resolve providers.
// There is deliberately no package-level default registry and no
// import-triggered self-registration; both hide coupling to import order.
package broker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/omnibus-mq/omnibus/core"
)

var (
	// ErrUnknownProvider is returned when resolving a name that was never
	// registered.
	ErrUnknownProvider = errors.New("omnibus: unknown provider")

	// ErrDuplicateProvider is returned when registering a name twice in one
	// registry instance. Registration fails fast instead of silently
	// overwriting to catch accidental double-initialization.
	ErrDuplicateProvider = errors.New("omnibus: provider already registered")
)

// UnknownProviderError reports a failed resolution along with the providers
// the registry does know about. It unwraps to ErrUnknownProvider.
type UnknownProviderError struct {
	Name  string
	Known []string
}

func (e *UnknownProviderError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("omnibus: unknown provider %q (no providers registered)", e.Name)
	}
	return fmt.Sprintf("omnibus: unknown provider %q (registered: %s)", e.Name, strings.Join(e.Known, ", "))
}

func (e *UnknownProviderError) Unwrap() error { return ErrUnknownProvider }

// DuplicateProviderError names the conflicting provider. It unwraps to
// ErrDuplicateProvider.
type DuplicateProviderError struct {
	Name string
}

func (e *DuplicateProviderError) Error() string {
	return fmt.Sprintf("omnibus: provider %q already registered", e.Name)
}

func (e *DuplicateProviderError) Unwrap() error { return ErrDuplicateProvider }

// Factory creates an initialized Broker from the given Config. The factory
// opens backend connections; a returned error is a provisioning failure.
type Factory func(cfg Config) (core.Broker, error)

// Registry maps provider names to factories and capability descriptors.
type Registry struct {
	mu           sync.RWMutex
	factories    map[string]Factory
	capabilities map[string]core.Capabilities
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:    make(map[string]Factory),
		capabilities: make(map[string]core.Capabilities),
	}
}

// Register associates a provider name with a factory and its declared
// capabilities. Registering a taken name fails with DuplicateProviderError.
func (r *Registry) Register(name string, factory Factory, caps core.Capabilities) error {
	if name == "" {
		return fmt.Errorf("omnibus: provider name is empty")
	}
	if factory == nil {
		return fmt.Errorf("omnibus: provider %q: factory is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return &DuplicateProviderError{Name: name}
	}
	r.factories[name] = factory
	r.capabilities[name] = caps
	return nil
}

// Create resolves a provider name and invokes its factory with cfg,
// returning an initialized Broker. Resolving an unknown name fails with
// UnknownProviderError enumerating the known providers.
func (r *Registry) Create(name string, cfg Config) (core.Broker, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownProviderError{Name: name, Known: r.Names()}
	}
	return factory(cfg)
}

// Names returns the sorted list of registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a provider is registered under the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Capabilities returns the declared capabilities for a registered provider.
// Unknown names yield a zero descriptor carrying only the name.
func (r *Registry) Capabilities(name string) core.Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return core.Capabilities{Provider: name}
}
