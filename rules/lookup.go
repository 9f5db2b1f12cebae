package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh implementation each time it is looked up
type Factory func() (Implementation, error)

// FactoryRegistry is a Lookup over named factory functions, the usual home
// for rules compiled into the binary
type FactoryRegistry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewFactoryRegistry creates an empty registry
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register binds a factory to a qualified name
func (f *FactoryRegistry) Register(qualifiedName string, factory Factory) error {
	if qualifiedName == "" || factory == nil {
		return fmt.Errorf("%w: name and factory are required", ErrInvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.factories[qualifiedName]; exists {
		return fmt.Errorf("%w: factory %s already registered", ErrInvalidArgument, qualifiedName)
	}
	f.factories[qualifiedName] = factory
	return nil
}

// Replace binds a factory to a qualified name, overwriting any previous one
func (f *FactoryRegistry) Replace(qualifiedName string, factory Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.factories[qualifiedName] = factory
}

// RegisterFunc registers a stateless implementation function
func (f *FactoryRegistry) RegisterFunc(qualifiedName string, fn ImplementationFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: implementation function is required", ErrInvalidArgument)
	}
	return f.Register(qualifiedName, func() (Implementation, error) { return fn, nil })
}

// Unregister removes a factory; unknown names are a no-op
func (f *FactoryRegistry) Unregister(qualifiedName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.factories, qualifiedName)
}

// Names returns the registered qualified names in sorted order
func (f *FactoryRegistry) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.factories))
	for name := range f.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup instantiates the implementation registered under qualifiedName
func (f *FactoryRegistry) Lookup(_ context.Context, qualifiedName string) (Implementation, error) {
	f.mu.RLock()
	factory, exists := f.factories[qualifiedName]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrImplementationNotFound, qualifiedName)
	}
	impl, err := factory()
	if err != nil {
		return nil, fmt.Errorf("factory %s: %w", qualifiedName, err)
	}
	if impl == nil {
		return nil, fmt.Errorf("factory %s returned no implementation", qualifiedName)
	}
	return impl, nil
}

// Lookups tries several lookups in order for the same qualified name.
// The first hit wins; a broken implementation in an earlier lookup is
// reported only if no later lookup has one.
type Lookups []Lookup

func (l Lookups) Lookup(ctx context.Context, qualifiedName string) (Implementation, error) {
	var failure error
	for _, lookup := range l {
		impl, err := lookup.Lookup(ctx, qualifiedName)
		if err == nil {
			return impl, nil
		}
		if !IsNotFound(err) && failure == nil {
			failure = err
		}
	}
	if failure != nil {
		return nil, failure
	}
	return nil, fmt.Errorf("%w: %s", ErrImplementationNotFound, qualifiedName)
}

var (
	_ Lookup = (*FactoryRegistry)(nil)
	_ Lookup = Lookups(nil)
)
