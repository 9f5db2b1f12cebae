package rules

import (
	"context"
	"time"
)

// RuntimeCache maps rule names to loaded, ready-to-run implementations.
// This allows swapping the in-memory registry for a shared or instrumented one.
type RuntimeCache interface {
	// GetOrLoad returns the cached entry for name, resolving it across
	// namespaces on a miss or when forceReload is set. A failed resolution
	// leaves any previous entry in place.
	GetOrLoad(ctx context.Context, name string, namespaces []string, forceReload bool) (*LoadedRule, error)

	// Get returns the cached entry without resolving
	Get(name string) (*LoadedRule, bool)

	// Invalidate drops the entry for name, if any
	Invalidate(name string)

	// Names lists the cached rule names
	Names() []string
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (explicit reload or invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig keeps entries until they are reloaded or invalidated
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 0,
	}
}
