package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// InMemoryRuntimeCache is a RuntimeCache backed by a map.
// Concurrent misses for the same name share one resolution; a forced reload
// swaps the entry in a single write so readers never see a partial one.
// A resolution that was in flight when its name was invalidated is not
// cached.
type InMemoryRuntimeCache struct {
	resolver    *Resolver
	config      CacheConfig
	entries     map[string]*LoadedRule
	generations map[string]uint64
	group       singleflight.Group
	metrics     *Metrics
	now         func() time.Time
	mu          sync.RWMutex
}

// NewInMemoryRuntimeCache creates an empty cache resolving through resolver
func NewInMemoryRuntimeCache(resolver *Resolver, config CacheConfig) *InMemoryRuntimeCache {
	return &InMemoryRuntimeCache{
		resolver:    resolver,
		config:      config,
		entries:     make(map[string]*LoadedRule),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
}

// WithMetrics records hits, misses and reloads on m
func (c *InMemoryRuntimeCache) WithMetrics(m *Metrics) *InMemoryRuntimeCache {
	c.metrics = m
	return c
}

// Get returns the entry for name if present and not expired
func (c *InMemoryRuntimeCache) Get(name string) (*LoadedRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(name)
}

// lookup must be called with the lock held
func (c *InMemoryRuntimeCache) lookup(name string) (*LoadedRule, bool) {
	entry, exists := c.entries[name]
	if !exists {
		return nil, false
	}
	if c.config.TTL > 0 && c.now().Sub(entry.LoadedAt) > c.config.TTL {
		return nil, false
	}
	return entry, true
}

// GetOrLoad returns the cached entry, resolving on a miss or forced reload
func (c *InMemoryRuntimeCache) GetOrLoad(ctx context.Context, name string, namespaces []string, forceReload bool) (*LoadedRule, error) {
	if !forceReload {
		if entry, ok := c.Get(name); ok {
			c.metrics.hit()
			return entry, nil
		}
		c.metrics.miss()
	} else {
		c.metrics.reload()
	}

	// Forced reloads and plain misses coalesce separately: a reload must not
	// be satisfied by a resolution that started before it was requested.
	key := "load:" + name
	if forceReload {
		key = "reload:" + name
	}
	loadCtx := context.WithoutCancel(ctx)

	v, err, _ := c.group.Do(key, func() (any, error) {
		if !forceReload {
			if entry, ok := c.Get(name); ok {
				return entry, nil
			}
		}

		gen := c.generation(name)
		res, err := c.resolver.Resolve(loadCtx, name, namespaces)
		if err != nil {
			return nil, err
		}
		entry := &LoadedRule{
			Name:           name,
			QualifiedName:  res.QualifiedName,
			Namespace:      res.Namespace,
			Implementation: res.Implementation,
			LoadedAt:       c.now(),
		}
		return c.store(entry, forceReload, gen), nil
	})
	if err != nil {
		return nil, err
	}

	entry, ok := v.(*LoadedRule)
	if !ok {
		return nil, &RuleLoadError{Name: name, Err: fmt.Errorf("unexpected cache value %T", v)}
	}
	return entry, nil
}

func (c *InMemoryRuntimeCache) generation(name string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[name]
}

// store inserts entry. A plain miss only fills an empty slot so it cannot
// overwrite a newer forced reload; a forced reload always replaces. Nothing
// is stored if name was invalidated after gen was read.
func (c *InMemoryRuntimeCache) store(entry *LoadedRule, replace bool, gen uint64) *LoadedRule {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[entry.Name] != gen {
		return entry
	}
	if !replace {
		if existing, ok := c.lookup(entry.Name); ok {
			return existing
		}
	}
	c.entries[entry.Name] = entry
	return entry
}

// Invalidate removes the entry for name; unknown names are a no-op.
// Later callers start a fresh resolution instead of joining one already in
// flight.
func (c *InMemoryRuntimeCache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.generations[name]++
	c.mu.Unlock()

	c.group.Forget("load:" + name)
	c.group.Forget("reload:" + name)
}

// Names returns cached rule names in sorted order
func (c *InMemoryRuntimeCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ RuntimeCache = (*InMemoryRuntimeCache)(nil)
