package rules

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(registry *FactoryRegistry) *InMemoryRuntimeCache {
	return NewInMemoryRuntimeCache(NewResolver(registry), DefaultCacheConfig())
}

func replaceText(registry *FactoryRegistry, name, text string) {
	registry.Replace(name, func() (Implementation, error) { return textImpl(text), nil })
}

// TestCacheIsStickyWithoutReload verifies a cached entry survives changes
// to the underlying implementation until a reload is forced
func TestCacheIsStickyWithoutReload(t *testing.T) {
	ctx := context.Background()
	registry := NewFactoryRegistry()
	replaceText(registry, "adhoc.rule", "v1")
	cache := newTestCache(registry)

	first, err := cache.GetOrLoad(ctx, "rule", []string{"adhoc"}, false)
	if err != nil {
		t.Fatalf("GetOrLoad() failed: %v", err)
	}

	replaceText(registry, "adhoc.rule", "v2")

	second, err := cache.GetOrLoad(ctx, "rule", []string{"adhoc"}, false)
	if err != nil {
		t.Fatalf("GetOrLoad() failed: %v", err)
	}
	if second != first {
		t.Error("cache should return the first entry without forceReload")
	}
	if got := evalText(t, second.Implementation); got != "v1" {
		t.Errorf("implementation = %q, want v1", got)
	}

	reloaded, err := cache.GetOrLoad(ctx, "rule", []string{"adhoc"}, true)
	if err != nil {
		t.Fatalf("forced GetOrLoad() failed: %v", err)
	}
	if got := evalText(t, reloaded.Implementation); got != "v2" {
		t.Errorf("reloaded implementation = %q, want v2", got)
	}

	after, err := cache.GetOrLoad(ctx, "rule", []string{"adhoc"}, false)
	if err != nil {
		t.Fatalf("GetOrLoad() failed: %v", err)
	}
	if after != reloaded {
		t.Error("cache should keep the reloaded entry")
	}
}

func TestCacheRecordsWhereRuleWasFound(t *testing.T) {
	registry := NewFactoryRegistry()
	replaceText(registry, "library.rule", "lib")
	cache := newTestCache(registry)

	entry, err := cache.GetOrLoad(context.Background(), "rule", []string{"adhoc", "library", ""}, false)
	if err != nil {
		t.Fatalf("GetOrLoad() failed: %v", err)
	}
	if entry.Name != "rule" || entry.Namespace != "library" || entry.QualifiedName != "library.rule" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.LoadedAt.IsZero() {
		t.Error("LoadedAt should be set")
	}
}

// TestCacheFailedReloadKeepsEntry verifies a broken replacement does not
// evict the working implementation
func TestCacheFailedReloadKeepsEntry(t *testing.T) {
	ctx := context.Background()
	registry := NewFactoryRegistry()
	replaceText(registry, "rule", "good")
	cache := newTestCache(registry)

	good, err := cache.GetOrLoad(ctx, "rule", nil, false)
	if err != nil {
		t.Fatalf("GetOrLoad() failed: %v", err)
	}

	registry.Replace("rule", func() (Implementation, error) { return nil, errors.New("syntax error") })
	if _, err := cache.GetOrLoad(ctx, "rule", nil, true); err == nil {
		t.Fatal("forced reload of a broken rule should fail")
	}

	kept, ok := cache.Get("rule")
	if !ok || kept != good {
		t.Errorf("Get() = %v, %v; want the previous entry", kept, ok)
	}
}

func TestCacheMissPropagatesNotFound(t *testing.T) {
	cache := newTestCache(NewFactoryRegistry())
	_, err := cache.GetOrLoad(context.Background(), "nothing", []string{"a", "b"}, false)
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("GetOrLoad() error = %v, want ErrRuleNotFound", err)
	}
	if _, ok := cache.Get("nothing"); ok {
		t.Error("failed resolution should not populate the cache")
	}
}

func TestCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	registry := NewFactoryRegistry()
	replaceText(registry, "a", "a")
	replaceText(registry, "b", "b")
	cache := newTestCache(registry)

	for _, name := range []string{"b", "a"} {
		if _, err := cache.GetOrLoad(ctx, name, nil, false); err != nil {
			t.Fatalf("GetOrLoad(%s) failed: %v", name, err)
		}
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(cache.Names(), want) {
		t.Errorf("Names() = %v, want %v", cache.Names(), want)
	}

	cache.Invalidate("a")
	cache.Invalidate("a")
	cache.Invalidate("unknown")

	if _, ok := cache.Get("a"); ok {
		t.Error("invalidated entry still cached")
	}
	if want := []string{"b"}; !reflect.DeepEqual(cache.Names(), want) {
		t.Errorf("Names() = %v, want %v", cache.Names(), want)
	}
}

// TestCacheInvalidateDuringLoad verifies an invalidation that lands while a
// resolution is in flight is not undone when that resolution finishes
func TestCacheInvalidateDuringLoad(t *testing.T) {
	ctx := context.Background()

	var current atomic.Value
	current.Store("old")
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	registry := NewFactoryRegistry()
	registry.Replace("r", func() (Implementation, error) {
		text := current.Load().(string)
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return textImpl(text), nil
	})
	cache := newTestCache(registry)

	firstDone := make(chan error, 1)
	go func() {
		_, err := cache.GetOrLoad(ctx, "r", nil, false)
		firstDone <- err
	}()
	<-started

	current.Store("new")
	cache.Invalidate("r")

	// a caller after the invalidation must not wait on the stale resolution
	loaded := make(chan *LoadedRule, 1)
	go func() {
		entry, err := cache.GetOrLoad(ctx, "r", nil, false)
		if err != nil {
			t.Errorf("GetOrLoad() after Invalidate failed: %v", err)
		}
		loaded <- entry
	}()
	var fresh *LoadedRule
	select {
	case fresh = <-loaded:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("GetOrLoad() after Invalidate joined the in-flight resolution")
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("in-flight GetOrLoad() failed: %v", err)
	}

	entry, err := cache.GetOrLoad(ctx, "r", nil, false)
	if err != nil {
		t.Fatalf("GetOrLoad() failed: %v", err)
	}
	if entry != fresh {
		t.Error("the stale resolution replaced the fresh entry")
	}
	v, err := entry.Implementation.Eval(ctx, Subject{})
	if err != nil {
		t.Fatalf("Eval() failed: %v", err)
	}
	if v.Payload != "new" {
		t.Errorf("cached payload = %v, want new", v.Payload)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("implementation built %d times, want 2", got)
	}
}

// TestCacheInvalidateDuringReload covers a forced reload racing
// an invalidation
func TestCacheInvalidateDuringReload(t *testing.T) {
	ctx := context.Background()
	registry := NewFactoryRegistry()
	replaceText(registry, "r", "v1")
	cache := newTestCache(registry)
	if _, err := cache.GetOrLoad(ctx, "r", nil, false); err != nil {
		t.Fatalf("GetOrLoad() failed: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	registry.Replace("r", func() (Implementation, error) {
		close(started)
		<-release
		return textImpl("v2"), nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := cache.GetOrLoad(ctx, "r", nil, true)
		done <- err
	}()
	<-started
	cache.Invalidate("r")
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if _, ok := cache.Get("r"); ok {
		t.Error("a reload that began before Invalidate should not be cached")
	}
}

func TestCacheTTL(t *testing.T) {
	registry := NewFactoryRegistry()
	replaceText(registry, "rule", "x")
	cache := NewInMemoryRuntimeCache(NewResolver(registry), CacheConfig{TTL: time.Minute})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	if _, err := cache.GetOrLoad(context.Background(), "rule", nil, false); err != nil {
		t.Fatalf("GetOrLoad() failed: %v", err)
	}
	if _, ok := cache.Get("rule"); !ok {
		t.Fatal("entry should be cached")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get("rule"); ok {
		t.Error("entry should expire after TTL")
	}
}

// TestCacheCoalescesConcurrentLoads verifies many simultaneous misses for
// one name resolve it once and all observe the same entry
func TestCacheCoalescesConcurrentLoads(t *testing.T) {
	var builds atomic.Int32
	registry := NewFactoryRegistry()
	registry.Replace("slow", func() (Implementation, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return textImpl("slow"), nil
	})
	cache := newTestCache(registry)

	const callers = 25
	entries := make([]*LoadedRule, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := cache.GetOrLoad(context.Background(), "slow", nil, false)
			if err != nil {
				t.Errorf("GetOrLoad() failed: %v", err)
				return
			}
			entries[i] = entry
		}(i)
	}
	wg.Wait()

	if got := builds.Load(); got != 1 {
		t.Errorf("implementation built %d times, want 1", got)
	}
	for i, e := range entries {
		if e != entries[0] {
			t.Errorf("caller %d saw a different entry", i)
		}
	}
}

// TestCacheConcurrentReadsAndReloads runs readers against forced reloads;
// run with -race to check the map discipline
func TestCacheConcurrentReadsAndReloads(t *testing.T) {
	registry := NewFactoryRegistry()
	replaceText(registry, "hot", "v")
	cache := newTestCache(registry)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(reload bool) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				entry, err := cache.GetOrLoad(ctx, "hot", nil, reload)
				if err != nil {
					t.Errorf("GetOrLoad() failed: %v", err)
					return
				}
				if entry.Implementation == nil || entry.QualifiedName != "hot" {
					t.Errorf("observed a partial entry: %+v", entry)
					return
				}
			}
		}(i%2 == 0)
	}
	wg.Wait()
}
