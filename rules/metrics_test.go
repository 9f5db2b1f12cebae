package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics() failed: %v", err)
	}

	store := NewInMemoryRuleStore(DefaultStoreConfig())
	registry := NewFactoryRegistry()
	registry.Replace("ok", func() (Implementation, error) { return constText("ok"), nil })
	registry.Replace("fail", func() (Implementation, error) {
		return ImplementationFunc(func(context.Context, Subject) (Value, error) {
			return Value{}, errors.New("fail")
		}), nil
	})
	cache := NewInMemoryRuntimeCache(NewResolver(registry).WithMetrics(m), DefaultCacheConfig()).WithMetrics(m)
	engine := NewEngine(store, cache, DefaultEngineConfig()).WithMetrics(m)

	ctx := context.Background()
	ok := mustAdd(t, store, &RuleRecord{Name: "ok", Type: "T"})
	fail := mustAdd(t, store, &RuleRecord{Name: "fail", Type: "T"})

	for i := 0; i < 2; i++ {
		if _, err := engine.RunMany(ctx, Subject{}, []*RuleRecord{ok, fail}, []string{""}, false); err != nil {
			t.Fatalf("RunMany() failed: %v", err)
		}
	}
	if _, err := engine.LoadRule(ctx, "ok", []string{""}, true); err != nil {
		t.Fatalf("LoadRule() failed: %v", err)
	}
	if _, err := engine.LoadRule(ctx, "absent", []string{""}, false); err == nil {
		t.Fatal("LoadRule(absent) should fail")
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"ok executions", testutil.ToFloat64(m.executions.WithLabelValues("ok")), 2},
		{"error executions", testutil.ToFloat64(m.executions.WithLabelValues("error")), 2},
		{"cache misses", testutil.ToFloat64(m.cacheMisses), 3},
		{"cache hits", testutil.ToFloat64(m.cacheHits), 2},
		{"reloads", testutil.ToFloat64(m.reloads), 1},
		{"found", testutil.ToFloat64(m.resolutions.WithLabelValues("found")), 3},
		{"not found", testutil.ToFloat64(m.resolutions.WithLabelValues("not_found")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Error("registering twice should fail")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.hit()
	m.miss()
	m.reload()
	m.resolved("found")
	m.executed("ok", 0)
}
