package rules

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// recordingLookup answers from a fixed table and records every name asked for
type recordingLookup struct {
	impls    map[string]Implementation
	failures map[string]error
	asked    []string
	mu       sync.Mutex
}

func (l *recordingLookup) Lookup(_ context.Context, qualifiedName string) (Implementation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.asked = append(l.asked, qualifiedName)
	if err, ok := l.failures[qualifiedName]; ok {
		return nil, err
	}
	if impl, ok := l.impls[qualifiedName]; ok {
		return impl, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrImplementationNotFound, qualifiedName)
}

func textImpl(s string) Implementation {
	return ImplementationFunc(func(context.Context, Subject) (Value, error) {
		return TextValue(s), nil
	})
}

func evalText(t *testing.T, impl Implementation) string {
	t.Helper()
	v, err := impl.Eval(context.Background(), Subject{})
	if err != nil {
		t.Fatalf("Eval() failed: %v", err)
	}
	s, _ := v.Payload.(string)
	return s
}

func TestQualify(t *testing.T) {
	tests := []struct {
		ns, name, want string
	}{
		{"", "bmi", "bmi"},
		{"adhoc", "bmi", "adhoc.bmi"},
		{"org.dss.rules.", "bmi", "org.dss.rules.bmi"},
	}
	for _, tt := range tests {
		if got := Qualify(tt.ns, tt.name); got != tt.want {
			t.Errorf("Qualify(%q, %q) = %q, want %q", tt.ns, tt.name, got, tt.want)
		}
	}
}

// TestResolveFirstMatchWins verifies the search stops at the first namespace
// that has the rule and never consults later ones
func TestResolveFirstMatchWins(t *testing.T) {
	lookup := &recordingLookup{impls: map[string]Implementation{
		"B.rule": textImpl("from B"),
		"rule":   textImpl("unqualified"),
	}}
	res, err := NewResolver(lookup).Resolve(context.Background(), "rule", []string{"A", "B", ""})
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Namespace != "B" || res.QualifiedName != "B.rule" {
		t.Errorf("Resolve() found %q in %q, want B.rule in B", res.QualifiedName, res.Namespace)
	}
	if got := evalText(t, res.Implementation); got != "from B" {
		t.Errorf("implementation = %q, want from B", got)
	}
	if want := []string{"A.rule", "B.rule"}; !reflect.DeepEqual(lookup.asked, want) {
		t.Errorf("lookups = %v, want %v", lookup.asked, want)
	}
}

func TestResolveNotFoundListsNamespaces(t *testing.T) {
	lookup := &recordingLookup{}
	_, err := NewResolver(lookup).Resolve(context.Background(), "missing", []string{"A", "B", ""})

	var notFound *RuleNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Resolve() error = %v, want *RuleNotFoundError", err)
	}
	if want := []string{"A", "B", ""}; !reflect.DeepEqual(notFound.Namespaces, want) {
		t.Errorf("Namespaces = %q, want %q", notFound.Namespaces, want)
	}
	if !errors.Is(err, ErrRuleNotFound) {
		t.Error("RuleNotFoundError should match ErrRuleNotFound")
	}
	if got := err.Error(); got != `rule missing not found in namespaces ["A", "B", ""]` {
		t.Errorf("Error() = %q", got)
	}
}

func TestResolveEmptyNamespacesMeansBareName(t *testing.T) {
	lookup := &recordingLookup{impls: map[string]Implementation{"bare": textImpl("bare")}}
	res, err := NewResolver(lookup).Resolve(context.Background(), "bare", nil)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if res.Namespace != "" || res.QualifiedName != "bare" {
		t.Errorf("Resolve() = %+v", res)
	}
}

// TestResolveLoadFailure verifies a broken implementation is reported as a
// load error only when no later namespace has a working one
func TestResolveLoadFailure(t *testing.T) {
	broken := errors.New("malformed source")

	t.Run("LaterNamespaceWins", func(t *testing.T) {
		lookup := &recordingLookup{
			failures: map[string]error{"A.rule": broken},
			impls:    map[string]Implementation{"B.rule": textImpl("ok")},
		}
		res, err := NewResolver(lookup).Resolve(context.Background(), "rule", []string{"A", "B"})
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		if res.Namespace != "B" {
			t.Errorf("Namespace = %q, want B", res.Namespace)
		}
	})

	t.Run("NothingFound", func(t *testing.T) {
		lookup := &recordingLookup{failures: map[string]error{"A.rule": broken}}
		_, err := NewResolver(lookup).Resolve(context.Background(), "rule", []string{"A", "B"})

		var loadErr *RuleLoadError
		if !errors.As(err, &loadErr) {
			t.Fatalf("Resolve() error = %v, want *RuleLoadError", err)
		}
		if !errors.Is(err, broken) {
			t.Errorf("load error should wrap the lookup failure, got %v", err)
		}
		if errors.Is(err, ErrRuleNotFound) {
			t.Error("load error must be distinct from not found")
		}
	})
}

func TestResolveInvalidName(t *testing.T) {
	_, err := NewResolver(&recordingLookup{}).Resolve(context.Background(), " ", nil)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Resolve() error = %v, want ErrInvalidArgument", err)
	}
}

func TestResolveCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewResolver(&recordingLookup{}).Resolve(ctx, "rule", nil)

	var loadErr *RuleLoadError
	if !errors.As(err, &loadErr) || !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want load error wrapping context.Canceled", err)
	}
}
