package rules

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestFactoryRegistry(t *testing.T) {
	registry := NewFactoryRegistry()
	ctx := context.Background()

	if err := registry.RegisterFunc("library.bmi", func(context.Context, Subject) (Value, error) {
		return NumberValue(22.5), nil
	}); err != nil {
		t.Fatalf("RegisterFunc() failed: %v", err)
	}
	if err := registry.RegisterFunc("library.bmi", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("registering a nil function error = %v, want ErrInvalidArgument", err)
	}
	if err := registry.Register("library.bmi", func() (Implementation, error) { return textImpl("x"), nil }); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("duplicate Register() error = %v, want ErrInvalidArgument", err)
	}

	impl, err := registry.Lookup(ctx, "library.bmi")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	v, err := impl.Eval(ctx, Subject{})
	if err != nil || v.Payload != 22.5 {
		t.Errorf("Eval() = %v, %v", v, err)
	}

	if _, err := registry.Lookup(ctx, "library.other"); !IsNotFound(err) {
		t.Errorf("Lookup(missing) error = %v, want not found", err)
	}

	registry.Replace("library.bmi", func() (Implementation, error) { return textImpl("replaced"), nil })
	impl, err = registry.Lookup(ctx, "library.bmi")
	if err != nil {
		t.Fatalf("Lookup() after Replace failed: %v", err)
	}
	if got := evalText(t, impl); got != "replaced" {
		t.Errorf("replaced implementation = %q", got)
	}

	registry.Replace("adhoc.zeta", func() (Implementation, error) { return textImpl("z"), nil })
	if want := []string{"adhoc.zeta", "library.bmi"}; !reflect.DeepEqual(registry.Names(), want) {
		t.Errorf("Names() = %v, want %v", registry.Names(), want)
	}

	registry.Unregister("library.bmi")
	registry.Unregister("never.registered")
	if _, err := registry.Lookup(ctx, "library.bmi"); !IsNotFound(err) {
		t.Errorf("Lookup() after Unregister error = %v, want not found", err)
	}
}

// TestFactoryRegistryBrokenFactory verifies a failing factory is a load
// failure rather than a miss
func TestFactoryRegistryBrokenFactory(t *testing.T) {
	registry := NewFactoryRegistry()
	boom := errors.New("boom")
	registry.Replace("bad", func() (Implementation, error) { return nil, boom })
	registry.Replace("nil", func() (Implementation, error) { return nil, nil })

	if _, err := registry.Lookup(context.Background(), "bad"); !errors.Is(err, boom) || IsNotFound(err) {
		t.Errorf("Lookup(bad) error = %v, want wrapped boom", err)
	}
	if _, err := registry.Lookup(context.Background(), "nil"); err == nil || IsNotFound(err) {
		t.Errorf("Lookup(nil) error = %v, want a load failure", err)
	}
}

func TestLookupsChain(t *testing.T) {
	ctx := context.Background()
	broken := errors.New("broken")

	first := &recordingLookup{failures: map[string]error{"x": broken}}
	second := &recordingLookup{impls: map[string]Implementation{"x": textImpl("second"), "y": textImpl("y")}}
	chain := Lookups{first, second}

	impl, err := chain.Lookup(ctx, "x")
	if err != nil {
		t.Fatalf("Lookup(x) failed: %v", err)
	}
	if got := evalText(t, impl); got != "second" {
		t.Errorf("Lookup(x) = %q, want second", got)
	}

	if _, err := (Lookups{first}).Lookup(ctx, "x"); !errors.Is(err, broken) {
		t.Errorf("Lookup(x) error = %v, want broken", err)
	}
	if _, err := chain.Lookup(ctx, "z"); !IsNotFound(err) {
		t.Errorf("Lookup(z) error = %v, want not found", err)
	}
}
