package clinical

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/liamcoop/dss/rules"
)

func TestBuiltins(t *testing.T) {
	tests := []struct {
		name    string
		fn      rules.ImplementationFunc
		facts   map[string]any
		want    rules.Value
		wantErr bool
	}{
		{"bmi", BMI, map[string]any{"weight_kg": 90.0, "height_m": 1.8}, rules.NumberValue(27.8), false},
		{"bmi json number", BMI, map[string]any{"weight_kg": json.Number("72"), "height_m": "1.8"}, rules.NumberValue(22.2), false},
		{"bmi missing height", BMI, map[string]any{"weight_kg": 90}, rules.EmptyValue(), false},
		{"bmi zero height", BMI, map[string]any{"weight_kg": 90, "height_m": 0}, rules.Value{}, true},
		{"bmi bad fact", BMI, map[string]any{"weight_kg": true, "height_m": 1.8}, rules.Value{}, true},
		{"category normal", BMICategory, map[string]any{"weight_kg": 70, "height_m": 1.8},
			rules.CodedValue(rules.Code{System: BMIScheme, Code: "normal", Display: "Normal weight"}), false},
		{"category obese", BMICategory, map[string]any{"weight_kg": 120, "height_m": 1.7},
			rules.CodedValue(rules.Code{System: BMIScheme, Code: "obese", Display: "Obese"}), false},
		{"category underweight", BMICategory, map[string]any{"weight_kg": 50, "height_m": 1.8},
			rules.CodedValue(rules.Code{System: BMIScheme, Code: "underweight", Display: "Underweight"}), false},
		{"bp normal", HypertensionAlert, map[string]any{"systolic": 120, "diastolic": 80}, rules.EmptyValue(), false},
		{"bp high diastolic", HypertensionAlert, map[string]any{"systolic": 130, "diastolic": 95},
			rules.TextValue("Blood pressure 130/95 is above target; review antihypertensive therapy"), false},
		{"bp missing", HypertensionAlert, map[string]any{"systolic": 150}, rules.EmptyValue(), false},
		{"a1c not diabetic", A1cDue, map[string]any{"days_since_a1c": 400}, rules.BoolValue(false), false},
		{"a1c never tested", A1cDue, map[string]any{"diabetic": true}, rules.BoolValue(true), false},
		{"a1c recent", A1cDue, map[string]any{"diabetic": true, "days_since_a1c": 30}, rules.BoolValue(false), false},
		{"a1c overdue", A1cDue, map[string]any{"diabetic": true, "days_since_a1c": 181}, rules.BoolValue(true), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.fn(context.Background(), rules.Subject{ID: "p1", Facts: tt.facts})
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	reg := rules.NewFactoryRegistry()
	if err := Register(reg, Namespace); err != nil {
		t.Fatalf("Register: %v", err)
	}

	want := make([]string, 0, len(Names()))
	for _, name := range Names() {
		want = append(want, rules.Qualify(Namespace, name))
	}
	sort.Strings(want)

	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("registered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("registered %v, want %v", got, want)
			break
		}
	}

	if err := Register(reg, Namespace); err == nil {
		t.Error("registering twice should fail")
	}
}

// TestThroughEngine runs the built-ins the way the service does: resolved
// from the library namespace by bare name
func TestThroughEngine(t *testing.T) {
	ctx := context.Background()
	reg := rules.NewFactoryRegistry()
	if err := Register(reg, Namespace); err != nil {
		t.Fatal(err)
	}

	store := rules.NewInMemoryRuleStore(rules.DefaultStoreConfig())
	for _, name := range []string{"bmi", "hypertension_alert"} {
		if _, err := store.Add(ctx, rules.Qualify(Namespace, name), &rules.RuleRecord{Name: name, Type: "adult"}); err != nil {
			t.Fatal(err)
		}
	}

	cache := rules.NewInMemoryRuntimeCache(rules.NewResolver(reg), rules.DefaultCacheConfig())
	engine := rules.NewEngine(store, cache, rules.DefaultEngineConfig())

	subject := rules.Subject{ID: "p1", Facts: map[string]any{
		"weight_kg": 90.0, "height_m": 1.8, "systolic": 150, "diastolic": 85,
	}}
	text, err := engine.RunAsText(ctx, subject, mustList(t, store), nil, false)
	if err != nil {
		t.Fatalf("RunAsText: %v", err)
	}
	want := "27.8\nBlood pressure 150/85 is above target; review antihypertensive therapy"
	if text != want {
		t.Errorf("RunAsText = %q, want %q", text, want)
	}
}

func mustList(t *testing.T, store rules.RuleStore) []*rules.RuleRecord {
	t.Helper()
	records, err := store.ListNonPrioritized(context.Background(), "adult")
	if err != nil {
		t.Fatal(err)
	}
	return records
}
