// Package clinical ships the rules compiled into the service. They read
// plain facts (numbers and booleans keyed by name) from the subject.
package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/liamcoop/dss/rules"
)

// Namespace is where the built-in rules are registered by default
const Namespace = "library"

// BMIScheme is the code system used by the bmi_category rule
const BMIScheme = "urn:dss:bmi-category"

// Fact keys read by the built-in rules
const (
	FactWeightKg     = "weight_kg"
	FactHeightM      = "height_m"
	FactSystolic     = "systolic"
	FactDiastolic    = "diastolic"
	FactDiabetic     = "diabetic"
	FactDaysSinceA1c = "days_since_a1c"
)

// A1cIntervalDays is how long an HbA1c result stays current
const A1cIntervalDays = 180

const (
	systolicThreshold  = 140
	diastolicThreshold = 90
)

var builtins = map[string]rules.ImplementationFunc{
	"bmi":                BMI,
	"bmi_category":       BMICategory,
	"hypertension_alert": HypertensionAlert,
	"a1c_due":            A1cDue,
}

// Register adds every built-in rule to reg under namespace
func Register(reg *rules.FactoryRegistry, namespace string) error {
	for name, fn := range builtins {
		if err := reg.RegisterFunc(rules.Qualify(namespace, name), fn); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

// Names lists the built-in rule names
func Names() []string {
	return []string{"a1c_due", "bmi", "bmi_category", "hypertension_alert"}
}

// number reads a numeric fact. JSON-decoded facts arrive as float64 or
// json.Number; facts built in Go may be any integer or float type.
func number(facts map[string]any, key string) (float64, bool, error) {
	raw, ok := facts[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("fact %s: %w", key, err)
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, fmt.Errorf("fact %s is not a number: %q", key, v)
		}
		return f, true, nil
	default:
		return 0, false, fmt.Errorf("fact %s has unsupported type %T", key, raw)
	}
}

func bmi(facts map[string]any) (float64, bool, error) {
	weight, ok, err := number(facts, FactWeightKg)
	if err != nil || !ok {
		return 0, false, err
	}
	height, ok, err := number(facts, FactHeightM)
	if err != nil || !ok {
		return 0, false, err
	}
	if height <= 0 || weight <= 0 {
		return 0, false, fmt.Errorf("weight and height must be positive, got %v kg and %v m", weight, height)
	}
	return math.Round(weight/(height*height)*10) / 10, true, nil
}

// BMI reports body mass index to one decimal; empty without weight and height
func BMI(_ context.Context, subject rules.Subject) (rules.Value, error) {
	value, ok, err := bmi(subject.Facts)
	if err != nil || !ok {
		return rules.EmptyValue(), err
	}
	return rules.NumberValue(value), nil
}

// BMICategory classifies BMI into WHO adult bands
func BMICategory(_ context.Context, subject rules.Subject) (rules.Value, error) {
	value, ok, err := bmi(subject.Facts)
	if err != nil || !ok {
		return rules.EmptyValue(), err
	}

	code := rules.Code{System: BMIScheme}
	switch {
	case value < 18.5:
		code.Code, code.Display = "underweight", "Underweight"
	case value < 25:
		code.Code, code.Display = "normal", "Normal weight"
	case value < 30:
		code.Code, code.Display = "overweight", "Overweight"
	default:
		code.Code, code.Display = "obese", "Obese"
	}
	return rules.CodedValue(code), nil
}

// HypertensionAlert produces a reminder when either blood pressure reading
// is at or above the treatment threshold
func HypertensionAlert(_ context.Context, subject rules.Subject) (rules.Value, error) {
	systolic, hasSys, err := number(subject.Facts, FactSystolic)
	if err != nil {
		return rules.Value{}, err
	}
	diastolic, hasDia, err := number(subject.Facts, FactDiastolic)
	if err != nil {
		return rules.Value{}, err
	}
	if !hasSys || !hasDia {
		return rules.EmptyValue(), nil
	}
	if systolic < systolicThreshold && diastolic < diastolicThreshold {
		return rules.EmptyValue(), nil
	}
	return rules.TextValue(fmt.Sprintf("Blood pressure %g/%g is above target; review antihypertensive therapy", systolic, diastolic)), nil
}

// A1cDue is true for a diabetic subject with no HbA1c in the last 180 days
func A1cDue(_ context.Context, subject rules.Subject) (rules.Value, error) {
	diabetic, _ := subject.Facts[FactDiabetic].(bool)
	if !diabetic {
		return rules.BoolValue(false), nil
	}
	days, ok, err := number(subject.Facts, FactDaysSinceA1c)
	if err != nil {
		return rules.Value{}, err
	}
	return rules.BoolValue(!ok || days > A1cIntervalDays), nil
}
