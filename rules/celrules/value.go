package celrules

import (
	"fmt"
	"math"
	"reflect"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/liamcoop/dss/rules"
)

var nativeMap = reflect.TypeOf(map[string]any{})

// toValue maps a CEL result onto a rule value:
// bool, numbers, strings and null map directly; a map with a "code" key is
// a coded value with optional "system" and "display".
func toValue(out ref.Val) (rules.Value, error) {
	switch v := out.(type) {
	case types.Bool:
		return rules.BoolValue(bool(v)), nil
	case types.Int:
		return rules.NumberValue(float64(v)), nil
	case types.Uint:
		return rules.NumberValue(float64(v)), nil
	case types.Double:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return rules.Value{}, fmt.Errorf("rule produced non-finite number %v", f)
		}
		return rules.NumberValue(f), nil
	case types.String:
		return rules.TextValue(string(v)), nil
	case types.Null:
		return rules.EmptyValue(), nil
	case traits.Mapper:
		return codeValue(v)
	}
	return rules.Value{}, fmt.Errorf("unsupported rule result type %s", out.Type().TypeName())
}

func codeValue(m traits.Mapper) (rules.Value, error) {
	native, err := m.ConvertToNative(nativeMap)
	if err != nil {
		return rules.Value{}, fmt.Errorf("map result must have string keys: %w", err)
	}
	fields := native.(map[string]any)

	code, ok := fields["code"].(string)
	if !ok || code == "" {
		return rules.Value{}, fmt.Errorf("map result needs a non-empty string \"code\"")
	}
	system, _ := fields["system"].(string)
	display, _ := fields["display"].(string)
	return rules.CodedValue(rules.Code{System: system, Code: code, Display: display}), nil
}
