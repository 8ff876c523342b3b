package registry

import (
	"fmt"
	"math"
)

// validateValue checks a candidate value against an item's schema. JSON
// decoding hands us float64 for every number, so integer checks verify the
// value is whole rather than demanding an int type.
func validateValue(s Schema, v interface{}) error {
	switch s.Type {
	case TypeNumber, TypeInteger:
		n, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("expected %s, got %T", s.Type, v)
		}
		if s.Type == TypeInteger && n != math.Trunc(n) {
			return fmt.Errorf("expected integer, got %v", n)
		}
		if s.Min != nil && n < *s.Min {
			return fmt.Errorf("value %v below minimum %v", n, *s.Min)
		}
		if s.Max != nil && n > *s.Max {
			return fmt.Errorf("value %v above maximum %v", n, *s.Max)
		}
	case TypeString:
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(s.Enum) > 0 {
			for _, e := range s.Enum {
				if str == e {
					return nil
				}
			}
			return fmt.Errorf("value %q not in enum %v", str, s.Enum)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
	case TypeArray:
		arr, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		for i, el := range arr {
			if err := validateValue(Schema{Type: s.Elem}, el); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown schema type %q", s.Type)
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// checkSafety enforces an item's safety class for a proposed change from the
// current effective value. Immutable keys refuse any override; tighten-only
// keys may only move away from risk; raise-only floors may only go up;
// append-only lists must keep every existing element.
func checkSafety(it Item, current, proposed interface{}) error {
	switch it.Safety {
	case SafetyImmutable:
		return fmt.Errorf("key %s is immutable", it.Key)
	case SafetyTightenOnly:
		cur, ok1 := toFloat(current)
		next, ok2 := toFloat(proposed)
		if !ok1 || !ok2 {
			return fmt.Errorf("tighten_only key %s requires numeric values", it.Key)
		}
		switch it.RiskDirection {
		case HigherIsRiskier:
			if next > cur {
				return fmt.Errorf("key %s is tighten_only: %v loosens current %v", it.Key, next, cur)
			}
		case LowerIsRiskier:
			if next < cur {
				return fmt.Errorf("key %s is tighten_only: %v loosens current %v", it.Key, next, cur)
			}
		}
	case SafetyRaiseOnly:
		cur, ok1 := toFloat(current)
		next, ok2 := toFloat(proposed)
		if !ok1 || !ok2 {
			return fmt.Errorf("raise_only key %s requires numeric values", it.Key)
		}
		if next < cur {
			return fmt.Errorf("key %s is raise_only: %v is below current %v", it.Key, next, cur)
		}
	case SafetyAppendOnly:
		cur, ok1 := toStringSlice(current)
		next, ok2 := toStringSlice(proposed)
		if !ok1 || !ok2 {
			return fmt.Errorf("append_only key %s requires string arrays", it.Key)
		}
		have := make(map[string]bool, len(next))
		for _, s := range next {
			have[s] = true
		}
		for _, s := range cur {
			if !have[s] {
				return fmt.Errorf("key %s is append_only: element %q removed", it.Key, s)
			}
		}
	case SafetyTunable:
	default:
		return fmt.Errorf("unknown safety class %q on key %s", it.Safety, it.Key)
	}
	return nil
}

func toStringSlice(v interface{}) ([]string, bool) {
	switch arr := v.(type) {
	case []string:
		return arr, true
	case []interface{}:
		out := make([]string, 0, len(arr))
		for _, el := range arr {
			s, ok := el.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
