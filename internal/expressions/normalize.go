package expressions

import (
	"encoding/json"
	"fmt"
)

// Normalize converts v into the plain JSON value space (map[string]any,
// []any, float64, string, bool, nil) expected by gojq and CEL.
// Values outside that space are round-tripped through encoding/json.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val, nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case float32:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal(val, &out); err != nil {
			return nil, fmt.Errorf("decode raw json: %w", err)
		}
		return out, nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("normalize %T: %w", v, err)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("normalize %T: %w", v, err)
		}
		return out, nil
	}
}

// NormalizeMap is Normalize for the common map case. Nil yields an empty map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	n, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	return n.(map[string]any), nil
}
