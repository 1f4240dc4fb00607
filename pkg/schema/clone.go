package schema

import "encoding/json"

// CloneValue recursively deep-copies maps, slices and raw JSON.
// Primitives are returned as-is since they are value types.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = CloneValue(item)
		}
		return cp
	case []any:
		if val == nil {
			return val
		}
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = CloneValue(item)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case map[string]string:
		cp := make(map[string]string, len(val))
		for k, item := range val {
			cp[k] = item
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
