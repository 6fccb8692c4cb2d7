package expressions

import (
	"encoding/json"
	"reflect"
)

// Scope is the read-only view of a run's state that references are resolved against.
// Resolution never mutates any of the maps.
type Scope struct {
	Input any            // the run's input payload
	Nodes map[string]any // node id -> recorded output
	Vars  map[string]any // scoped variables
}

// Reserved reference sources. Anything else names a node.
const (
	SourceInput = "input"
	SourceVar   = "var"
)

// DeepCopy recursively copies maps and slices so a snapshot cannot alias live run state.
// Primitives are value types and returned as-is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = DeepCopy(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopy(item)
		}
		return cp
	case json.RawMessage:
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// DeepCopyMap is DeepCopy specialised for the common map case.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return DeepCopy(m).(map[string]any)
}

// lookup descends one path segment into v. The second return is false when the
// segment does not exist or v cannot be indexed.
func lookup(v any, seg string) (any, bool) {
	switch c := v.(type) {
	case map[string]any:
		out, ok := c[seg]
		return out, ok
	case []any:
		i, ok := arrayIndex(seg, len(c))
		if !ok {
			return nil, false
		}
		return c[i], true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !out.IsValid() {
			return nil, false
		}
		return out.Interface(), true
	case reflect.Slice, reflect.Array:
		i, ok := arrayIndex(seg, rv.Len())
		if !ok {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

func arrayIndex(seg string, n int) (int, bool) {
	if seg == "" {
		return 0, false
	}
	i := 0
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
		i = i*10 + int(r-'0')
		if i >= n {
			return 0, false
		}
	}
	return i, true
}
