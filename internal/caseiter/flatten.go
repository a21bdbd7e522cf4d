package caseiter

import "fmt"

// FlatPair is one (dotted-path, scalar) result of Flatten.
type FlatPair struct {
	Name string
	Value any
}

// flattener decomposes a value reachable under name into FlatPairs.
// Registered flatteners are tried most recently registered first; the
// first whose detect() matches wins.
type flattener struct {
	detect func(v any) bool
	flat func(name string, v any) []FlatPair
}

var flattenRegistry []flattener

func init() {
	RegisterFlattener(isScalar, flattenScalar)
	RegisterFlattener(isSequence, flattenSequence)
}

// RegisterFlattener extends the Flatten dispatch with a new
// (kind-detector, flattener) pair, checked ahead of the built-in
// scalar/sequence handlers.
func RegisterFlattener(detect func(v any) bool, flat func(name string, v any) []FlatPair) {
	flattenRegistry = append([]flattener{{detect: detect, flat: flat}}, flattenRegistry...)
}

// Flatten recursively decomposes a nested numeric/sequence value into
// (dotted-name, scalar) pairs. Unknown types flatten to
// nothing.
func Flatten(name string, value any) []FlatPair {
	for _, f := range flattenRegistry {
		if f.detect(value) {
			return f.flat(name, value)
		}
	}
	return nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, string, bool:
		return true
	default:
		return false
	}
}

func flattenScalar(name string, v any) []FlatPair {
	return []FlatPair{{Name: name, Value: v}}
}

func isSequence(v any) bool {
	switch v.(type) {
	case []any, []int, []float64, []string, [][]any, [][]float64:
		return true
	default:
		return false
	}
}

// flattenSequence recurses into ordered sequences, appending "[i]" to
// the path at each nesting level.
func flattenSequence(name string, v any) []FlatPair {
	items := toAnySlice(v)
	if items == nil {
		return nil
	}
	var out []FlatPair
	for i, entry := range items {
		path := fmt.Sprintf("%s[%d]", name, i)
		if isSequence(entry) {
			out = append(out, flattenSequence(path, entry)...)
		} else if isScalar(entry) {
			out = append(out, flattenScalar(path, entry)...)
		}
		// other nested types flatten to nothing, per spec.
	}
	return out
}

func toAnySlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []int:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case []float64:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case [][]any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	case [][]float64:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = x
		}
		return out
	default:
		return nil
	}
}
