// Package state implements the session state tree shared by all pipeline
// stages: a JSON-compatible map with deep clone, deep merge, dotted-path
// access, and canonical content hashing.
//
// The tree is the only inter-stage communication channel. Stages receive a
// defensive copy and return partial updates; the composer merges updates back
// with Merge. Leaves are restricted to JSON-compatible values (string, bool,
// numbers, nil, []any, map[string]any).
package state

import (
	"strings"
)

// Tree is a state tree or subtree.
type Tree = map[string]any

// Clone returns a deep copy of v. Maps and slices are copied recursively;
// scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}

// CloneTree is Clone specialized to a map root. A nil input yields an empty
// tree.
func CloneTree(s Tree) Tree {
	if s == nil {
		return Tree{}
	}
	return Clone(s).(Tree)
}

// Merge deep-merges src into dst and returns dst. Where both sides hold maps
// the merge recurses; every other value (scalars and lists included) is
// replaced by a deep copy of the source value.
func Merge(dst, src Tree) Tree {
	if dst == nil {
		dst = Tree{}
	}
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				Merge(dm, sm)
				continue
			}
		}
		dst[k] = Clone(sv)
	}
	return dst
}

// Get resolves a dotted path ("driver.protocol.frames") against s. The second
// return is false when any segment is missing or not a map.
func Get(s Tree, path string) (any, bool) {
	cur := any(s)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetMap returns the map at path, or nil when absent or not a map.
func GetMap(s Tree, path string) Tree {
	v, ok := Get(s, path)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// GetSlice returns the list at path, or nil.
func GetSlice(s Tree, path string) []any {
	v, ok := Get(s, path)
	if !ok {
		return nil
	}
	l, _ := v.([]any)
	return l
}

// GetString returns the string at path, or def.
func GetString(s Tree, path, def string) string {
	v, ok := Get(s, path)
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok {
		return def
	}
	return str
}

// GetFloat returns the numeric value at path coerced to float64, or def.
func GetFloat(s Tree, path string, def float64) float64 {
	v, ok := Get(s, path)
	if !ok {
		return def
	}
	f, ok := AsFloat(v)
	if !ok {
		return def
	}
	return f
}

// GetInt returns the numeric value at path truncated to int, or def.
func GetInt(s Tree, path string, def int) int {
	f, ok := Get(s, path)
	if !ok {
		return def
	}
	n, ok := AsFloat(f)
	if !ok {
		return def
	}
	return int(n)
}

// GetInt64 returns the numeric value at path truncated to int64, or def.
func GetInt64(s Tree, path string, def int64) int64 {
	f, ok := Get(s, path)
	if !ok {
		return def
	}
	n, ok := AsFloat(f)
	if !ok {
		return def
	}
	return int64(n)
}

// GetBool returns the bool at path, or def.
func GetBool(s Tree, path string, def bool) bool {
	v, ok := Get(s, path)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// Set writes v at the dotted path, creating intermediate maps. Existing
// non-map intermediates are replaced.
func Set(s Tree, path string, v any) {
	segs := strings.Split(path, ".")
	cur := s
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = Tree{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

// AsFloat coerces any numeric leaf to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Strings converts a []any of strings into []string, skipping other values.
func Strings(l []any) []string {
	out := make([]string, 0, len(l))
	for _, v := range l {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Maps filters a []any down to its map elements.
func Maps(l []any) []Tree {
	out := make([]Tree, 0, len(l))
	for _, v := range l {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
