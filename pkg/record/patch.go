package record

import (
	"sort"
	"strings"
)

// Each is the path segment that addresses every element of an array.
const Each = "$"

// Patch is a point-update directive: fields to set at the top level and
// dotted paths to remove. A Patch returned by the normalizer is never
// modified afterwards; backends only read it.
type Patch struct {
	Set   map[string]any
	Unset []string
}

// IsZero reports whether applying the patch would be a no-op by construction.
func (p Patch) IsZero() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0
}

// SetFields returns the Set keys in sorted order.
func (p Patch) SetFields() []string {
	keys := make([]string, 0, len(p.Set))
	for k := range p.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SplitUnset separates unset paths without array wildcards from those that
// contain at least one Each segment.
func (p Patch) SplitUnset() (plain, wildcard []string) {
	for _, path := range p.Unset {
		if HasWildcard(path) {
			wildcard = append(wildcard, path)
		} else {
			plain = append(plain, path)
		}
	}
	return plain, wildcard
}

// SplitPath splits a dotted path into its segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

// HasWildcard reports whether path contains an Each segment.
func HasWildcard(path string) bool {
	for _, seg := range SplitPath(path) {
		if seg == Each {
			return true
		}
	}
	return false
}

// Apply returns a copy of r with the patch applied. Fields not named by the
// patch are carried over unchanged. Unset paths that do not exist, or that
// traverse a non-document or non-array value, are ignored.
func (p Patch) Apply(r Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range p.Set {
		out[k] = CloneValue(v)
	}
	for _, path := range p.Unset {
		unsetIn(map[string]any(out), SplitPath(path))
	}
	return out
}

func unsetIn(v any, segs []string) {
	if len(segs) == 0 {
		return
	}
	if segs[0] == Each {
		arr, ok := v.([]any)
		if !ok || len(segs) == 1 {
			return
		}
		for _, elem := range arr {
			unsetIn(elem, segs[1:])
		}
		return
	}
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case Record:
		m = t
	default:
		return
	}
	if len(segs) == 1 {
		delete(m, segs[0])
		return
	}
	child, ok := m[segs[0]]
	if !ok {
		return
	}
	unsetIn(child, segs[1:])
}
