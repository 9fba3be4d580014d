// Package fieldpath addresses values in nested answer and external data maps
// with dotted paths such as "answers.address.city".
package fieldpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Join concatenates path segments, skipping empty ones.
func Join(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

// Covers reports whether grant equals path or is a proper ancestor of it.
func Covers(grant, path string) bool {
	return grant == path || strings.HasPrefix(path, grant+".")
}

// Within reports whether grant is a proper descendant of path, i.e. grant
// exposes part of the subtree rooted at path.
func Within(grant, path string) bool {
	return strings.HasPrefix(grant, path+".")
}

// Lookup navigates a dot-separated path through nested maps.
func Lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Leaves flattens a patch into the sorted list of leaf paths it writes,
// each prefixed with root. Arrays, scalars, nulls and empty maps are leaves.
func Leaves(root string, patch map[string]any) []string {
	var out []string
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			p := Join(prefix, k)
			if sub, ok := v.(map[string]any); ok && len(sub) > 0 {
				walk(p, sub)
				continue
			}
			out = append(out, p)
		}
	}
	walk(root, patch)
	sort.Strings(out)
	return out
}

// MergePatch applies patch to target as a JSON merge patch and returns a new
// map. A nil value deletes the key; nested maps merge recursively; any other
// value replaces the target value. target is not modified.
func MergePatch(target, patch map[string]any) map[string]any {
	out := make(map[string]any, len(target)+len(patch))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			existing, _ := out[k].(map[string]any)
			out[k] = MergePatch(existing, sub)
			continue
		}
		out[k] = v
	}
	return out
}

// Project returns the part of data visible through grants. data is the
// subtree addressed by root. Keys covered by a grant are copied whole; keys
// that only contain granted descendants are projected recursively.
func Project(root string, data map[string]any, grants []string) map[string]any {
	out := make(map[string]any)
	for k, v := range data {
		p := Join(root, k)
		if anyCovers(grants, p) {
			out[k] = v
			continue
		}
		if !anyWithin(grants, p) {
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if projected := Project(p, sub, grants); len(projected) > 0 {
				out[k] = projected
			}
		}
	}
	return out
}

func anyCovers(grants []string, path string) bool {
	for _, g := range grants {
		if Covers(g, path) {
			return true
		}
	}
	return false
}

func anyWithin(grants []string, path string) bool {
	for _, g := range grants {
		if Within(g, path) {
			return true
		}
	}
	return false
}

// ErrInvalidKey is returned by Normalize for an object key that cannot be
// addressed as a single path segment.
var ErrInvalidKey = errors.New("fieldpath: key is empty or contains '.'")

// Normalize converts a value into its plain JSON shape (maps, slices,
// float64, string, bool, nil) so that validation and expressions see the
// same types regardless of where the value came from. Nested object keys
// must be non-empty and free of dots.
func Normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fieldpath: normalize: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("fieldpath: normalize: %w", err)
	}
	if err := checkKeys("", out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkKeys(prefix string, m map[string]any) error {
	for k, v := range m {
		if k == "" || strings.Contains(k, ".") {
			return fmt.Errorf("%w: %q under %q", ErrInvalidKey, k, prefix)
		}
		if child, ok := v.(map[string]any); ok {
			if err := checkKeys(Join(prefix, k), child); err != nil {
				return err
			}
		}
	}
	return nil
}
