// Package resource provides shared helpers for navigating and mutating SCIM
// resource documents, which are represented as plain JSON objects rather
// than fixed Go structs so the filter, PATCH, and projection engines can
// address arbitrary schema/attribute/sub-attribute paths uniformly.
package resource

import "strings"

// Document is a SCIM resource body, decoded from or destined for JSON.
type Document map[string]any

// Clone returns a deep copy of doc so callers can mutate without aliasing
// the stored version.
func Clone(doc Document) Document {
	return cloneValue(doc).(Document)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		out := make(Document, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Get performs a case-insensitive lookup of a single top-level or dotted
// attribute path against doc. Schema-extension paths (those containing a
// URN prefix ending in ':') are resolved by first looking up the URN key,
// then the remaining dotted segments within it.
func Get(doc Document, urn, attr, subAttr string) (any, bool) {
	var container map[string]any = doc
	if urn != "" {
		v, ok := lookupCI(container, urn)
		if !ok {
			return nil, false
		}
		sub, ok := asMap(v)
		if !ok {
			return nil, false
		}
		container = sub
	}
	v, ok := lookupCI(container, attr)
	if !ok || subAttr == "" {
		return v, ok
	}
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	return lookupCI(m, subAttr)
}

// Set assigns value at the given path, creating intermediate containers
// (the URN extension object, or the attribute's map) as needed.
func Set(doc Document, urn, attr, subAttr string, value any) {
	container := map[string]any(doc)
	if urn != "" {
		sub, ok := asMap(lookupOrNilCI(container, urn))
		if !ok {
			sub = map[string]any{}
		}
		setCI(container, urn, sub)
		container = sub
	}
	if subAttr == "" {
		setCI(container, attr, value)
		return
	}
	sub, ok := asMap(lookupOrNilCI(container, attr))
	if !ok {
		sub = map[string]any{}
	}
	setCI(sub, subAttr, value)
	setCI(container, attr, sub)
}

// Delete removes the attribute or sub-attribute at the given path.
func Delete(doc Document, urn, attr, subAttr string) {
	container := map[string]any(doc)
	if urn != "" {
		sub, ok := asMap(lookupOrNilCI(container, urn))
		if !ok {
			return
		}
		container = sub
	}
	if subAttr == "" {
		deleteCI(container, attr)
		return
	}
	sub, ok := asMap(lookupOrNilCI(container, attr))
	if !ok {
		return
	}
	deleteCI(sub, subAttr)
}

// Multi returns the value at the path as a []any, if it holds one.
func Multi(doc Document, urn, attr string) ([]any, bool) {
	v, ok := Get(doc, urn, attr, "")
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	return arr, ok
}

// SetMulti assigns a []any value at the path.
func SetMulti(doc Document, urn, attr string, values []any) {
	Set(doc, urn, attr, "", values)
}

// lookupCI looks up key in m case-insensitively.
func lookupCI(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	lower := strings.ToLower(key)
	for k, v := range m {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return nil, false
}

func lookupOrNilCI(m map[string]any, key string) any {
	v, _ := lookupCI(m, key)
	return v
}

// setCI assigns value under the canonical casing already present for key,
// or under key itself if absent.
func setCI(m map[string]any, key string, value any) {
	lower := strings.ToLower(key)
	for k := range m {
		if strings.ToLower(k) == lower {
			m[k] = value
			return
		}
	}
	m[key] = value
}

func deleteCI(m map[string]any, key string) {
	lower := strings.ToLower(key)
	for k := range m {
		if strings.ToLower(k) == lower {
			delete(m, k)
			return
		}
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Document:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

// StringValue coerces v to a string, returning "" for non-strings.
func StringValue(v any) string {
	s, _ := v.(string)
	return s
}

// BoolValue coerces v to a bool.
func BoolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

// IsEmpty reports whether v is absent, nil, an empty string, an empty
// slice, or an empty map — used by the "pr" (present) filter operator.
func IsEmpty(v any, ok bool) bool {
	if !ok || v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case Document:
		return len(t) == 0
	default:
		return false
	}
}
