// Package projection implements the attributes/excludedAttributes
// shaping engine (spec.md §4.7) applied to an emitted resource document
// before serialization.
package projection

import (
	"strings"

	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
)

// alwaysRetained are the top-level attributes never removed, regardless
// of attributes/excludedAttributes.
var alwaysRetained = map[string]bool{
	"id":      true,
	"schemas": true,
	"meta":    true,
}

// Params is the decoded attributes/excludedAttributes query parameter
// pair; exactly one of the two slices may be non-empty.
type Params struct {
	Attributes         []string
	ExcludedAttributes []string
}

// ParseParams splits comma-separated attributes/excludedAttributes query
// values and validates mutual exclusivity.
func ParseParams(attributes, excludedAttributes string) (Params, error) {
	if attributes != "" && excludedAttributes != "" {
		return Params{}, scimerr.InvalidValue("attributes and excludedAttributes are mutually exclusive")
	}
	return Params{
		Attributes:         splitCSV(attributes),
		ExcludedAttributes: splitCSV(excludedAttributes),
	}, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ApplyReturnedPolicy strips attributes a schema declares never returned
// (returned=never or mutability=writeOnly, e.g. User's password) from
// doc, schema-driven across one or more schemas. It must run before
// Apply, since attributes/excludedAttributes shaping operates on
// whatever the server is willing to return in the first place (spec.md
// §4.3's writeOnly rule: "never echoed back, regardless of request").
func ApplyReturnedPolicy(doc resource.Document, schemas ...schema.Schema) resource.Document {
	out := resource.Clone(doc)
	for _, sch := range schemas {
		for _, attr := range sch.Attributes {
			if attr.Returned == schema.ReturnedNever || attr.Mutability == schema.MutWriteOnly {
				resource.Delete(out, "", attr.Name, "")
				continue
			}
			stripNeverReturnedSubAttrs(out, attr)
		}
	}
	return out
}

func stripNeverReturnedSubAttrs(doc resource.Document, attr schema.Attribute) {
	var drop []string
	for _, sub := range attr.SubAttributes {
		if sub.Returned == schema.ReturnedNever || sub.Mutability == schema.MutWriteOnly {
			drop = append(drop, sub.Name)
		}
	}
	if len(drop) == 0 {
		return
	}
	v, ok := resource.Get(doc, "", attr.Name, "")
	if !ok {
		return
	}
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				for _, name := range drop {
					deleteCI(m, name)
				}
			}
		}
	case map[string]any:
		for _, name := range drop {
			deleteCI(t, name)
		}
	}
}

// Apply returns doc shaped according to p as a new document, leaving doc
// itself unmodified. When both Attributes and ExcludedAttributes are
// empty, doc itself is returned.
func Apply(doc resource.Document, p Params) resource.Document {
	if len(p.Attributes) == 0 && len(p.ExcludedAttributes) == 0 {
		return doc
	}
	if len(p.Attributes) > 0 {
		return projectInclude(doc, p.Attributes)
	}
	return projectExclude(doc, p.ExcludedAttributes)
}

// projectInclude keeps only the always-retained attributes plus the
// listed paths.
func projectInclude(doc resource.Document, paths []string) resource.Document {
	out := resource.Document{}
	for k, v := range doc {
		if alwaysRetained[strings.ToLower(k)] {
			out[k] = v
		}
	}
	for _, path := range paths {
		copyPath(doc, out, path)
	}
	return out
}

// projectExclude removes the listed paths from a full clone of doc,
// never touching the always-retained set.
func projectExclude(doc resource.Document, paths []string) resource.Document {
	out := resource.Clone(doc)
	for _, path := range paths {
		top, _, _ := splitPath(path)
		if alwaysRetained[strings.ToLower(top)] {
			continue
		}
		removePath(out, path)
	}
	return out
}

// splitPath splits "attr", "attr.sub", or "urn:...:attr.sub" into
// (urn, attr, subAttr).
func splitPath(path string) (urn, attr, subAttr string) {
	rest := path
	if strings.HasPrefix(strings.ToLower(path), "urn:") {
		idx := strings.LastIndex(path, ":")
		urn = path[:idx]
		rest = path[idx+1:]
	}
	if dot := strings.Index(rest, "."); dot >= 0 {
		return urn, rest[:dot], rest[dot+1:]
	}
	return urn, rest, ""
}

func copyPath(src, dst resource.Document, path string) {
	urn, attr, subAttr := splitPath(path)
	v, ok := resource.Get(src, urn, attr, "")
	if !ok {
		return
	}
	if subAttr == "" {
		resource.Set(dst, urn, attr, "", v)
		return
	}
	copySubAttr(src, dst, urn, attr, subAttr, v)
}

// copySubAttr handles both a complex single-valued attribute
// (name.givenName) and a multi-valued one filtered element-wise
// (emails.value).
func copySubAttr(src, dst resource.Document, urn, attr, subAttr string, v any) {
	switch t := v.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, el := range t {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			sv, ok := lookupCI(m, subAttr)
			if !ok {
				continue
			}
			out = append(out, map[string]any{subAttr: sv})
		}
		if len(out) > 0 {
			resource.Set(dst, urn, attr, "", out)
		}
	case map[string]any:
		sv, ok := lookupCI(t, subAttr)
		if !ok {
			return
		}
		resource.Set(dst, urn, attr, subAttr, sv)
	}
}

func removePath(doc resource.Document, path string) {
	urn, attr, subAttr := splitPath(path)
	if subAttr == "" {
		resource.Delete(doc, urn, attr, "")
		return
	}
	v, ok := resource.Get(doc, urn, attr, "")
	if !ok {
		return
	}
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			if m, ok := el.(map[string]any); ok {
				deleteCI(m, subAttr)
			}
		}
	case map[string]any:
		deleteCI(t, subAttr)
	}
}

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

func deleteCI(m map[string]any, key string) {
	lower := strings.ToLower(key)
	for k := range m {
		if strings.ToLower(k) == lower {
			delete(m, k)
			return
		}
	}
}
