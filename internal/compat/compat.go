// Package compat implements the Compatibility Shaper (spec.md §4.8):
// per-tenant response-shape toggles applied last, immediately before
// serialization. Storage representation is always invariant — these
// toggles only affect what is rendered back to the client.
package compat

import (
	"strconv"
	"time"

	"github.com/xraph/scimserver/internal/resource"
)

// Toggles are the per-tenant compatibility switches from spec.md §4.8.
type Toggles struct {
	MetaDateTimeFormatEpoch bool // meta_datetime_format=epoch
	ShowEmptyGroupsMembers  bool // show_empty_groups_members
	IncludeUserGroups       bool // include_user_groups
}

// Apply shapes doc in place (on a document the caller already owns, such
// as one produced by the projection engine) according to t.
func Apply(doc resource.Document, t Toggles) resource.Document {
	shapeMeta(doc, t)
	shapeMultiValued(doc, "groups", t.ShowEmptyGroupsMembers)
	shapeMultiValued(doc, "members", t.ShowEmptyGroupsMembers)
	if !t.IncludeUserGroups {
		delete(doc, "groups")
		deleteCI(doc, "groups")
	}
	return doc
}

func shapeMeta(doc resource.Document, t Toggles) {
	v, ok := doc["meta"]
	if !ok {
		return
	}
	meta, ok := v.(map[string]any)
	if !ok {
		return
	}
	if !t.MetaDateTimeFormatEpoch {
		return
	}
	for _, field := range []string{"created", "lastModified"} {
		s, ok := meta[field].(string)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			continue
		}
		meta[field] = strconv.FormatInt(ts.UnixMilli(), 10)
	}
}

// shapeMultiValued removes an empty "groups"/"members" array from doc
// when showEmpty is false; spec.md's default renders "[]".
func shapeMultiValued(doc resource.Document, name string, showEmpty bool) {
	if showEmpty {
		return
	}
	v, ok := doc[name]
	if !ok {
		return
	}
	arr, ok := v.([]any)
	if !ok || len(arr) > 0 {
		return
	}
	delete(doc, name)
}

func deleteCI(m map[string]any, key string) {
	for k := range m {
		if equalFold(k, key) {
			delete(m, k)
			return
		}
	}
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
