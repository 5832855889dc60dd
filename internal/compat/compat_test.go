package compat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/scimserver/internal/compat"
	"github.com/xraph/scimserver/internal/resource"
)

func TestApplyMetaEpochFormat(t *testing.T) {
	doc := resource.Document{"meta": map[string]any{
		"created":      "2024-01-01T00:00:00Z",
		"lastModified": "2024-01-02T00:00:00Z",
	}}
	out := compat.Apply(doc, compat.Toggles{MetaDateTimeFormatEpoch: true})
	meta := out["meta"].(map[string]any)
	assert.Equal(t, "1704067200000", meta["created"])
	assert.Equal(t, "1704153600000", meta["lastModified"])
}

func TestApplyMetaDefaultLeavesRFC3339(t *testing.T) {
	doc := resource.Document{"meta": map[string]any{"created": "2024-01-01T00:00:00Z"}}
	out := compat.Apply(doc, compat.Toggles{})
	meta := out["meta"].(map[string]any)
	assert.Equal(t, "2024-01-01T00:00:00Z", meta["created"])
}

func TestApplyHidesEmptyMembersByDefault(t *testing.T) {
	doc := resource.Document{"members": []any{}}
	out := compat.Apply(doc, compat.Toggles{ShowEmptyGroupsMembers: false})
	assert.NotContains(t, out, "members")
}

func TestApplyShowsEmptyMembersWhenToggled(t *testing.T) {
	doc := resource.Document{"members": []any{}}
	out := compat.Apply(doc, compat.Toggles{ShowEmptyGroupsMembers: true})
	assert.Contains(t, out, "members")
}

func TestApplyKeepsNonEmptyMembersRegardless(t *testing.T) {
	doc := resource.Document{"members": []any{map[string]any{"value": "u1"}}}
	out := compat.Apply(doc, compat.Toggles{ShowEmptyGroupsMembers: false})
	require.Contains(t, out, "members")
	assert.Len(t, out["members"], 1)
}

func TestApplyRemovesGroupsWhenNotIncluded(t *testing.T) {
	doc := resource.Document{"groups": []any{map[string]any{"value": "g1"}}}
	out := compat.Apply(doc, compat.Toggles{IncludeUserGroups: false})
	assert.NotContains(t, out, "groups")
}

func TestApplyKeepsGroupsWhenIncluded(t *testing.T) {
	doc := resource.Document{"groups": []any{map[string]any{"value": "g1"}}}
	out := compat.Apply(doc, compat.Toggles{IncludeUserGroups: true})
	assert.Contains(t, out, "groups")
}
