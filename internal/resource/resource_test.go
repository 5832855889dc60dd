package resource_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/scimserver/internal/resource"
)

func TestGetSetCaseInsensitive(t *testing.T) {
	doc := resource.Document{"UserName": "bjensen"}
	v, ok := resource.Get(doc, "", "username", "")
	require.True(t, ok)
	assert.Equal(t, "bjensen", v)

	resource.Set(doc, "", "username", "", "other")
	assert.Equal(t, "other", doc["UserName"], "Set must update the existing key's original casing")
}

func TestGetSetSubAttribute(t *testing.T) {
	doc := resource.Document{}
	resource.Set(doc, "", "name", "givenName", "Babs")
	name, ok := doc["name"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Babs", name["givenName"])

	v, ok := resource.Get(doc, "", "name", "givenName")
	require.True(t, ok)
	assert.Equal(t, "Babs", v)
}

func TestGetSetExtensionURN(t *testing.T) {
	const urn = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
	doc := resource.Document{}
	resource.Set(doc, urn, "employeeNumber", "", "701984")

	v, ok := resource.Get(doc, urn, "employeeNumber", "")
	require.True(t, ok)
	assert.Equal(t, "701984", v)
}

func TestDelete(t *testing.T) {
	doc := resource.Document{"displayName": "Babs Jensen"}
	resource.Delete(doc, "", "displayName", "")
	assert.NotContains(t, doc, "displayName")
}

func TestMultiAndSetMulti(t *testing.T) {
	doc := resource.Document{}
	resource.SetMulti(doc, "", "emails", []any{map[string]any{"value": "a@example.com"}})
	arr, ok := resource.Multi(doc, "", "emails")
	require.True(t, ok)
	assert.Len(t, arr, 1)
}

func TestClonedeepIsolatesMutation(t *testing.T) {
	doc := resource.Document{"emails": []any{map[string]any{"value": "a@example.com"}}}
	clone := resource.Clone(doc)
	clone["emails"].([]any)[0].(map[string]any)["value"] = "changed"
	assert.Equal(t, "a@example.com", doc["emails"].([]any)[0].(map[string]any)["value"], "Clone must be a deep copy")
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, resource.IsEmpty(nil, false))
	assert.True(t, resource.IsEmpty(nil, true))
	assert.True(t, resource.IsEmpty("", true))
	assert.True(t, resource.IsEmpty([]any{}, true))
	assert.False(t, resource.IsEmpty("x", true))
	assert.False(t, resource.IsEmpty([]any{1}, true))
}
