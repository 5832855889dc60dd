package projection_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/scimserver/internal/projection"
	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
)

func TestParseParamsMutualExclusion(t *testing.T) {
	_, err := projection.ParseParams("userName", "displayName")
	assert.Error(t, err)

	p, err := projection.ParseParams("userName, displayName", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"userName", "displayName"}, p.Attributes)
}

func doc() resource.Document {
	return resource.Document{
		"id":          "1",
		"schemas":     []string{"urn:ietf:params:scim:schemas:core:2.0:User"},
		"userName":    "bjensen",
		"displayName": "Babs Jensen",
		"meta":        map[string]any{"resourceType": "User"},
		"name":        map[string]any{"givenName": "Babs", "familyName": "Jensen"},
	}
}

func TestApplyIncludeKeepsAlwaysRetainedAndListed(t *testing.T) {
	out := projection.Apply(doc(), projection.Params{Attributes: []string{"userName"}})
	assert.Equal(t, "bjensen", out["userName"])
	assert.Contains(t, out, "id")
	assert.Contains(t, out, "schemas")
	assert.Contains(t, out, "meta")
	assert.NotContains(t, out, "displayName")
}

func TestApplyIncludeSubAttribute(t *testing.T) {
	out := projection.Apply(doc(), projection.Params{Attributes: []string{"name.givenName"}})
	name, ok := out["name"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Babs", name["givenName"])
	assert.NotContains(t, name, "familyName")
}

func TestApplyExcludeRemovesListedButKeepsAlwaysRetained(t *testing.T) {
	out := projection.Apply(doc(), projection.Params{ExcludedAttributes: []string{"displayName", "id"}})
	assert.NotContains(t, out, "displayName")
	assert.Contains(t, out, "id", "id is always retained even if excluded is requested")
	assert.Contains(t, out, "userName")
}

func TestApplyNoParamsReturnsUnchanged(t *testing.T) {
	d := doc()
	out := projection.Apply(d, projection.Params{})
	assert.Equal(t, d, out)
}

func TestApplyReturnedPolicyStripsWriteOnlyPassword(t *testing.T) {
	d := resource.Document{
		"id":       "1",
		"userName": "bjensen",
		"password": "$2a$10$hashedvalue",
	}
	out := projection.ApplyReturnedPolicy(d, schema.NewRegistry().UserSchema())
	assert.NotContains(t, out, "password")
	assert.Equal(t, "bjensen", out["userName"])
}

func TestApplyIncludeMultiValuedSubAttribute(t *testing.T) {
	d := resource.Document{
		"id": "1",
		"emails": []any{
			map[string]any{"value": "a@example.com", "type": "work"},
			map[string]any{"value": "b@example.com", "type": "home"},
		},
	}
	out := projection.Apply(d, projection.Params{Attributes: []string{"emails.value"}})
	emails, ok := out["emails"].([]any)
	require.True(t, ok)
	require.Len(t, emails, 2)
	for _, el := range emails {
		m := el.(map[string]any)
		assert.NotContains(t, m, "type")
		assert.Contains(t, m, "value")
	}
}
