package tenant_test

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/scimserver/internal/tenant"
)

func TestResolveLongestPathPrefixWins(t *testing.T) {
	reg := tenant.NewRegistry([]*tenant.Descriptor{
		{ID: 1, Path: "/scim"},
		{ID: 2, Path: "/scim/v2"},
	})

	req := httptest.NewRequest(http.MethodGet, "/scim/v2/Users", nil)
	resolved, ok := reg.Resolve(req)
	require.True(t, ok)
	assert.Equal(t, 2, resolved.Tenant.ID)
}

func TestResolvePrefersHostMatchOverPathOnly(t *testing.T) {
	reg := tenant.NewRegistry([]*tenant.Descriptor{
		{ID: 1, Path: "/scim"},
		{ID: 2, Path: "/scim", Host: "tenant-a.example.com"},
	})

	req := httptest.NewRequest(http.MethodGet, "/scim/Users", nil)
	req.Host = "tenant-a.example.com"
	resolved, ok := reg.Resolve(req)
	require.True(t, ok)
	assert.Equal(t, 2, resolved.Tenant.ID)
}

func TestResolveNoMatchReturnsFalse(t *testing.T) {
	reg := tenant.NewRegistry([]*tenant.Descriptor{{ID: 1, Path: "/scim"}})
	req := httptest.NewRequest(http.MethodGet, "/other/Users", nil)
	_, ok := reg.Resolve(req)
	assert.False(t, ok)
}

func TestBaseURLUsesOverrideWhenSet(t *testing.T) {
	resolved := &tenant.Resolved{
		Tenant:        &tenant.Descriptor{Path: "/scim", OverrideBaseURL: "https://api.example.com/scim/"},
		EffectiveHost: "internal.local",
	}
	assert.Equal(t, "https://api.example.com/scim", resolved.BaseURL())
}

func TestBaseURLDerivesFromEffectiveHost(t *testing.T) {
	resolved := &tenant.Resolved{
		Tenant:        &tenant.Descriptor{Path: "/scim"},
		EffectiveHost: "tenant.example.com",
	}
	assert.Equal(t, "http://tenant.example.com/scim", resolved.BaseURL())
}

func TestAuthenticateBearer(t *testing.T) {
	d := &tenant.Descriptor{Auth: tenant.AuthBearer, BearerToken: "secret-token"}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	ok, _ := tenant.Authenticate(req, d)
	assert.True(t, ok)

	req.Header.Set("Authorization", "Bearer wrong-token")
	ok, scheme := tenant.Authenticate(req, d)
	assert.False(t, ok)
	assert.Equal(t, "Bearer", scheme)
}

func TestAuthenticateBasic(t *testing.T) {
	d := &tenant.Descriptor{Auth: tenant.AuthBasic, BasicUser: "admin", BasicPass: "hunter2"}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	creds := base64.StdEncoding.EncodeToString([]byte("admin:hunter2"))
	req.Header.Set("Authorization", "Basic "+creds)
	ok, _ := tenant.Authenticate(req, d)
	assert.True(t, ok)

	badCreds := base64.StdEncoding.EncodeToString([]byte("admin:wrong"))
	req.Header.Set("Authorization", "Basic "+badCreds)
	ok, _ = tenant.Authenticate(req, d)
	assert.False(t, ok)
}

func TestAuthenticateUnauthenticatedAlwaysPasses(t *testing.T) {
	d := &tenant.Descriptor{Auth: tenant.AuthUnauthenticated}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ok, _ := tenant.Authenticate(req, d)
	assert.True(t, ok)
}

func TestAllowRateLimitsPerTenant(t *testing.T) {
	reg := tenant.NewRegistry([]*tenant.Descriptor{
		{ID: 1, RateLimit: tenant.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1}},
	})
	d := &tenant.Descriptor{ID: 1, RateLimit: tenant.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1}}

	assert.True(t, reg.Allow(d), "first request within burst must pass")
	assert.False(t, reg.Allow(d), "second immediate request must be throttled")
}

func TestAllowPassesWhenDisabled(t *testing.T) {
	reg := tenant.NewRegistry(nil)
	d := &tenant.Descriptor{ID: 1}
	assert.True(t, reg.Allow(d))
	assert.True(t, reg.Allow(d))
}

func TestAuthenticateMissingHeaderFails(t *testing.T) {
	d := &tenant.Descriptor{Auth: tenant.AuthBearer, BearerToken: "secret"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ok, scheme := tenant.Authenticate(req, d)
	assert.False(t, ok)
	assert.Equal(t, "Bearer", scheme)
}
