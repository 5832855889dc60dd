package httpapi_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xraph/scimserver/internal/httpapi"
	"github.com/xraph/scimserver/internal/metrics"
	"github.com/xraph/scimserver/internal/passwordhash"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/store"
	"github.com/xraph/scimserver/internal/tenant"
)

func newTestServer(t *testing.T, prefix string) *httpapi.Server {
	return newTestServerWithTenant(t, prefix, &tenant.Descriptor{
		ID: 1, Path: "/scim/v2", Auth: tenant.AuthBearer, BearerToken: "secret-token", MaxPageSize: 100,
	})
}

func newTestServerWithTenant(t *testing.T, prefix string, td *tenant.Descriptor) *httpapi.Server {
	t.Helper()
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqldb.Close() })
	db := bun.NewDB(sqldb, sqlitedialect.New())
	st := store.New(db, store.EngineSQLite)

	reg := tenant.NewRegistry([]*tenant.Descriptor{td})
	return httpapi.NewServer(reg, schema.NewRegistry(), st, passwordhash.NewBcrypt(), zap.NewNop(), metrics.New(prefix))
}

func authedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Content-Type", "application/scim+json")
	return req
}

func TestCreateAndGetUser(t *testing.T) {
	srv := newTestServer(t, "httpapitest_createget")

	body := []byte(`{"userName":"alice@example.com","name":{"givenName":"Alice"}}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodPost, "/scim/v2/Users", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get("Location"))

	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, authedRequest(http.MethodGet, "/scim/v2/Users/"+id, nil))
	require.Equal(t, http.StatusOK, rec2.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &got))
	assert.Equal(t, "alice@example.com", got["userName"])
}

func TestCreateUserNeverEchoesPassword(t *testing.T) {
	srv := newTestServer(t, "httpapitest_password")

	body := []byte(`{"userName":"alice@example.com","password":"hunter2"}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodPost, "/scim/v2/Users", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotContains(t, created, "password", "writeOnly attributes must never be echoed")
	id := created["id"].(string)

	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, authedRequest(http.MethodGet, "/scim/v2/Users/"+id, nil))
	require.Equal(t, http.StatusOK, rec2.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &got))
	assert.NotContains(t, got, "password")
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv := newTestServer(t, "httpapitest_unauthed")
	req := httptest.NewRequest(http.MethodGet, "/scim/v2/Users", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestGetMissingUserReturns404WithScimErrorDocument(t *testing.T) {
	srv := newTestServer(t, "httpapitest_missing")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodGet, "/scim/v2/Users/does-not-exist", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	schemas, _ := doc["schemas"].([]any)
	require.Len(t, schemas, 1)
	assert.Equal(t, "urn:ietf:params:scim:api:messages:2.0:Error", schemas[0])
}

func TestReplaceRequiresIfMatchVersion(t *testing.T) {
	srv := newTestServer(t, "httpapitest_replace")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodPost, "/scim/v2/Users", []byte(`{"userName":"bob"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	req := authedRequest(http.MethodPut, "/scim/v2/Users/"+id, []byte(`{"userName":"bob-renamed"}`))
	req.Header.Set("If-Match", `W/"99"`)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusPreconditionFailed, rec2.Code)

	req3 := authedRequest(http.MethodPut, "/scim/v2/Users/"+id, []byte(`{"userName":"bob-renamed"}`))
	req3.Header.Set("If-Match", `W/"1"`)
	rec3 := httptest.NewRecorder()
	srv.ServeHTTP(rec3, req3)
	require.Equal(t, http.StatusOK, rec3.Code)
}

func TestPatchReplacesAttribute(t *testing.T) {
	srv := newTestServer(t, "httpapitest_patch")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodPost, "/scim/v2/Users", []byte(`{"userName":"carol"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	patchBody := []byte(`{
		"schemas": ["urn:ietf:params:scim:api:messages:2.0:PatchOp"],
		"Operations": [{"op": "replace", "path": "active", "value": false}]
	}`)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, authedRequest(http.MethodPatch, "/scim/v2/Users/"+id, patchBody))
	require.Equal(t, http.StatusOK, rec2.Code)

	var patched map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &patched))
	assert.Equal(t, false, patched["active"])
}

func TestDeleteUser(t *testing.T) {
	srv := newTestServer(t, "httpapitest_delete")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodPost, "/scim/v2/Users", []byte(`{"userName":"dave"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, authedRequest(http.MethodDelete, "/scim/v2/Users/"+id, nil))
	assert.Equal(t, http.StatusNoContent, rec2.Code)

	rec3 := httptest.NewRecorder()
	srv.ServeHTTP(rec3, authedRequest(http.MethodGet, "/scim/v2/Users/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rec3.Code)
}

func TestServiceProviderConfigDiscovery(t *testing.T) {
	srv := newTestServer(t, "httpapitest_spconfig")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodGet, "/scim/v2/ServiceProviderConfig", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResourceTypesDiscovery(t *testing.T) {
	srv := newTestServer(t, "httpapitest_resourcetypes")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodGet, "/scim/v2/ResourceTypes", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
}

func TestListGroupsByMembersFilterRejectedWhenToggleDisabled(t *testing.T) {
	srv := newTestServerWithTenant(t, "httpapitest_groupfiltergate", &tenant.Descriptor{
		ID: 1, Path: "/scim/v2", Auth: tenant.AuthBearer, BearerToken: "secret-token", MaxPageSize: 100,
	})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodGet, `/scim/v2/Groups?filter=members[value+eq+%22x%22]`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "invalidFilter", doc["scimType"])
}

func TestListGroupsByMembersFilterMatchesWhenToggleEnabled(t *testing.T) {
	srv := newTestServerWithTenant(t, "httpapitest_groupfilterok", &tenant.Descriptor{
		ID: 1, Path: "/scim/v2", Auth: tenant.AuthBearer, BearerToken: "secret-token", MaxPageSize: 100,
		SupportGroupMembersFilter: true,
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodPost, "/scim/v2/Users", []byte(`{"userName":"gina"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var user map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	userID := user["id"].(string)

	groupBody := []byte(`{"displayName":"Ops","members":[{"value":"` + userID + `"}]}`)
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, authedRequest(http.MethodPost, "/scim/v2/Groups", groupBody))
	require.Equal(t, http.StatusCreated, rec2.Code)

	rec3 := httptest.NewRecorder()
	srv.ServeHTTP(rec3, authedRequest(http.MethodGet, `/scim/v2/Groups?filter=members[value+eq+%22`+userID+`%22]`, nil))
	require.Equal(t, http.StatusOK, rec3.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["totalResults"], "members[value eq ...] must resolve via the memberships join, not an empty data_orig field")
}

func TestListWithUnknownFilterAttributeReturns400(t *testing.T) {
	srv := newTestServer(t, "httpapitest_unknownfilterattr")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodGet, `/scim/v2/Users?filter=bogusAttr+eq+%22x%22`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "invalidFilter", doc["scimType"])
}

func TestListUsersWithFilter(t *testing.T) {
	srv := newTestServer(t, "httpapitest_list")

	for _, name := range []string{"eve", "frank"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, authedRequest(http.MethodPost, "/scim/v2/Users", []byte(`{"userName":"`+name+`"}`)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, authedRequest(http.MethodGet, `/scim/v2/Users?filter=userName+eq+%22eve%22`, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["totalResults"])
}
