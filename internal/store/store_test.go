package store_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/xraph/scimserver/internal/filter"
	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
	"github.com/xraph/scimserver/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqldb.Close() })
	db := bun.NewDB(sqldb, sqlitedialect.New())
	return store.New(db, store.EngineSQLite)
}

func userDoc(userName string) resource.Document {
	return resource.Document{"userName": userName}
}

func TestCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	orig := userDoc("alice")
	created, meta, err := st.Create(ctx, 1, store.KindUser, orig, orig)
	require.NoError(t, err)
	require.NotEmpty(t, created["id"])
	assert.Equal(t, int64(1), meta.Version)

	id := created["id"].(string)
	got, gotMeta, err := st.Get(ctx, 1, store.KindUser, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", got["userName"])
	assert.Equal(t, int64(1), gotMeta.Version)

	require.NoError(t, st.Delete(ctx, 1, store.KindUser, id))
	_, _, err = st.Get(ctx, 1, store.KindUser, id)
	require.Error(t, err)
	se, ok := scimerr.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, se.Status)
}

func TestCreateRejectsDuplicateNaturalKey(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	orig := userDoc("bob")
	_, _, err := st.Create(ctx, 1, store.KindUser, orig, orig)
	require.NoError(t, err)

	_, _, err = st.Create(ctx, 1, store.KindUser, userDoc("bob"), userDoc("bob"))
	require.Error(t, err)
	se, ok := scimerr.As(err)
	require.True(t, ok)
	assert.Equal(t, scimerr.TypeUniqueness, se.ScimType)
}

func TestUpdateOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	orig := userDoc("carol")
	created, meta, err := st.Create(ctx, 1, store.KindUser, orig, orig)
	require.NoError(t, err)
	id := created["id"].(string)

	updated := userDoc("carol-renamed")
	_, newMeta, err := st.Update(ctx, 1, store.KindUser, id, meta.Version, updated, updated)
	require.NoError(t, err)
	assert.Equal(t, int64(2), newMeta.Version)

	// stale version now conflicts.
	_, _, err = st.Update(ctx, 1, store.KindUser, id, meta.Version, updated, updated)
	require.Error(t, err)
	se, ok := scimerr.As(err)
	require.True(t, ok)
	assert.Equal(t, 409, se.Status)
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	err := st.Delete(ctx, 1, store.KindUser, "does-not-exist")
	require.Error(t, err)
	se, ok := scimerr.As(err)
	require.True(t, ok)
	assert.Equal(t, 404, se.Status)
}

func TestListPaginatesAndSorts(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	for _, name := range []string{"zed", "amy", "mike"} {
		_, _, err := st.Create(ctx, 1, store.KindUser, userDoc(name), userDoc(name))
		require.NoError(t, err)
	}

	reg := schema.NewRegistry()
	page, err := st.List(ctx, 1, store.KindUser, store.ListParams{
		SortBy:     "userName",
		StartIndex: 1,
		Count:      2,
		Schema:     reg.UserSchema(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalCount)
	require.Len(t, page.Resources, 2)
	assert.Equal(t, "amy", page.Resources[0]["userName"])
	assert.Equal(t, "mike", page.Resources[1]["userName"])
}

func TestListAppliesInProcessFilter(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	for _, name := range []string{"alice", "bob"} {
		_, _, err := st.Create(ctx, 1, store.KindUser, userDoc(name), userDoc(name))
		require.NoError(t, err)
	}

	reg := schema.NewRegistry()
	expr, err := filter.Parse(`userName eq "bob"`)
	require.NoError(t, err)

	page, err := st.List(ctx, 1, store.KindUser, store.ListParams{
		Filter: expr,
		Schema: reg.UserSchema(),
	})
	require.NoError(t, err)
	require.Len(t, page.Resources, 1)
	assert.Equal(t, "bob", page.Resources[0]["userName"])
}

func TestSyncMembersAndResolve(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	u, _, err := st.Create(ctx, 1, store.KindUser, userDoc("dave"), userDoc("dave"))
	require.NoError(t, err)
	userID := u["id"].(string)

	g, _, err := st.Create(ctx, 1, store.KindGroup, resource.Document{"displayName": "Engineers"}, resource.Document{"displayName": "Engineers"})
	require.NoError(t, err)
	groupID := g["id"].(string)

	doc := resource.Document{
		"displayName": "Engineers",
		"members": []any{
			map[string]any{"value": userID, "type": "User"},
		},
	}
	require.NoError(t, st.SyncMembers(ctx, 1, groupID, doc))
	_, hasMembers := doc["members"]
	assert.False(t, hasMembers, "SyncMembers must strip members before persistence")

	members, err := st.ResolveMembers(ctx, 1, groupID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	m := members[0].(map[string]any)
	assert.Equal(t, userID, m["value"])
	assert.Equal(t, "dave", m["display"])

	groups, err := st.ResolveGroupsForUser(ctx, 1, userID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, groupID, groups[0].(map[string]any)["value"])

	// removing the membership on a second sync must clear it.
	empty := resource.Document{"displayName": "Engineers", "members": []any{}}
	require.NoError(t, st.SyncMembers(ctx, 1, groupID, empty))
	members, err = st.ResolveMembers(ctx, 1, groupID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestListMembersFilterMatchesRehydratedMembership(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	u, _, err := st.Create(ctx, 1, store.KindUser, userDoc("erin"), userDoc("erin"))
	require.NoError(t, err)
	userID := u["id"].(string)

	g, _, err := st.Create(ctx, 1, store.KindGroup, resource.Document{"displayName": "Engineers"}, resource.Document{"displayName": "Engineers"})
	require.NoError(t, err)
	groupID := g["id"].(string)
	require.NoError(t, st.SyncMembers(ctx, 1, groupID, resource.Document{
		"members": []any{map[string]any{"value": userID, "type": "User"}},
	}))

	_, _, err = st.Create(ctx, 1, store.KindGroup, resource.Document{"displayName": "Other"}, resource.Document{"displayName": "Other"})
	require.NoError(t, err)

	reg := schema.NewRegistry()
	expr, err := filter.Parse(`members[value eq "` + userID + `"]`)
	require.NoError(t, err)

	page, err := st.List(ctx, 1, store.KindGroup, store.ListParams{
		Filter: expr,
		Schema: reg.GroupSchema(),
	})
	require.NoError(t, err)
	require.Len(t, page.Resources, 1, "members[value eq ...] must match the group the user was synced into")
	assert.Equal(t, groupID, page.Resources[0]["id"])
}

func TestSyncMembersIdempotentWhenTypeOmitted(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	u, _, err := st.Create(ctx, 1, store.KindUser, userDoc("frank"), userDoc("frank"))
	require.NoError(t, err)
	userID := u["id"].(string)

	g, _, err := st.Create(ctx, 1, store.KindGroup, resource.Document{"displayName": "Ops"}, resource.Document{"displayName": "Ops"})
	require.NoError(t, err)
	groupID := g["id"].(string)

	// first sync omits type, same as a client that never sets it.
	require.NoError(t, st.SyncMembers(ctx, 1, groupID, resource.Document{
		"members": []any{map[string]any{"value": userID}},
	}))

	// a re-sync (PUT/PATCH) with the same member and no type must be a
	// no-op, not a spurious delete+insert that collides on the unique key.
	require.NoError(t, st.SyncMembers(ctx, 1, groupID, resource.Document{
		"members": []any{map[string]any{"value": userID}},
	}))

	members, err := st.ResolveMembers(ctx, 1, groupID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, userID, members[0].(map[string]any)["value"])
}

func TestLogProvisioningDoesNotError(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)
	err := st.LogProvisioning(ctx, 1, "corr-1", "User", "user-1", "create", "success", "")
	assert.NoError(t, err)
}
