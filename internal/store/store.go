// Package store implements the Tenant Store (spec.md §4.6): per-tenant
// namespaced tables for Users, Groups, and Memberships, driven through a
// single bun.DB handle shared across both supported dialects. Table
// names are computed per tenant (`t{T}_users`, ...), created lazily and
// idempotently on first use, modeled on the teacher's
// cmd/authsome-cli/db.go dialect-switching connection helper.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/xraph/scimserver/internal/filter"
	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
)

// Engine names the two supported storage engines.
type Engine string

const (
	EnginePostgres Engine = "postgres"
	EngineSQLite   Engine = "sqlite"
)

// Kind is the SCIM resource type a row belongs to.
type Kind string

const (
	KindUser  Kind = "users"
	KindGroup Kind = "groups"
)

const defaultMaxPageSize = 200

// Store is the Tenant Store: bun-backed, dialect-agnostic CRUD for
// User/Group/Membership rows plus the per-tenant provisioning log.
type Store struct {
	DB     *bun.DB
	Engine Engine

	mu      sync.Mutex
	created map[int]bool
}

// New builds a Store bound to db. engine only affects diagnostics; bun's
// dialect abstraction handles the SQL differences.
func New(db *bun.DB, engine Engine) *Store {
	return &Store{DB: db, Engine: engine, created: map[int]bool{}}
}

func usersTable(tenantID int) string        { return fmt.Sprintf("t%d_users", tenantID) }
func groupsTable(tenantID int) string       { return fmt.Sprintf("t%d_groups", tenantID) }
func membershipsTable(tenantID int) string  { return fmt.Sprintf("t%d_group_memberships", tenantID) }
func provisioningLogTable(tenantID int) string { return fmt.Sprintf("t%d_provisioning_log", tenantID) }

// row is the physical shape shared by Users and Groups (spec.md §4.6's
// column list): id, external_id, a lowercased natural key, the original
// and normalized JSON documents, the optimistic-concurrency version, and
// timestamps.
type row struct {
	bun.BaseModel

	ID         string    `bun:"id,pk"`
	ExternalID *string   `bun:"external_id"`
	NaturalKey string    `bun:"natural_key"`
	DataOrig   string    `bun:"data_orig,type:text"`
	DataNorm   string    `bun:"data_norm,type:text"`
	Version    int64     `bun:"version"`
	CreatedAt  time.Time `bun:"created_at"`
	UpdatedAt  time.Time `bun:"updated_at"`
}

// membershipRow is one Group-to-member edge.
type membershipRow struct {
	bun.BaseModel

	GroupID    string `bun:"group_id"`
	MemberID   string `bun:"member_id"`
	MemberType string `bun:"member_type"`
}

// provisioningLogRow is the supplemented per-tenant correlation log
// (SPEC_FULL.md's SUPPLEMENTED FEATURES section), adapted from the
// teacher's ProvisioningLog model: every write is recorded with the
// scimerr correlation ID that would accompany any failure it logged.
type provisioningLogRow struct {
	bun.BaseModel

	ID           string    `bun:"id,pk"`
	CorrelationID string   `bun:"correlation_id"`
	ResourceType string    `bun:"resource_type"`
	ResourceID   string    `bun:"resource_id"`
	Operation    string    `bun:"operation"`
	Status       string    `bun:"status"`
	Detail       string    `bun:"detail"`
	CreatedAt    time.Time `bun:"created_at"`
}

// EnsureTenantTables creates tenant's tables and indexes if they do not
// already exist. Idempotent and cheap on repeat calls via an in-process
// "already created" bit; the underlying CREATE TABLE IF NOT EXISTS is
// also safe against concurrent first-callers on different server
// instances sharing the same database.
func (s *Store) EnsureTenantTables(ctx context.Context, tenantID int) error {
	s.mu.Lock()
	if s.created[tenantID] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.createResourceTable(ctx, usersTable(tenantID), "userName"); err != nil {
		return err
	}
	if err := s.createResourceTable(ctx, groupsTable(tenantID), "displayName"); err != nil {
		return err
	}
	if err := s.createMembershipTable(ctx, tenantID); err != nil {
		return err
	}
	if err := s.createProvisioningLogTable(ctx, provisioningLogTable(tenantID)); err != nil {
		return err
	}

	s.mu.Lock()
	s.created[tenantID] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) createResourceTable(ctx context.Context, table, _ string) error {
	if _, err := s.DB.NewCreateTable().
		Model((*row)(nil)).
		ModelTableExpr(table).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: create table %s: %w", table, err)
	}
	if _, err := s.DB.NewCreateIndex().
		Model((*row)(nil)).
		ModelTableExpr(table).
		Index(table + "_natural_key_idx").
		Column("natural_key").
		Unique().
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: index %s.natural_key: %w", table, err)
	}
	if _, err := s.DB.NewCreateIndex().
		Model((*row)(nil)).
		ModelTableExpr(table).
		Index(table + "_external_id_idx").
		Column("external_id").
		Unique().
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: index %s.external_id: %w", table, err)
	}
	return nil
}

func (s *Store) createMembershipTable(ctx context.Context, tenantID int) error {
	table := membershipsTable(tenantID)
	if _, err := s.DB.NewCreateTable().
		Model((*membershipRow)(nil)).
		ModelTableExpr(table).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: create table %s: %w", table, err)
	}
	if _, err := s.DB.NewCreateIndex().
		Model((*membershipRow)(nil)).
		ModelTableExpr(table).
		Index(table+"_unique_idx").
		Column("group_id", "member_id", "member_type").
		Unique().
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: index %s: %w", table, err)
	}
	if _, err := s.DB.NewCreateIndex().
		Model((*membershipRow)(nil)).
		ModelTableExpr(table).
		Index(table+"_group_id_idx").
		Column("group_id").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: index %s.group_id: %w", table, err)
	}
	return nil
}

func (s *Store) createProvisioningLogTable(ctx context.Context, table string) error {
	if _, err := s.DB.NewCreateTable().
		Model((*provisioningLogRow)(nil)).
		ModelTableExpr(table).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("store: create table %s: %w", table, err)
	}
	return nil
}

// LogProvisioning records one provisioning event, supplementing spec.md
// §7's correlation-id requirement with a queryable per-tenant audit trail.
func (s *Store) LogProvisioning(ctx context.Context, tenantID int, correlationID, resourceType, resourceID, operation, status, detail string) error {
	if err := s.EnsureTenantTables(ctx, tenantID); err != nil {
		return err
	}
	entry := &provisioningLogRow{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Operation:     operation,
		Status:        status,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := s.DB.NewInsert().Model(entry).ModelTableExpr(provisioningLogTable(tenantID)).Exec(ctx)
	return err
}

// decodeDoc unmarshals a row's data_orig column into a resource.Document.
func decodeDoc(s string) (resource.Document, error) {
	if s == "" {
		return resource.Document{}, nil
	}
	var doc resource.Document
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func encodeDoc(doc resource.Document) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// naturalKey extracts and lowercases the attribute backing the row's
// unique natural key (userName for Users, displayName for Groups).
func naturalKey(kind Kind, orig resource.Document) (string, error) {
	attr := "userName"
	if kind == KindGroup {
		attr = "displayName"
	}
	v, ok := resource.Get(orig, "", attr, "")
	if !ok {
		return "", scimerr.InvalidValue("%q is required", attr)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", scimerr.InvalidValue("%q is required", attr)
	}
	return strings.ToLower(s), nil
}

func externalID(orig resource.Document) *string {
	v, ok := resource.Get(orig, "", "externalId", "")
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation is a best-effort, driver-agnostic check: both
// pgdriver and modernc.org/sqlite surface constraint violations in the
// error text rather than through a shared sentinel type, so string
// sniffing is the pragmatic cross-dialect check (bun does not normalize
// driver errors into a common error value).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// Meta carries a row's concurrency version and timestamps alongside its
// decoded document, so callers can render ETag/meta.created/
// meta.lastModified without a second fetch.
type Meta struct {
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Page is one page of List results. Meta is aligned with Resources.
type Page struct {
	Resources  []resource.Document
	Meta       []Meta
	TotalCount int
}

// ListParams drives pagination, sorting, and in-process filtering.
type ListParams struct {
	Filter      filter.Expr
	Schema      schema.Schema
	StartIndex  int // 1-based
	Count       int
	SortBy      string
	SortDescending bool
	MaxPageSize int
}

func (p ListParams) effectiveCount() int {
	max := p.MaxPageSize
	if max <= 0 {
		max = defaultMaxPageSize
	}
	if p.Count <= 0 || p.Count > max {
		return max
	}
	return p.Count
}

func (p ListParams) effectiveStart() int {
	if p.StartIndex < 1 {
		return 1
	}
	return p.StartIndex
}

// sqlPushdown recognizes the small set of filters spec.md §4.4 allows the
// store to push into SQL directly: a bare `attr eq "literal"` or
// `attr pr` against userName, externalId, displayName, or id. It returns
// ok=false for anything else, leaving the evaluator to run in-process.
func sqlPushdown(expr filter.Expr, kind Kind) (column string, op string, value string, ok bool) {
	// natural_key holds userName for Users and displayName for Groups only.
	natural := "username"
	if kind == KindGroup {
		natural = "displayname"
	}
	indexed := map[string]string{
		natural:      "natural_key",
		"externalid": "external_id",
		"id":         "id",
	}
	switch e := expr.(type) {
	case *filter.Compare:
		if e.Path.Value != nil || e.Path.SubAttr != "" || e.Path.URN != "" {
			return "", "", "", false
		}
		col, ok := indexed[strings.ToLower(e.Path.Attr)]
		if !ok || e.Op != filter.OpEq {
			return "", "", "", false
		}
		sv, ok := e.Value.(string)
		if !ok {
			return "", "", "", false
		}
		if col == "natural_key" {
			sv = strings.ToLower(sv)
		}
		return col, "eq", sv, true
	case *filter.Present:
		if e.Path.Value != nil || e.Path.SubAttr != "" || e.Path.URN != "" {
			return "", "", "", false
		}
		col, ok := indexed[strings.ToLower(e.Path.Attr)]
		if !ok {
			return "", "", "", false
		}
		return col, "pr", "", true
	}
	return "", "", "", false
}

// List implements spec.md §4.6's pagination/sorting over the in-process
// decoded rows (after any SQL pushdown narrowing), plus evaluation of the
// remainder of the filter tree.
func (s *Store) List(ctx context.Context, tenantID int, kind Kind, p ListParams) (Page, error) {
	if err := s.EnsureTenantTables(ctx, tenantID); err != nil {
		return Page{}, err
	}
	table := usersTable(tenantID)
	if kind == KindGroup {
		table = groupsTable(tenantID)
	}

	q := s.DB.NewSelect().ModelTableExpr(table)
	var rows []row
	if p.Filter != nil {
		if col, op, val, ok := sqlPushdown(p.Filter, kind); ok {
			switch op {
			case "eq":
				q = q.Where("? = ?", bun.Ident(col), val)
			case "pr":
				q = q.Where("? IS NOT NULL AND ? != ''", bun.Ident(col), bun.Ident(col))
			}
		}
	}
	if err := q.Model(&rows).Scan(ctx); err != nil {
		return Page{}, fmt.Errorf("store: list %s: %w", table, err)
	}

	docs := make([]resource.Document, 0, len(rows))
	for _, r := range rows {
		doc, err := decodeDoc(r.DataOrig)
		if err != nil {
			return Page{}, fmt.Errorf("store: decode %s: %w", r.ID, err)
		}
		if kind == KindGroup && p.Filter != nil {
			// members is never persisted in data_orig (ResolveMembers joins
			// the memberships table on read), so a members[...] filter needs
			// it rehydrated before the in-process evaluator below can see it.
			members, err := s.ResolveMembers(ctx, tenantID, r.ID)
			if err != nil {
				return Page{}, err
			}
			doc["members"] = members
		}
		if p.Filter != nil {
			ev := filter.NewEvaluator(p.Schema)
			ok, err := ev.Eval(doc, p.Filter)
			if err != nil {
				return Page{}, scimerr.InvalidFilter("%s", err.Error())
			}
			if !ok {
				continue
			}
		}
		doc["id"] = r.ID
		doc[versionShadowKey] = r.Version
		doc[createdShadowKey] = r.CreatedAt
		doc[updatedShadowKey] = r.UpdatedAt
		docs = append(docs, doc)
	}

	sortDocs(docs, p.SortBy, p.SortDescending)

	total := len(docs)
	start := p.effectiveStart() - 1
	count := p.effectiveCount()
	if start >= total {
		return Page{Resources: nil, TotalCount: total}, nil
	}
	end := start + count
	if end > total {
		end = total
	}
	page := docs[start:end]
	metas := make([]Meta, len(page))
	for i, doc := range page {
		v, _ := doc[versionShadowKey].(int64)
		c, _ := doc[createdShadowKey].(time.Time)
		u, _ := doc[updatedShadowKey].(time.Time)
		metas[i] = Meta{Version: v, CreatedAt: c, UpdatedAt: u}
		delete(doc, versionShadowKey)
		delete(doc, createdShadowKey)
		delete(doc, updatedShadowKey)
	}
	return Page{Resources: page, Meta: metas, TotalCount: total}, nil
}

// Shadow keys carry a row's version/timestamps alongside its decoded
// document through sorting/pagination without being real SCIM attributes;
// they are stripped before a page or single resource is returned.
const (
	versionShadowKey = "_version"
	createdShadowKey = "_created_at"
	updatedShadowKey = "_updated_at"
)

// sortDocs stably sorts docs by sortBy (spec.md §4.6's "ties break on
// id"), using the same case-folded string comparison as filter matching
// for string-valued attributes, and treating an absent attribute as
// sorting after every present value in ascending order (before, in
// descending) — resolved Open Question, see DESIGN.md.
func sortDocs(docs []resource.Document, sortBy string, descending bool) {
	if sortBy == "" {
		sortBy = "id"
	}
	sort.SliceStable(docs, func(i, j int) bool {
		vi, oki := resource.Get(docs[i], "", sortBy, "")
		vj, okj := resource.Get(docs[j], "", sortBy, "")
		if !oki && !okj {
			return lessByID(docs[i], docs[j])
		}
		if !oki {
			return absentSortsLast(descending, true)
		}
		if !okj {
			return absentSortsLast(descending, false)
		}
		less, equal := compareForSort(vi, vj)
		if equal {
			return lessByID(docs[i], docs[j])
		}
		if descending {
			return !less
		}
		return less
	})
}

// absentSortsLast implements the tie-break rule for one side of the
// comparison being absent: absent sorts last in ascending order, first
// in descending order.
func absentSortsLast(descending bool, iAbsent bool) bool {
	if iAbsent {
		return descending
	}
	return !descending
}

func lessByID(a, b resource.Document) bool {
	ai, _ := a["id"].(string)
	bi, _ := b["id"].(string)
	return ai < bi
}

func compareForSort(a, b any) (less, equal bool) {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		la, lb := strings.ToLower(as), strings.ToLower(bs)
		return la < lb, la == lb
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf, af == bf
	}
	return false, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

// Get fetches one resource by id.
func (s *Store) Get(ctx context.Context, tenantID int, kind Kind, id string) (resource.Document, Meta, error) {
	if err := s.EnsureTenantTables(ctx, tenantID); err != nil {
		return nil, Meta{}, err
	}
	table := usersTable(tenantID)
	if kind == KindGroup {
		table = groupsTable(tenantID)
	}
	var r row
	err := s.DB.NewSelect().Model(&r).ModelTableExpr(table).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, Meta{}, scimerr.NotFound("no such resource")
		}
		return nil, Meta{}, fmt.Errorf("store: get %s/%s: %w", table, id, err)
	}
	doc, err := decodeDoc(r.DataOrig)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("store: decode %s: %w", id, err)
	}
	doc["id"] = r.ID
	return doc, Meta{Version: r.Version, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}, nil
}

// Create inserts a new resource, assigning a fresh UUID and version=1.
func (s *Store) Create(ctx context.Context, tenantID int, kind Kind, orig, norm resource.Document) (resource.Document, Meta, error) {
	if err := s.EnsureTenantTables(ctx, tenantID); err != nil {
		return nil, Meta{}, err
	}
	table := usersTable(tenantID)
	if kind == KindGroup {
		table = groupsTable(tenantID)
	}
	id := uuid.NewString()
	nk, err := naturalKey(kind, orig)
	if err != nil {
		return nil, Meta{}, err
	}
	origBytes, err := encodeDoc(orig)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("store: encode: %w", err)
	}
	normBytes, err := encodeDoc(norm)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("store: encode: %w", err)
	}
	now := time.Now().UTC()
	r := &row{
		ID:         id,
		ExternalID: externalID(orig),
		NaturalKey: nk,
		DataOrig:   origBytes,
		DataNorm:   normBytes,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.DB.NewInsert().Model(r).ModelTableExpr(table).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, Meta{}, scimerr.Uniqueness("a resource with this userName/displayName or externalId already exists")
		}
		return nil, Meta{}, fmt.Errorf("store: create %s: %w", table, err)
	}
	orig["id"] = id
	return orig, Meta{Version: 1, CreatedAt: now, UpdatedAt: now}, nil
}

// Update implements optimistic concurrency: UPDATE ... WHERE id=? AND
// version=?. Zero affected rows means either the resource does not exist
// or expectedVersion is stale; both are reported as a VersionConflict
// (409), which the front end passes through as is (its If-Match check
// answers 412 only before Update is called).
func (s *Store) Update(ctx context.Context, tenantID int, kind Kind, id string, expectedVersion int64, orig, norm resource.Document) (resource.Document, Meta, error) {
	if err := s.EnsureTenantTables(ctx, tenantID); err != nil {
		return nil, Meta{}, err
	}
	table := usersTable(tenantID)
	if kind == KindGroup {
		table = groupsTable(tenantID)
	}
	nk, err := naturalKey(kind, orig)
	if err != nil {
		return nil, Meta{}, err
	}
	origBytes, err := encodeDoc(orig)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("store: encode: %w", err)
	}
	normBytes, err := encodeDoc(norm)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("store: encode: %w", err)
	}
	newVersion := expectedVersion + 1
	now := time.Now().UTC()
	res, err := s.DB.NewUpdate().
		ModelTableExpr(table).
		Set("external_id = ?", externalID(orig)).
		Set("natural_key = ?", nk).
		Set("data_orig = ?", origBytes).
		Set("data_norm = ?", normBytes).
		Set("version = ?", newVersion).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, Meta{}, scimerr.Uniqueness("a resource with this userName/displayName or externalId already exists")
		}
		return nil, Meta{}, fmt.Errorf("store: update %s/%s: %w", table, id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, Meta{}, scimerr.VersionConflict("resource %s was modified concurrently", id)
	}
	orig["id"] = id
	var createdAt time.Time
	if err := s.DB.NewSelect().ModelTableExpr(table).Column("created_at").Where("id = ?", id).Scan(ctx, &createdAt); err != nil {
		return nil, Meta{}, fmt.Errorf("store: reload created_at for %s: %w", id, err)
	}
	return orig, Meta{Version: newVersion, CreatedAt: createdAt, UpdatedAt: now}, nil
}

// Delete removes a resource and then deletes its membership rows itself
// (a Group's rows by group_id, a User's by member_id); no foreign key
// links the memberships table to the users or groups table.
func (s *Store) Delete(ctx context.Context, tenantID int, kind Kind, id string) error {
	if err := s.EnsureTenantTables(ctx, tenantID); err != nil {
		return err
	}
	table := usersTable(tenantID)
	if kind == KindGroup {
		table = groupsTable(tenantID)
	}
	res, err := s.DB.NewDelete().ModelTableExpr(table).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", table, id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return scimerr.NotFound("no such resource")
	}
	if kind == KindGroup {
		if _, err := s.DB.NewDelete().ModelTableExpr(membershipsTable(tenantID)).Where("group_id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("store: cascade delete memberships for group %s: %w", id, err)
		}
	} else {
		if _, err := s.DB.NewDelete().ModelTableExpr(membershipsTable(tenantID)).Where("member_id = ? AND member_type = 'User'", id).Exec(ctx); err != nil {
			return fmt.Errorf("store: cascade delete memberships for user %s: %w", id, err)
		}
	}
	return nil
}
