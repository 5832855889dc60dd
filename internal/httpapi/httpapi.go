// Package httpapi implements the Protocol Front End (spec.md §4.1): a
// plain net/http.Handler — no third-party web framework — that resolves
// the inbound request to a tenant, authenticates it, dispatches to the
// CRUD/discovery handlers, and renders SCIM-shaped JSON responses and
// errors. Modeled on the teacher's examples/servemux-test (plain
// http.ServeMux, no forge) and plugins/enterprise/scim/handlers.go for
// the discovery-endpoint bodies.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/xraph/scimserver/internal/compat"
	"github.com/xraph/scimserver/internal/metrics"
	"github.com/xraph/scimserver/internal/normalize"
	"github.com/xraph/scimserver/internal/passwordhash"
	"github.com/xraph/scimserver/internal/patch"
	"github.com/xraph/scimserver/internal/projection"
	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
	"github.com/xraph/scimserver/internal/store"
	"github.com/xraph/scimserver/internal/tenant"
)

// SchemaListResponse is the RFC 7644 §3.4.2 ListResponse URN.
const SchemaListResponse = "urn:ietf:params:scim:api:messages:2.0:ListResponse"

// Server is the SCIM protocol front end.
type Server struct {
	Tenants    *tenant.Registry
	Registry   *schema.Registry
	Store      *store.Store
	Hasher     passwordhash.Hasher
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	MaxResults int
}

// NewServer builds a Server. hasher and logger must not be nil.
func NewServer(tenants *tenant.Registry, reg *schema.Registry, st *store.Store, hasher passwordhash.Hasher, log *zap.Logger, m *metrics.Metrics) *Server {
	return &Server{Tenants: tenants, Registry: reg, Store: st, Hasher: hasher, Log: log, Metrics: m, MaxResults: 200}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Metrics.Middleware(r.URL.Path, func() { s.serveHTTP(w, r) })
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	resolved, ok := s.Tenants.Resolve(r)
	if !ok {
		s.writeError(w, "", scimerr.NotFound("no tenant configured for this request"))
		return
	}
	if routed := s.routeCustom(resolved, w, r); routed {
		return
	}
	corrID := xid.New().String()

	if authOK, scheme := tenant.Authenticate(r, resolved.Tenant); !authOK {
		w.Header().Set("WWW-Authenticate", scheme)
		s.writeError(w, corrID, scimerr.Unauthorized("authentication required"))
		return
	}

	if !s.Tenants.Allow(resolved.Tenant) {
		s.writeError(w, corrID, scimerr.TooMany("rate limit exceeded for this tenant"))
		return
	}

	s.dispatch(resolved, corrID, w, r)
}

// routeCustom serves a tenant's statically configured custom endpoints,
// which take priority over SCIM routes only when the path does not
// collide with a SCIM resource route (spec.md §4.1).
func (s *Server) routeCustom(resolved *tenant.Resolved, w http.ResponseWriter, r *http.Request) bool {
	if resolved.Tenant.CustomRoutes == nil {
		return false
	}
	if isScimRoute(resolved.Tenant.Path, r.URL.Path) {
		return false
	}
	h, ok := resolved.Tenant.CustomRoutes[r.URL.Path]
	if !ok {
		return false
	}
	h.ServeHTTP(w, r)
	return true
}

func isScimRoute(tenantPath, reqPath string) bool {
	rest := strings.TrimPrefix(strings.TrimPrefix(reqPath, tenantPath), "/")
	top := strings.SplitN(rest, "/", 2)[0]
	switch top {
	case "Users", "Groups", "Schemas", "ResourceTypes", "ServiceProviderConfig":
		return true
	}
	return false
}

func (s *Server) dispatch(resolved *tenant.Resolved, corrID string, w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, resolved.Tenant.Path)
	rest = strings.TrimPrefix(rest, "/")
	segments := strings.SplitN(rest, "/", 2)
	top := segments[0]
	var id string
	if len(segments) > 1 {
		id = segments[1]
	}

	switch top {
	case "Users":
		s.handleResource(resolved, corrID, w, r, store.KindUser, s.Registry.UserSchema(), id)
	case "Groups":
		s.handleResource(resolved, corrID, w, r, store.KindGroup, s.Registry.GroupSchema(), id)
	case "ServiceProviderConfig":
		s.getServiceProviderConfig(w, r)
	case "ResourceTypes":
		s.getResourceTypes(w, r, id)
	case "Schemas":
		s.getSchemas(w, r, id)
	default:
		s.writeError(w, corrID, scimerr.NotFound("no such route %q", r.URL.Path))
	}
}

func (s *Server) handleResource(resolved *tenant.Resolved, corrID string, w http.ResponseWriter, r *http.Request, kind store.Kind, sch schema.Schema, id string) {
	switch r.Method {
	case http.MethodGet:
		if id == "" {
			s.list(resolved, corrID, w, r, kind, sch)
		} else {
			s.get(resolved, corrID, w, r, kind, sch, id)
		}
	case http.MethodPost:
		if id != "" {
			s.writeError(w, corrID, scimerr.BadRequest("POST does not take a resource id"))
			return
		}
		s.create(resolved, corrID, w, r, kind, sch)
	case http.MethodPut:
		s.replace(resolved, corrID, w, r, kind, sch, id)
	case http.MethodPatch:
		s.patchResource(resolved, corrID, w, r, kind, sch, id)
	case http.MethodDelete:
		s.delete(resolved, corrID, w, r, kind, id)
	default:
		w.Header().Set("Allow", "GET, POST, PUT, PATCH, DELETE")
		s.writeError(w, corrID, scimerr.BadRequest("method %s not supported", r.Method))
	}
}

func resourceTypeName(kind store.Kind) string {
	if kind == store.KindGroup {
		return "Group"
	}
	return "User"
}

func schemaURN(kind store.Kind) string {
	if kind == store.KindGroup {
		return schema.URNGroup
	}
	return schema.URNUser
}

// etag renders the weak ETag validator for a version, per spec.md §4.1.
func etag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

func parseETag(v string) (int64, bool) {
	v = strings.TrimPrefix(v, `W/`)
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

// finalize attaches meta/ETag/compat/projection to a resource before it
// is written to the client. members/groups are resolved here (the store
// never persists them) and the compatibility shaper runs last, per
// spec.md §4.8.
func (s *Server) finalize(ctx context.Context, resolved *tenant.Resolved, kind store.Kind, doc resource.Document, meta store.Meta, params projection.Params) (resource.Document, error) {
	id, _ := doc["id"].(string)
	doc["schemas"] = []string{schemaURN(kind)}
	doc["meta"] = map[string]any{
		"resourceType": resourceTypeName(kind),
		"created":      meta.CreatedAt.UTC().Format(time.RFC3339),
		"lastModified": meta.UpdatedAt.UTC().Format(time.RFC3339),
		"location":     resolved.BaseURL() + "/" + string(pathSegment(kind)) + "/" + id,
		"version":      etag(meta.Version),
	}

	if kind == store.KindGroup {
		members, err := s.Store.ResolveMembers(ctx, resolved.Tenant.ID, id)
		if err != nil {
			return nil, err
		}
		doc["members"] = members
	} else if resolved.Tenant.Compat.IncludeUserGroups {
		groups, err := s.Store.ResolveGroupsForUser(ctx, resolved.Tenant.ID, id)
		if err != nil {
			return nil, err
		}
		doc["groups"] = groups
	}

	baseSchema := s.Registry.UserSchema()
	if kind == store.KindGroup {
		baseSchema = s.Registry.GroupSchema()
	}
	schemas := append([]schema.Schema{baseSchema}, s.extensionsFor(kind)...)
	doc = projection.ApplyReturnedPolicy(doc, schemas...)
	doc = projection.Apply(doc, params)
	doc = compat.Apply(doc, resolved.Tenant.Compat)
	return doc, nil
}

func pathSegment(kind store.Kind) string {
	if kind == store.KindGroup {
		return "Groups"
	}
	return "Users"
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return scimerr.InvalidSyntax("malformed request body: %s", err.Error())
	}
	return nil
}

func projectionParamsFromQuery(r *http.Request) (projection.Params, error) {
	return projection.ParseParams(r.URL.Query().Get("attributes"), r.URL.Query().Get("excludedAttributes"))
}

func newNormalizer(hasher passwordhash.Hasher) *normalize.Normalizer {
	return normalize.New(hasher)
}

func patchToggles(t *tenant.Descriptor) patch.Toggles {
	return t.Patch
}
