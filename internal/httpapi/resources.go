package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xraph/scimserver/internal/filter"
	"github.com/xraph/scimserver/internal/normalize"
	"github.com/xraph/scimserver/internal/patch"
	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
	"github.com/xraph/scimserver/internal/store"
	"github.com/xraph/scimserver/internal/tenant"
)

// list implements RFC 7644 §3.4.2 "Querying Resources": filter, sortBy/
// sortOrder, startIndex/count, attributes/excludedAttributes.
func (s *Server) list(resolved *tenant.Resolved, corrID string, w http.ResponseWriter, r *http.Request, kind store.Kind, sch schema.Schema) {
	q := r.URL.Query()
	params, err := projectionParamsFromQuery(r)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}

	var expr filter.Expr
	if raw := q.Get("filter"); raw != "" {
		expr, err = filter.Parse(raw)
		if err != nil {
			s.writeError(w, corrID, scimerr.InvalidFilter("%s", err.Error()))
			return
		}
		if err := filter.ValidateAttributes(expr, sch); err != nil {
			s.writeError(w, corrID, err)
			return
		}
		if kind == store.KindGroup {
			if filter.References(expr, "members") && !resolved.Tenant.SupportGroupMembersFilter {
				s.writeError(w, corrID, scimerr.InvalidFilter("filtering Groups by \"members\" is not enabled for this tenant"))
				return
			}
			if filter.References(expr, "displayName") && !resolved.Tenant.SupportGroupDisplayNameFilter {
				s.writeError(w, corrID, scimerr.InvalidFilter("filtering Groups by \"displayName\" is not enabled for this tenant"))
				return
			}
		}
	}

	start, _ := strconv.Atoi(q.Get("startIndex"))
	count, _ := strconv.Atoi(q.Get("count"))
	lp := store.ListParams{
		Filter:         expr,
		Schema:         sch,
		StartIndex:     start,
		Count:          count,
		SortBy:         q.Get("sortBy"),
		SortDescending: strings.EqualFold(q.Get("sortOrder"), "descending"),
		MaxPageSize:    resolved.Tenant.MaxPageSize,
	}
	page, err := s.Store.List(r.Context(), resolved.Tenant.ID, kind, lp)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}

	resources := make([]any, 0, len(page.Resources))
	for i, doc := range page.Resources {
		fin, ferr := s.finalize(r.Context(), resolved, kind, doc, page.Meta[i], params)
		if ferr != nil {
			s.writeError(w, corrID, ferr)
			return
		}
		resources = append(resources, fin)
	}

	effectiveStart := start
	if effectiveStart < 1 {
		effectiveStart = 1
	}
	s.Metrics.RecordOperation(resourceTypeName(kind), "list", "success")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"schemas":      []string{SchemaListResponse},
		"totalResults": page.TotalCount,
		"startIndex":   effectiveStart,
		"itemsPerPage": len(resources),
		"Resources":    resources,
	})
}

func (s *Server) get(resolved *tenant.Resolved, corrID string, w http.ResponseWriter, r *http.Request, kind store.Kind, sch schema.Schema, id string) {
	doc, meta, err := s.Store.Get(r.Context(), resolved.Tenant.ID, kind, id)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	if !s.checkIfNoneMatch(w, r, meta.Version) {
		return
	}
	params, err := projectionParamsFromQuery(r)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	fin, err := s.finalize(r.Context(), resolved, kind, doc, meta, params)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	s.Metrics.RecordOperation(resourceTypeName(kind), "get", "success")
	w.Header().Set("ETag", etag(meta.Version))
	s.writeJSON(w, http.StatusOK, fin)
}

func (s *Server) create(resolved *tenant.Resolved, corrID string, w http.ResponseWriter, r *http.Request, kind store.Kind, sch schema.Schema) {
	var raw resource.Document
	if err := decodeBody(r, &raw); err != nil {
		s.writeError(w, corrID, err)
		return
	}
	norm := newNormalizer(s.Hasher)
	extensions := s.extensionsFor(kind)
	result, err := norm.Create(raw, sch, extensions...)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	if kind == store.KindUser {
		if err := normalize.ValidateUserEmails(result.Orig); err != nil {
			s.writeError(w, corrID, err)
			return
		}
	}

	orig := result.Orig
	if kind == store.KindGroup {
		// members are synced separately after the row exists, since the
		// membership table keys off the group's assigned id.
		delete(orig, "members")
	}

	doc, meta, err := s.Store.Create(r.Context(), resolved.Tenant.ID, kind, orig, result.Norm)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	id, _ := doc["id"].(string)

	if kind == store.KindGroup {
		if err := s.Store.SyncMembers(r.Context(), resolved.Tenant.ID, id, raw); err != nil {
			s.writeError(w, corrID, err)
			return
		}
	}
	s.logProvisioning(r, resolved, corrID, kind, id, "create", nil)

	params, err := projectionParamsFromQuery(r)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	fin, err := s.finalize(r.Context(), resolved, kind, doc, meta, params)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	s.Metrics.RecordOperation(resourceTypeName(kind), "create", "success")
	w.Header().Set("ETag", etag(meta.Version))
	w.Header().Set("Location", resolved.BaseURL()+"/"+string(pathSegment(kind))+"/"+id)
	s.writeJSON(w, http.StatusCreated, fin)
}

func (s *Server) replace(resolved *tenant.Resolved, corrID string, w http.ResponseWriter, r *http.Request, kind store.Kind, sch schema.Schema, id string) {
	if id == "" {
		s.writeError(w, corrID, scimerr.BadRequest("PUT requires a resource id"))
		return
	}
	previous, meta, err := s.Store.Get(r.Context(), resolved.Tenant.ID, kind, id)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	if !s.checkIfMatch(w, r, meta.Version) {
		return
	}

	var raw resource.Document
	if err := decodeBody(r, &raw); err != nil {
		s.writeError(w, corrID, err)
		return
	}
	norm := newNormalizer(s.Hasher)
	extensions := s.extensionsFor(kind)
	result, err := norm.Replace(raw, previous, sch, extensions...)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	if kind == store.KindUser {
		if err := normalize.ValidateUserEmails(result.Orig); err != nil {
			s.writeError(w, corrID, err)
			return
		}
	}

	orig := result.Orig
	if kind == store.KindGroup {
		delete(orig, "members")
	}

	doc, newMeta, err := s.Store.Update(r.Context(), resolved.Tenant.ID, kind, id, meta.Version, orig, result.Norm)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	if kind == store.KindGroup {
		if err := s.Store.SyncMembers(r.Context(), resolved.Tenant.ID, id, raw); err != nil {
			s.writeError(w, corrID, err)
			return
		}
	}
	s.logProvisioning(r, resolved, corrID, kind, id, "replace", nil)

	params, err := projectionParamsFromQuery(r)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	fin, err := s.finalize(r.Context(), resolved, kind, doc, newMeta, params)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	s.Metrics.RecordOperation(resourceTypeName(kind), "replace", "success")
	w.Header().Set("ETag", etag(newMeta.Version))
	s.writeJSON(w, http.StatusOK, fin)
}

func (s *Server) patchResource(resolved *tenant.Resolved, corrID string, w http.ResponseWriter, r *http.Request, kind store.Kind, sch schema.Schema, id string) {
	if id == "" {
		s.writeError(w, corrID, scimerr.BadRequest("PATCH requires a resource id"))
		return
	}
	previous, meta, err := s.Store.Get(r.Context(), resolved.Tenant.ID, kind, id)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	if !s.checkIfMatch(w, r, meta.Version) {
		return
	}

	var req patch.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, corrID, err)
		return
	}
	ip := patch.New(sch, patchToggles(resolved.Tenant))
	patched, err := ip.Apply(previous, req)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}

	norm := newNormalizer(s.Hasher)
	extensions := s.extensionsFor(kind)
	result, err := norm.Replace(patched, previous, sch, extensions...)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	if kind == store.KindUser {
		if err := normalize.ValidateUserEmails(result.Orig); err != nil {
			s.writeError(w, corrID, err)
			return
		}
	}

	orig := result.Orig
	if kind == store.KindGroup {
		delete(orig, "members")
	}

	doc, newMeta, err := s.Store.Update(r.Context(), resolved.Tenant.ID, kind, id, meta.Version, orig, result.Norm)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	if kind == store.KindGroup {
		if err := s.Store.SyncMembers(r.Context(), resolved.Tenant.ID, id, patched); err != nil {
			s.writeError(w, corrID, err)
			return
		}
	}
	s.logProvisioning(r, resolved, corrID, kind, id, "patch", nil)

	params, err := projectionParamsFromQuery(r)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	fin, err := s.finalize(r.Context(), resolved, kind, doc, newMeta, params)
	if err != nil {
		s.writeError(w, corrID, err)
		return
	}
	s.Metrics.RecordOperation(resourceTypeName(kind), "patch", "success")
	w.Header().Set("ETag", etag(newMeta.Version))
	s.writeJSON(w, http.StatusOK, fin)
}

func (s *Server) delete(resolved *tenant.Resolved, corrID string, w http.ResponseWriter, r *http.Request, kind store.Kind, id string) {
	if id == "" {
		s.writeError(w, corrID, scimerr.BadRequest("DELETE requires a resource id"))
		return
	}
	if etagHeader := r.Header.Get("If-Match"); etagHeader != "" {
		_, meta, err := s.Store.Get(r.Context(), resolved.Tenant.ID, kind, id)
		if err != nil {
			s.writeError(w, corrID, err)
			return
		}
		if !s.checkIfMatch(w, r, meta.Version) {
			return
		}
	}
	if err := s.Store.Delete(r.Context(), resolved.Tenant.ID, kind, id); err != nil {
		s.writeError(w, corrID, err)
		return
	}
	s.logProvisioning(r, resolved, corrID, kind, id, "delete", nil)
	s.Metrics.RecordOperation(resourceTypeName(kind), "delete", "success")
	w.WriteHeader(http.StatusNoContent)
}

// extensionsFor returns the schema extensions applicable to kind; only
// Users carry the EnterpriseUser extension (spec.md §4.2).
func (s *Server) extensionsFor(kind store.Kind) []schema.Schema {
	if kind == store.KindUser {
		return []schema.Schema{s.Registry.EnterpriseSchema()}
	}
	return nil
}

func (s *Server) checkIfMatch(w http.ResponseWriter, r *http.Request, version int64) bool {
	header := r.Header.Get("If-Match")
	if header == "" {
		return true
	}
	if header == "*" {
		return true
	}
	v, ok := parseETag(header)
	if !ok || v != version {
		s.writeError(w, "", scimerr.PreconditionFailed("resource has been modified; current version does not match If-Match"))
		return false
	}
	return true
}

func (s *Server) checkIfNoneMatch(w http.ResponseWriter, r *http.Request, version int64) bool {
	header := r.Header.Get("If-None-Match")
	if header == "" {
		return true
	}
	if header == "*" {
		w.Header().Set("ETag", etag(version))
		w.WriteHeader(http.StatusNotModified)
		return false
	}
	v, ok := parseETag(header)
	if ok && v == version {
		w.Header().Set("ETag", etag(version))
		w.WriteHeader(http.StatusNotModified)
		return false
	}
	return true
}

func (s *Server) logProvisioning(r *http.Request, resolved *tenant.Resolved, corrID string, kind store.Kind, resourceID, operation string, detail error) {
	status := "success"
	detailMsg := ""
	if detail != nil {
		status = "error"
		detailMsg = detail.Error()
	}
	if err := s.Store.LogProvisioning(r.Context(), resolved.Tenant.ID, corrID, resourceTypeName(kind), resourceID, operation, status, detailMsg); err != nil {
		s.Log.Warn("provisioning log write failed", zap.Error(err))
	}
}
