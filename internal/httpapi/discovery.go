package httpapi

import (
	"net/http"
	"strings"

	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
)

// SchemaServiceProviderConfig and SchemaResourceType are the RFC 7643 §5
// discovery-endpoint resource schema URNs.
const (
	SchemaServiceProviderConfig = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
	SchemaResourceType          = "urn:ietf:params:scim:schemas:core:2.0:ResourceType"
	SchemaSchema                = "urn:ietf:params:scim:schemas:core:2.0:Schema"
)

// getServiceProviderConfig renders the server's fixed capability document
// (RFC 7643 §5), grounded on the teacher's
// plugins/enterprise/scim GetServiceProviderConfig handler shape.
func (s *Server) getServiceProviderConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"schemas":          []string{SchemaServiceProviderConfig},
		"documentationUri": "",
		"patch":            map[string]any{"supported": true},
		"bulk":             map[string]any{"supported": false, "maxOperations": 0, "maxPayloadSize": 0},
		"filter":           map[string]any{"supported": true, "maxResults": s.MaxResults},
		"changePassword":   map[string]any{"supported": true},
		"sort":             map[string]any{"supported": true},
		"etag":             map[string]any{"supported": true},
		"authenticationSchemes": []map[string]any{
			{"type": "httpbasic", "name": "HTTP Basic", "description": "Authentication via HTTP Basic", "specUri": "https://www.rfc-editor.org/info/rfc7617"},
			{"type": "oauthbearertoken", "name": "OAuth Bearer Token", "description": "Authentication via bearer token", "specUri": "https://www.rfc-editor.org/info/rfc6750"},
		},
		"meta": map[string]any{"resourceType": "ServiceProviderConfig", "location": r.URL.Path},
	})
}

// getResourceTypes renders either the full /ResourceTypes collection or a
// single entry when id names one ("User"/"Group").
func (s *Server) getResourceTypes(w http.ResponseWriter, r *http.Request, id string) {
	types := []map[string]any{s.userResourceType(), s.groupResourceType()}
	if id == "" {
		resources := make([]any, len(types))
		for i, t := range types {
			resources[i] = t
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"schemas":      []string{SchemaListResponse},
			"totalResults": len(resources),
			"itemsPerPage": len(resources),
			"startIndex":   1,
			"Resources":    resources,
		})
		return
	}
	for _, t := range types {
		if strings.EqualFold(t["id"].(string), id) {
			s.writeJSON(w, http.StatusOK, t)
			return
		}
	}
	s.writeError(w, "", scimerr.NotFound("no such resource type %q", id))
}

func (s *Server) userResourceType() map[string]any {
	return map[string]any{
		"schemas":          []string{SchemaResourceType},
		"id":               "User",
		"name":             "User",
		"endpoint":         "/Users",
		"description":      "SCIM provisioning of user accounts",
		"schema":           schema.URNUser,
		"schemaExtensions": []map[string]any{{"schema": schema.URNEnterprise, "required": false}},
		"meta":             map[string]any{"resourceType": "ResourceType", "location": "/ResourceTypes/User"},
	}
}

func (s *Server) groupResourceType() map[string]any {
	return map[string]any{
		"schemas":     []string{SchemaResourceType},
		"id":          "Group",
		"name":        "Group",
		"endpoint":    "/Groups",
		"description": "SCIM provisioning of groups",
		"schema":      schema.URNGroup,
		"meta":        map[string]any{"resourceType": "ResourceType", "location": "/ResourceTypes/Group"},
	}
}

// getSchemas renders either the full /Schemas collection or a single
// schema document identified by its URN (id).
func (s *Server) getSchemas(w http.ResponseWriter, r *http.Request, id string) {
	all := s.Registry.Schemas()
	if id == "" {
		resources := make([]any, len(all))
		for i, sc := range all {
			resources[i] = schemaDocument(sc)
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"schemas":      []string{SchemaListResponse},
			"totalResults": len(resources),
			"itemsPerPage": len(resources),
			"startIndex":   1,
			"Resources":    resources,
		})
		return
	}
	sc, ok := s.Registry.Schema(id)
	if !ok {
		s.writeError(w, "", scimerr.NotFound("no such schema %q", id))
		return
	}
	s.writeJSON(w, http.StatusOK, schemaDocument(sc))
}

func schemaDocument(sc schema.Schema) map[string]any {
	attrs := make([]any, 0, len(sc.Attributes))
	for _, a := range sc.Attributes {
		attrs = append(attrs, attributeDocument(a))
	}
	return map[string]any{
		"schemas":     []string{SchemaSchema},
		"id":          sc.ID,
		"name":        sc.Name,
		"description": sc.Name,
		"attributes":  attrs,
		"meta":        map[string]any{"resourceType": "Schema", "location": "/Schemas/" + sc.ID},
	}
}

func attributeDocument(a schema.Attribute) map[string]any {
	doc := map[string]any{
		"name":        a.Name,
		"type":        string(a.Type),
		"multiValued": a.MultiValued,
		"required":    a.Required,
		"caseExact":   a.CaseExact,
		"mutability":  defaultStr(string(a.Mutability), "readWrite"),
		"returned":    defaultStr(string(a.Returned), "default"),
		"uniqueness":  defaultStr(string(a.Uniqueness), "none"),
	}
	if len(a.CanonicalValues) > 0 {
		doc["canonicalValues"] = a.CanonicalValues
	}
	if len(a.SubAttributes) > 0 {
		subs := make([]any, 0, len(a.SubAttributes))
		for _, sub := range a.SubAttributes {
			subs = append(subs, attributeDocument(sub))
		}
		doc["subAttributes"] = subs
	}
	return doc
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
