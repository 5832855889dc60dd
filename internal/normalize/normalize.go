// Package normalize implements the Normalizer/Validator: it takes a raw
// decoded resource document and produces the pair (data_orig, data_norm)
// the store persists, enforcing the schema rules from spec.md §4.3 along
// the way.
package normalize

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/scimserver/internal/passwordhash"
	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
)

// Normalizer validates and canonicalizes resource documents against a
// schema, hashing passwords through the injected Hasher.
type Normalizer struct {
	Hasher passwordhash.Hasher
}

// New builds a Normalizer. hasher must not be nil for User schemas that
// carry a password attribute; Group normalization never consults it.
func New(hasher passwordhash.Hasher) *Normalizer {
	return &Normalizer{Hasher: hasher}
}

// Result is the normalized pair persisted by the store: data_orig keeps
// the client's original casing, data_norm additionally lowercases every
// case-exact=false string-typed value of the core schema's attributes so
// the store can index/compare case-insensitively without re-parsing the
// schema at query time. Schema-extension objects are copied unfolded.
type Result struct {
	Orig resource.Document
	Norm resource.Document
}

// knownURNs returns the schema URN set a top-level key is allowed to
// reference (the resource's own schema plus any extension schemas).
func knownURNs(schemas ...schema.Schema) map[string]bool {
	out := make(map[string]bool, len(schemas))
	for _, s := range schemas {
		out[s.ID] = true
	}
	return out
}

// Create normalizes a document being created: previous is nil, so
// immutable/readOnly checks against prior state do not apply.
func (n *Normalizer) Create(raw resource.Document, s schema.Schema, extensions ...schema.Schema) (Result, error) {
	return n.normalize(raw, nil, s, extensions...)
}

// Replace normalizes a document being replaced (PUT), checking immutable
// attributes against previous.
func (n *Normalizer) Replace(raw, previous resource.Document, s schema.Schema, extensions ...schema.Schema) (Result, error) {
	return n.normalize(raw, previous, s, extensions...)
}

func (n *Normalizer) normalize(raw, previous resource.Document, s schema.Schema, extensions ...schema.Schema) (Result, error) {
	known := knownURNs(append([]schema.Schema{s}, extensions...)...)
	orig := resource.Document{}

	for key, val := range raw {
		lower := strings.ToLower(key)
		if lower == "id" || lower == "meta" || lower == "schemas" {
			continue // server-issued, rule 6
		}
		if strings.HasPrefix(lower, "urn:") {
			if !known[key] {
				return Result{}, scimerr.InvalidValue("unknown schema extension %q", key)
			}
			ext, ok := findSchema(extensions, key)
			if !ok {
				return Result{}, scimerr.InvalidValue("unknown schema extension %q", key)
			}
			sub, ok := val.(map[string]any)
			if !ok {
				return Result{}, scimerr.InvalidValue("schema extension %q must be an object", key)
			}
			normalized, err := n.normalizeAttrs(sub, ext, previousExtension(previous, key))
			if err != nil {
				return Result{}, err
			}
			orig[key] = normalized
			continue
		}
		attr, ok := s.Attribute(key)
		if !ok {
			return Result{}, scimerr.InvalidValue("unknown attribute %q", key)
		}
		prevVal, hasPrev := previousTopLevel(previous, key)
		nv, err := n.normalizeAttrValue(attr, val, prevVal, hasPrev)
		if err != nil {
			return Result{}, err
		}
		if nv != nil || val == nil {
			orig[key] = nv
		}
	}

	if err := checkRequired(s, orig); err != nil {
		return Result{}, err
	}
	if err := checkPrimary(s, orig); err != nil {
		return Result{}, err
	}

	norm := caseFold(orig, s)
	return Result{Orig: orig, Norm: norm}, nil
}

func findSchema(exts []schema.Schema, urn string) (schema.Schema, bool) {
	for _, e := range exts {
		if e.ID == urn {
			return e, true
		}
	}
	return schema.Schema{}, false
}

func previousTopLevel(previous resource.Document, key string) (any, bool) {
	if previous == nil {
		return nil, false
	}
	return resource.Get(previous, "", key, "")
}

func previousExtension(previous resource.Document, urn string) resource.Document {
	if previous == nil {
		return nil
	}
	v, ok := resource.Get(previous, urn, "", "")
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return resource.Document(m)
}

// normalizeAttrs walks a flat object of attribute values (used for the
// top level and for extension-schema sub-objects).
func (n *Normalizer) normalizeAttrs(raw map[string]any, s schema.Schema, previous resource.Document) (map[string]any, error) {
	out := map[string]any{}
	for key, val := range raw {
		attr, ok := s.Attribute(key)
		if !ok {
			return nil, scimerr.InvalidValue("unknown attribute %q", key)
		}
		var prevVal any
		var hasPrev bool
		if previous != nil {
			prevVal, hasPrev = previous[key]
		}
		nv, err := n.normalizeAttrValue(attr, val, prevVal, hasPrev)
		if err != nil {
			return nil, err
		}
		if nv != nil {
			out[key] = nv
		}
	}
	if err := checkRequired(s, out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeAttrValue enforces rule 2 (mutability) and rule 4 (format) for
// one attribute, and rule 7 (password hashing) when applicable.
func (n *Normalizer) normalizeAttrValue(attr schema.Attribute, val any, prevVal any, hasPrev bool) (any, error) {
	if attr.Mutability == schema.MutReadOnly {
		return nil, nil // silently dropped, rule 2
	}
	if attr.Mutability == schema.MutImmutable && hasPrev && prevVal != nil {
		if !valuesEqual(val, prevVal) {
			return nil, scimerr.Mutability("attribute %q is immutable", attr.Name)
		}
	}
	if strings.EqualFold(attr.Name, "password") {
		s, ok := val.(string)
		if !ok {
			return nil, scimerr.InvalidValue("password must be a string")
		}
		if s == "" {
			return nil, nil
		}
		if n.Hasher == nil {
			return nil, scimerr.Internal("", fmt.Errorf("normalize: no password hasher configured"))
		}
		hash, err := n.Hasher.Hash(s)
		if err != nil {
			return nil, scimerr.Internal("", err)
		}
		return hash, nil
	}
	if attr.MultiValued {
		arr, ok := val.([]any)
		if !ok {
			return nil, scimerr.InvalidValue("attribute %q must be an array", attr.Name)
		}
		out := make([]any, 0, len(arr))
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				out = append(out, el)
				continue
			}
			nm, err := n.normalizeComplex(attr, m)
			if err != nil {
				return nil, err
			}
			out = append(out, nm)
		}
		return out, nil
	}
	if attr.Type == schema.TypeComplex {
		m, ok := val.(map[string]any)
		if !ok {
			return nil, scimerr.InvalidValue("attribute %q must be an object", attr.Name)
		}
		return n.normalizeComplex(attr, m)
	}
	if err := validateFormat(attr, val); err != nil {
		return nil, err
	}
	return val, nil
}

func (n *Normalizer) normalizeComplex(attr schema.Attribute, m map[string]any) (map[string]any, error) {
	out := map[string]any{}
	for key, val := range m {
		sub, ok := attr.SubAttribute(key)
		if !ok {
			return nil, scimerr.InvalidValue("unknown sub-attribute %q on %q", key, attr.Name)
		}
		if sub.Mutability == schema.MutReadOnly {
			continue
		}
		if err := validateFormat(sub, val); err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// validateFormat enforces rule 4: email/phoneNumber/reference/dateTime/
// language-tag format checks, by attribute name and declared type.
func validateFormat(attr schema.Attribute, val any) error {
	if val == nil {
		return nil
	}
	switch attr.Type {
	case schema.TypeReference:
		s, ok := val.(string)
		if !ok {
			return scimerr.InvalidValue("attribute %q must be a string reference", attr.Name)
		}
		if s == "" {
			return nil
		}
		if _, err := url.Parse(s); err != nil {
			return scimerr.InvalidValue("attribute %q is not a valid URI: %s", attr.Name, err.Error())
		}
	case schema.TypeDateTime:
		s, ok := val.(string)
		if !ok {
			return scimerr.InvalidValue("attribute %q must be an RFC 3339 string", attr.Name)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return scimerr.InvalidValue("attribute %q is not a valid RFC 3339 timestamp", attr.Name)
		}
	}
	switch strings.ToLower(attr.Name) {
	case "value":
		// emails[].value is format-checked separately by ValidateUserEmails;
		// this generic "value" sub-attribute name carries no format on its
		// own.
	case "preferredlanguage":
		s, _ := val.(string)
		if s != "" && !validLanguageTag(s) {
			return scimerr.InvalidValue("attribute %q is not a valid language tag", attr.Name)
		}
	}
	return nil
}

// validateEmailValue is invoked (from ValidateUserEmails) where the
// surrounding multi-valued group name tells us the semantic type of a bare
// "value" field. Phone numbers get no format check.
func validateEmailValue(s string) error {
	if s == "" {
		return nil
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return scimerr.InvalidValue("invalid email address %q", s)
	}
	return nil
}

func validLanguageTag(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return false
			}
		}
	}
	return true
}

func checkRequired(s schema.Schema, doc map[string]any) error {
	for _, attr := range s.Attributes {
		if !attr.Required {
			continue
		}
		v, ok := doc[attr.Name]
		if !ok && v == nil {
			found := false
			for k := range doc {
				if strings.EqualFold(k, attr.Name) {
					found = true
					break
				}
			}
			if !found {
				return scimerr.InvalidValue("attribute %q is required", attr.Name)
			}
		}
	}
	return nil
}

// checkPrimary enforces rule 5: at most one element per primary-capable
// multi-valued attribute may declare primary=true.
func checkPrimary(s schema.Schema, doc map[string]any) error {
	for _, name := range schema.PrimaryCapable(s) {
		v, ok := doc[name]
		if !ok {
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		count := 0
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			if b, _ := m["primary"].(bool); b {
				count++
			}
		}
		if count > 1 {
			return scimerr.InvalidValue("attribute %q has more than one element marked primary", name)
		}
	}
	return nil
}

// caseFold produces data_norm: a copy of doc with every case-exact=false
// string value of s's attributes (and their sub-attributes) lowercased,
// per rule 3. Keys s does not define, such as extension URNs, are carried
// over unchanged.
func caseFold(doc map[string]any, s schema.Schema) resource.Document {
	out := resource.Document{}
	for key, val := range doc {
		attr, ok := s.Attribute(key)
		if !ok {
			out[key] = val
			continue
		}
		out[key] = foldValue(attr, val)
	}
	return out
}

func foldValue(attr schema.Attribute, val any) any {
	switch v := val.(type) {
	case string:
		if attr.Type == schema.TypeString && !attr.CaseExact {
			return strings.ToLower(v)
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			if m, ok := el.(map[string]any); ok {
				out[i] = foldComplex(attr, m)
			} else {
				out[i] = el
			}
		}
		return out
	case map[string]any:
		return foldComplex(attr, v)
	default:
		return v
	}
}

func foldComplex(attr schema.Attribute, m map[string]any) map[string]any {
	out := map[string]any{}
	for key, val := range m {
		sub, ok := attr.SubAttribute(key)
		if !ok {
			out[key] = val
			continue
		}
		if s, ok := val.(string); ok && sub.Type == schema.TypeString && !sub.CaseExact {
			out[key] = strings.ToLower(s)
			continue
		}
		out[key] = val
	}
	return out
}

func valuesEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// ValidateUserEmails applies the email-format check (rule 4) to a User's
// emails attribute; called by the caller after normalizeAttrs since the
// generic complex-attribute walker has no notion of "this group of
// sub-attributes is an email."
func ValidateUserEmails(doc resource.Document) error {
	arr, ok := resource.Multi(doc, "", "emails")
	if !ok {
		return nil
	}
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		v, _ := m["value"].(string)
		if err := validateEmailValue(v); err != nil {
			return err
		}
	}
	return nil
}
