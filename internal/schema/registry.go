// Package schema holds the static SCIM attribute metadata (RFC 7643 §2.2)
// for the User, Group, and EnterpriseUser schemas: the Schema Registry
// component. It is built once at startup and never mutated, so it may be
// read without locking.
package schema

// Type enumerates the SCIM attribute data types.
type Type string

const (
	TypeString    Type = "string"
	TypeBoolean   Type = "boolean"
	TypeDecimal   Type = "decimal"
	TypeInteger   Type = "integer"
	TypeDateTime  Type = "dateTime"
	TypeBinary    Type = "binary"
	TypeReference Type = "reference"
	TypeComplex   Type = "complex"
)

// Mutability enumerates RFC 7643 §2.2 mutability values.
type Mutability string

const (
	MutReadOnly  Mutability = "readOnly"
	MutReadWrite Mutability = "readWrite"
	MutImmutable Mutability = "immutable"
	MutWriteOnly Mutability = "writeOnly"
)

// Returned enumerates RFC 7643 §2.2 returned policies.
type Returned string

const (
	ReturnedAlways  Returned = "always"
	ReturnedNever   Returned = "never"
	ReturnedDefault Returned = "default"
	ReturnedRequest Returned = "request"
)

// Uniqueness enumerates RFC 7643 §2.2 uniqueness values.
type Uniqueness string

const (
	UniqueNone   Uniqueness = "none"
	UniqueServer Uniqueness = "server"
	UniqueGlobal Uniqueness = "global"
)

// Attribute describes one schema attribute, optionally with sub-attributes
// for complex (possibly multi-valued) types.
type Attribute struct {
	Name            string
	Type            Type
	MultiValued     bool
	CaseExact       bool
	CanonicalValues []string
	Mutability      Mutability
	Returned        Returned
	Uniqueness      Uniqueness
	Required        bool
	Primary         bool // true if this attribute participates in the multi-valued "at most one primary" rule
	SubAttributes   []Attribute
}

// SubAttribute looks up a named sub-attribute case-insensitively.
func (a Attribute) SubAttribute(name string) (Attribute, bool) {
	for _, sub := range a.SubAttributes {
		if eqFold(sub.Name, name) {
			return sub, true
		}
	}
	return Attribute{}, false
}

// Schema is a named, URN-identified collection of attributes.
type Schema struct {
	ID         string
	Name       string
	Attributes []Attribute
}

// Attribute looks up a top-level attribute case-insensitively.
func (s Schema) Attribute(name string) (Attribute, bool) {
	for _, a := range s.Attributes {
		if eqFold(a.Name, name) {
			return a, true
		}
	}
	return Attribute{}, false
}

func eqFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

const (
	URNUser       = "urn:ietf:params:scim:schemas:core:2.0:User"
	URNGroup      = "urn:ietf:params:scim:schemas:core:2.0:Group"
	URNEnterprise = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
)

func multiValuedSub(extra ...Attribute) []Attribute {
	base := []Attribute{
		{Name: "value", Type: TypeString},
		{Name: "display", Type: TypeString},
		{Name: "type", Type: TypeString},
		{Name: "primary", Type: TypeBoolean, Primary: true},
	}
	return append(base, extra...)
}

// Registry holds the immutable set of schemas known to the server.
type Registry struct {
	schemas map[string]Schema
}

// NewRegistry builds the standard User/Group/EnterpriseUser registry.
func NewRegistry() *Registry {
	r := &Registry{schemas: map[string]Schema{}}
	r.schemas[URNUser] = userSchema()
	r.schemas[URNGroup] = groupSchema()
	r.schemas[URNEnterprise] = enterpriseUserSchema()
	return r
}

// Schema returns the schema registered under urn.
func (r *Registry) Schema(urn string) (Schema, bool) {
	s, ok := r.schemas[urn]
	return s, ok
}

// Schemas returns all registered schemas.
func (r *Registry) Schemas() []Schema {
	out := make([]Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	return out
}

// UserSchema and GroupSchema are convenience accessors used throughout the
// engine where the resource type is already known from context.
func (r *Registry) UserSchema() Schema  { s, _ := r.Schema(URNUser); return s }
func (r *Registry) GroupSchema() Schema { s, _ := r.Schema(URNGroup); return s }
func (r *Registry) EnterpriseSchema() Schema {
	s, _ := r.Schema(URNEnterprise)
	return s
}

func userSchema() Schema {
	return Schema{
		ID:   URNUser,
		Name: "User",
		Attributes: []Attribute{
			{Name: "userName", Type: TypeString, CaseExact: false, Required: true, Uniqueness: UniqueServer},
			{Name: "name", Type: TypeComplex, SubAttributes: []Attribute{
				{Name: "formatted", Type: TypeString},
				{Name: "familyName", Type: TypeString},
				{Name: "givenName", Type: TypeString},
				{Name: "middleName", Type: TypeString},
				{Name: "honorificPrefix", Type: TypeString},
				{Name: "honorificSuffix", Type: TypeString},
			}},
			{Name: "displayName", Type: TypeString},
			{Name: "nickName", Type: TypeString},
			{Name: "profileUrl", Type: TypeReference},
			{Name: "title", Type: TypeString},
			{Name: "userType", Type: TypeString},
			{Name: "preferredLanguage", Type: TypeString},
			{Name: "locale", Type: TypeString},
			{Name: "timezone", Type: TypeString},
			{Name: "active", Type: TypeBoolean},
			{Name: "password", Type: TypeString, Mutability: MutWriteOnly, Returned: ReturnedNever},
			{Name: "emails", Type: TypeComplex, MultiValued: true, SubAttributes: multiValuedSub()},
			{Name: "phoneNumbers", Type: TypeComplex, MultiValued: true, SubAttributes: multiValuedSub()},
			{Name: "ims", Type: TypeComplex, MultiValued: true, SubAttributes: multiValuedSub()},
			{Name: "photos", Type: TypeComplex, MultiValued: true, SubAttributes: multiValuedSub()},
			{Name: "addresses", Type: TypeComplex, MultiValued: true, SubAttributes: multiValuedSub(
				Attribute{Name: "formatted", Type: TypeString},
				Attribute{Name: "streetAddress", Type: TypeString},
				Attribute{Name: "locality", Type: TypeString},
				Attribute{Name: "region", Type: TypeString},
				Attribute{Name: "postalCode", Type: TypeString},
				Attribute{Name: "country", Type: TypeString},
			)},
			{Name: "groups", Type: TypeComplex, MultiValued: true, Mutability: MutReadOnly, SubAttributes: []Attribute{
				{Name: "value", Type: TypeString},
				{Name: "$ref", Type: TypeReference},
				{Name: "display", Type: TypeString},
				{Name: "type", Type: TypeString},
			}},
			{Name: "entitlements", Type: TypeComplex, MultiValued: true, SubAttributes: multiValuedSub()},
			{Name: "roles", Type: TypeComplex, MultiValued: true, SubAttributes: multiValuedSub()},
			{Name: "x509Certificates", Type: TypeComplex, MultiValued: true, SubAttributes: multiValuedSub()},
			{Name: "externalId", Type: TypeString, CaseExact: true, Uniqueness: UniqueServer},
			{Name: "id", Type: TypeString, CaseExact: true, Mutability: MutReadOnly, Uniqueness: UniqueServer},
		},
	}
}

func groupSchema() Schema {
	return Schema{
		ID:   URNGroup,
		Name: "Group",
		Attributes: []Attribute{
			{Name: "displayName", Type: TypeString, CaseExact: false, Required: true, Uniqueness: UniqueServer},
			{Name: "members", Type: TypeComplex, MultiValued: true, SubAttributes: []Attribute{
				{Name: "value", Type: TypeString},
				{Name: "$ref", Type: TypeReference},
				{Name: "display", Type: TypeString},
				{Name: "type", Type: TypeString, CanonicalValues: []string{"User", "Group"}},
			}},
			{Name: "externalId", Type: TypeString, CaseExact: true, Uniqueness: UniqueServer},
			{Name: "id", Type: TypeString, CaseExact: true, Mutability: MutReadOnly, Uniqueness: UniqueServer},
		},
	}
}

func enterpriseUserSchema() Schema {
	return Schema{
		ID:   URNEnterprise,
		Name: "EnterpriseUser",
		Attributes: []Attribute{
			{Name: "employeeNumber", Type: TypeString},
			{Name: "costCenter", Type: TypeString},
			{Name: "organization", Type: TypeString},
			{Name: "division", Type: TypeString},
			{Name: "department", Type: TypeString},
			{Name: "manager", Type: TypeComplex, SubAttributes: []Attribute{
				{Name: "value", Type: TypeString},
				{Name: "$ref", Type: TypeReference},
				{Name: "displayName", Type: TypeString, Mutability: MutReadOnly},
			}},
		},
	}
}

// PrimaryCapable returns the multi-valued attribute names on schema that
// carry a boolean "primary" sub-attribute (RFC 7643 §2.4), i.e. those
// subject to the "at most one primary=true" invariant.
func PrimaryCapable(s Schema) []string {
	var out []string
	for _, a := range s.Attributes {
		if !a.MultiValued {
			continue
		}
		for _, sub := range a.SubAttributes {
			if sub.Primary {
				out = append(out, a.Name)
				break
			}
		}
	}
	return out
}
