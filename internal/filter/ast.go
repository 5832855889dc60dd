// Package filter implements the RFC 7644 §3.4.2.2 filter grammar: lexing,
// parsing into a typed expression tree, and evaluating that tree against a
// resource document. The same attrPath/valuePath grammar backs both SCIM
// filter query parameters and PATCH path expressions (internal/patch reuses
// this package's parser for that reason).
package filter

// Path addresses an attribute, optionally scoped to a schema extension URN,
// optionally narrowed to a subset of a multi-valued complex attribute via a
// bracketed value filter, and optionally drilled into a sub-attribute.
type Path struct {
	URN     string // schema extension URN, e.g. "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User", or ""
	Attr    string
	Value   Expr   // non-nil for a value-path: attr[Value]
	SubAttr string // sub-attribute, either "attr.sub" or "attr[...].sub"
}

// Expr is a node in a parsed filter expression tree.
type Expr interface{}

// CompareOp is one of the RFC 7644 comparison operators.
type CompareOp string

const (
	OpEq CompareOp = "eq"
	OpNe CompareOp = "ne"
	OpCo CompareOp = "co"
	OpSw CompareOp = "sw"
	OpEw CompareOp = "ew"
	OpGt CompareOp = "gt"
	OpGe CompareOp = "ge"
	OpLt CompareOp = "lt"
	OpLe CompareOp = "le"
)

// Compare is `path op value`, e.g. `userName eq "bjensen"`.
type Compare struct {
	Path  *Path
	Op    CompareOp
	Value any
}

// Present is `path pr` — true iff the attribute exists and is non-empty.
type Present struct {
	Path *Path
}

// ValuePath is a standalone value-path expression, e.g.
// `emails[type eq "work"]` used outside PATCH — true iff the filtered
// subset of Path.Attr is non-empty.
type ValuePath struct {
	Path *Path
}

// And is a logical conjunction; And binds looser than Not, tighter than Or.
type And struct{ Left, Right Expr }

// Or is a logical disjunction; the loosest-binding operator.
type Or struct{ Left, Right Expr }

// Not negates its operand; the tightest-binding operator.
type Not struct{ Expr Expr }

// Group is a parenthesized sub-expression, kept as a distinct node only to
// simplify round-tripping; evaluation treats it transparently.
type Group struct{ Expr Expr }
