package filter

import (
	"strings"

	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
)

// References reports whether expr refers to the named attribute at any
// nesting depth, including inside a bracketed value-path sub-filter
// (e.g. "members" inside `members[value eq "x"]`). Used to gate filters
// on attributes a tenant has disabled (spec.md §4.4's support toggles).
func References(expr Expr, name string) bool {
	switch t := expr.(type) {
	case *Group:
		return References(t.Expr, name)
	case *Not:
		return References(t.Expr, name)
	case *And:
		return References(t.Left, name) || References(t.Right, name)
	case *Or:
		return References(t.Left, name) || References(t.Right, name)
	case *Present:
		return pathReferences(t.Path, name)
	case *ValuePath:
		return pathReferences(t.Path, name)
	case *Compare:
		return pathReferences(t.Path, name)
	}
	return false
}

func pathReferences(p *Path, name string) bool {
	if strings.EqualFold(p.Attr, name) || strings.EqualFold(p.SubAttr, name) {
		return true
	}
	if p.Value != nil {
		return References(p.Value, name)
	}
	return false
}

// ValidateAttributes checks every attribute and sub-attribute path
// referenced in expr against sch, returning an invalidFilter error for
// the first one sch does not define (spec.md §4.4: an unknown attribute
// is a 400 invalidFilter, not a silent non-match). A bracketed
// value-path's inner expression is validated against the referenced
// attribute's own sub-attributes. Schema-extension-qualified paths (a
// URN prefix) are left unvalidated, since no single schema here covers
// every extension a filter might reference.
func ValidateAttributes(expr Expr, sch schema.Schema) error {
	switch t := expr.(type) {
	case *Group:
		return ValidateAttributes(t.Expr, sch)
	case *Not:
		return ValidateAttributes(t.Expr, sch)
	case *And:
		if err := ValidateAttributes(t.Left, sch); err != nil {
			return err
		}
		return ValidateAttributes(t.Right, sch)
	case *Or:
		if err := ValidateAttributes(t.Left, sch); err != nil {
			return err
		}
		return ValidateAttributes(t.Right, sch)
	case *Present:
		return validatePathAttr(t.Path, sch)
	case *ValuePath:
		return validatePathAttr(t.Path, sch)
	case *Compare:
		return validatePathAttr(t.Path, sch)
	}
	return nil
}

func validatePathAttr(p *Path, sch schema.Schema) error {
	if p.URN != "" {
		return nil
	}
	attr, ok := sch.Attribute(p.Attr)
	if !ok {
		return scimerr.InvalidFilter("unknown attribute %q", p.Attr)
	}
	if p.SubAttr != "" {
		if _, ok := attr.SubAttribute(p.SubAttr); !ok {
			return scimerr.InvalidFilter("unknown sub-attribute %q of %q", p.SubAttr, p.Attr)
		}
	}
	if p.Value != nil {
		return ValidateAttributes(p.Value, schema.Schema{Attributes: attr.SubAttributes})
	}
	return nil
}
