package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
)

// Evaluator evaluates parsed filter expressions against resource documents
// using a schema to decide case-exactness per attribute.
type Evaluator struct {
	Schema schema.Schema
}

// NewEvaluator builds an Evaluator bound to s.
func NewEvaluator(s schema.Schema) *Evaluator {
	return &Evaluator{Schema: s}
}

// Eval reports whether doc satisfies expr.
func (e *Evaluator) Eval(doc resource.Document, expr Expr) (bool, error) {
	switch t := expr.(type) {
	case *Group:
		return e.Eval(doc, t.Expr)
	case *Not:
		v, err := e.Eval(doc, t.Expr)
		return !v, err
	case *And:
		l, err := e.Eval(doc, t.Left)
		if err != nil {
			return false, err
		}
		if !l {
			return false, nil
		}
		return e.Eval(doc, t.Right)
	case *Or:
		l, err := e.Eval(doc, t.Left)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return e.Eval(doc, t.Right)
	case *Present:
		v, ok := e.resolve(doc, t.Path)
		return !resource.IsEmpty(v, ok), nil
	case *ValuePath:
		elems, err := e.matchingElements(doc, t.Path)
		if err != nil {
			return false, err
		}
		return len(elems) > 0, nil
	case *Compare:
		return e.evalCompare(doc, t)
	default:
		return false, fmt.Errorf("unsupported filter expression %T", expr)
	}
}

// resolve fetches the value addressed by p, applying any bracket filter
// first when p.Value is set (value-path narrowing for sub-attribute reads).
func (e *Evaluator) resolve(doc resource.Document, p *Path) (any, bool) {
	if p.Value == nil {
		return resource.Get(doc, p.URN, p.Attr, p.SubAttr)
	}
	elems, err := e.matchingElements(doc, p)
	if err != nil || len(elems) == 0 {
		return nil, false
	}
	if p.SubAttr == "" {
		return elems, true
	}
	m, ok := elems[0].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[p.SubAttr]
	return v, ok
}

// matchingElements returns the elements of the multi-valued attribute
// p.Attr for which p.Value holds true.
func (e *Evaluator) matchingElements(doc resource.Document, p *Path) ([]any, error) {
	arr, ok := resource.Multi(doc, p.URN, p.Attr)
	if !ok {
		return nil, nil
	}
	var out []any
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		match, err := e.Eval(resource.Document(m), p.Value)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, el)
		}
	}
	return out, nil
}

func (e *Evaluator) caseExact(p *Path) bool {
	attr, ok := e.Schema.Attribute(p.Attr)
	if !ok {
		return false
	}
	if p.SubAttr != "" {
		if sub, ok := attr.SubAttribute(p.SubAttr); ok {
			return sub.CaseExact
		}
	}
	return attr.CaseExact
}

func (e *Evaluator) evalCompare(doc resource.Document, c *Compare) (bool, error) {
	v, ok := e.resolve(doc, c.Path)
	if !ok || v == nil {
		// ne against an absent attribute is considered true (it certainly
		// doesn't equal the given value); all other operators are false.
		return c.Op == OpNe, nil
	}
	if arr, isArr := v.([]any); isArr {
		// Multi-valued attribute compared directly (no value-path): true
		// if any element satisfies the comparison.
		for _, el := range arr {
			ok, err := compareScalar(el, c.Op, c.Value, e.caseExact(c.Path))
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return compareScalar(v, c.Op, c.Value, e.caseExact(c.Path))
}

func compareScalar(v any, op CompareOp, target any, caseExact bool) (bool, error) {
	// dateTime comparison: both sides parse as RFC 3339.
	if vs, ok := v.(string); ok {
		if ts, ok := target.(string); ok {
			if vt, err1 := time.Parse(time.RFC3339, vs); err1 == nil {
				if tt, err2 := time.Parse(time.RFC3339, ts); err2 == nil {
					return compareOrdered(vt.UnixNano(), tt.UnixNano(), op)
				}
			}
		}
	}

	switch tv := v.(type) {
	case string:
		ts, ok := target.(string)
		if !ok {
			return false, fmt.Errorf("type mismatch: string attribute compared to non-string literal")
		}
		return compareStrings(tv, ts, op, caseExact)
	case bool:
		tb, ok := target.(bool)
		if !ok {
			return false, fmt.Errorf("type mismatch: boolean attribute compared to non-boolean literal")
		}
		switch op {
		case OpEq:
			return tv == tb, nil
		case OpNe:
			return tv != tb, nil
		default:
			return false, fmt.Errorf("operator %q not valid for boolean attribute", op)
		}
	case float64, int64, int, int32:
		vf := toFloat(tv)
		tf, ok := toFloatOK(target)
		if !ok {
			return false, fmt.Errorf("type mismatch: numeric attribute compared to non-numeric literal")
		}
		return compareOrdered(vf, tf, op)
	default:
		return false, fmt.Errorf("unsupported attribute value type %T", v)
	}
}

func compareStrings(v, t string, op CompareOp, caseExact bool) (bool, error) {
	cv, ct := v, t
	if !caseExact {
		cv, ct = strings.ToLower(v), strings.ToLower(t)
	}
	switch op {
	case OpEq:
		return cv == ct, nil
	case OpNe:
		return cv != ct, nil
	case OpCo:
		return strings.Contains(cv, ct), nil
	case OpSw:
		return strings.HasPrefix(cv, ct), nil
	case OpEw:
		return strings.HasSuffix(cv, ct), nil
	case OpGt, OpGe, OpLt, OpLe:
		return compareOrderedString(cv, ct, op)
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func compareOrderedString(a, b string, op CompareOp) (bool, error) {
	switch op {
	case OpGt:
		return a > b, nil
	case OpGe:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLe:
		return a <= b, nil
	}
	return false, fmt.Errorf("unknown ordering operator %q", op)
}

func compareOrdered[T int64 | float64](a, b T, op CompareOp) (bool, error) {
	switch op {
	case OpEq:
		return a == b, nil
	case OpNe:
		return a != b, nil
	case OpGt:
		return a > b, nil
	case OpGe:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLe:
		return a <= b, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	}
	return 0
}

func toFloatOK(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
