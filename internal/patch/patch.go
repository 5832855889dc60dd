// Package patch implements the RFC 7644 §3.5.2 PATCH operation
// interpreter: add/remove/replace operations with value-path targeting,
// applied atomically to a stored resource document.
package patch

import (
	"strings"

	"github.com/xraph/scimserver/internal/filter"
	"github.com/xraph/scimserver/internal/resource"
	"github.com/xraph/scimserver/internal/schema"
	"github.com/xraph/scimserver/internal/scimerr"
)

// Op is one PATCH operation as decoded from a PatchOp request body.
type Op struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Request is the RFC 7644 §3.5.2 PatchOp request body.
type Request struct {
	Schemas    []string `json:"schemas"`
	Operations []Op     `json:"Operations"`
}

// Toggles are the per-tenant PATCH compatibility switches from spec.md §4.5.
type Toggles struct {
	AllowReplaceEmptyArray bool // support_patch_replace_empty_array
	AllowReplaceEmptyValue bool // support_patch_replace_empty_value (non-standard clear pattern)
}

// Interpreter applies PATCH operations to resource documents for a given
// resource schema (User or Group).
type Interpreter struct {
	Schema  schema.Schema
	Toggles Toggles
}

// New builds an Interpreter bound to s.
func New(s schema.Schema, toggles Toggles) *Interpreter {
	return &Interpreter{Schema: s, Toggles: toggles}
}

// Apply runs every operation in req against a clone of doc in order. On any
// failure, it returns the error and the original, untouched document
// remains the caller's responsibility to preserve (the batch is atomic:
// the caller must not persist a partially applied result).
func (ip *Interpreter) Apply(doc resource.Document, req Request) (resource.Document, error) {
	if len(req.Operations) == 0 {
		return nil, scimerr.InvalidSyntax("PATCH request must contain at least one operation")
	}
	out := resource.Clone(doc)
	for i, op := range req.Operations {
		if err := ip.applyOne(out, op); err != nil {
			return nil, err
		}
		if err := ip.checkPrimary(out); err != nil {
			return nil, wrapOpIndex(err, i)
		}
	}
	return out, nil
}

func wrapOpIndex(err error, i int) error {
	if se, ok := scimerr.As(err); ok {
		se.Detail = se.Detail + " (operation " + itoa(i) + ")"
		return se
	}
	return err
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func (ip *Interpreter) applyOne(doc resource.Document, op Op) error {
	switch strings.ToLower(op.Op) {
	case "add":
		return ip.applyAdd(doc, op)
	case "remove":
		return ip.applyRemove(doc, op)
	case "replace":
		return ip.applyReplace(doc, op)
	default:
		return scimerr.InvalidSyntax("unknown PATCH op %q", op.Op)
	}
}

func (ip *Interpreter) applyAdd(doc resource.Document, op Op) error {
	if op.Value == nil {
		return scimerr.InvalidSyntax("add operation requires a value")
	}
	if op.Path == "" {
		obj, ok := op.Value.(map[string]any)
		if !ok {
			return scimerr.InvalidValue("add without a path requires an object value")
		}
		for k, v := range obj {
			urn, attr, subAttr := splitTopLevel(ip.Schema, k)
			mergeAttr(doc, urn, attr, subAttr, v, ip.attrIsMulti(attr))
		}
		return nil
	}
	path, attr, err := ip.resolvePath(op.Path)
	if err != nil {
		return err
	}
	if path.Value != nil {
		return ip.addToValuePath(doc, path, op.Value)
	}
	mergeAttr(doc, path.URN, path.Attr, path.SubAttr, op.Value, attr.MultiValued)
	return nil
}

// mergeAttr implements "add" semantics: scalars/complex are set (created
// or overwritten), multi-valued attributes have the new element(s)
// appended.
func mergeAttr(doc resource.Document, urn, attr, subAttr string, value any, multi bool) {
	if !multi || subAttr != "" {
		resource.Set(doc, urn, attr, subAttr, value)
		return
	}
	existing, _ := resource.Multi(doc, urn, attr)
	switch v := value.(type) {
	case []any:
		existing = append(existing, v...)
	default:
		existing = append(existing, v)
	}
	resource.SetMulti(doc, urn, attr, existing)
}

func (ip *Interpreter) addToValuePath(doc resource.Document, path *filter.Path, value any) error {
	arr, _ := resource.Multi(doc, path.URN, path.Attr)
	ev := newEvaluator(ip.Schema)
	matched := false
	for i, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		ok, err := ev.Eval(resource.Document(m), path.Value)
		if err != nil {
			return scimerr.InvalidFilter("%s", err.Error())
		}
		if !ok {
			continue
		}
		matched = true
		if path.SubAttr != "" {
			m[path.SubAttr] = value
		} else if obj, ok := value.(map[string]any); ok {
			for k, v := range obj {
				m[k] = v
			}
		}
		arr[i] = m
	}
	if !matched {
		return scimerr.NoTarget("no element of %q matched the value-path filter", path.Attr)
	}
	resource.SetMulti(doc, path.URN, path.Attr, arr)
	return nil
}

func (ip *Interpreter) applyRemove(doc resource.Document, op Op) error {
	if op.Path == "" {
		return scimerr.NoTarget("remove operation requires a path")
	}
	path, _, err := ip.resolvePath(op.Path)
	if err != nil {
		return err
	}
	if path.Value == nil {
		resource.Delete(doc, path.URN, path.Attr, path.SubAttr)
		return nil
	}
	arr, ok := resource.Multi(doc, path.URN, path.Attr)
	if !ok {
		return nil
	}
	ev := newEvaluator(ip.Schema)
	kept := arr[:0:0]
	removedAny := false
	for _, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			kept = append(kept, el)
			continue
		}
		match, err := ev.Eval(resource.Document(m), path.Value)
		if err != nil {
			return scimerr.InvalidFilter("%s", err.Error())
		}
		if match {
			removedAny = true
			if path.SubAttr != "" {
				delete(m, path.SubAttr)
				kept = append(kept, m)
			}
			continue
		}
		kept = append(kept, el)
	}
	if !removedAny {
		return scimerr.NoTarget("no element of %q matched the value-path filter", path.Attr)
	}
	resource.SetMulti(doc, path.URN, path.Attr, kept)
	return nil
}

func (ip *Interpreter) applyReplace(doc resource.Document, op Op) error {
	if op.Value == nil {
		return scimerr.InvalidSyntax("replace operation requires a value")
	}
	if op.Path == "" {
		obj, ok := op.Value.(map[string]any)
		if !ok {
			return scimerr.InvalidValue("replace without a path requires an object value")
		}
		for k, v := range obj {
			urn, attr, subAttr := splitTopLevel(ip.Schema, k)
			resource.Set(doc, urn, attr, subAttr, v)
		}
		return nil
	}
	path, attr, err := ip.resolvePath(op.Path)
	if err != nil {
		return err
	}
	if path.Value != nil {
		return ip.replaceValuePath(doc, path, op.Value)
	}
	if attr.MultiValued && path.SubAttr == "" {
		if err := ip.checkEmptyReplace(op.Value); err != nil {
			return err
		}
	}
	resource.Set(doc, path.URN, path.Attr, path.SubAttr, op.Value)
	return nil
}

func (ip *Interpreter) checkEmptyReplace(value any) error {
	if arr, ok := value.([]any); ok && len(arr) == 0 && !ip.Toggles.AllowReplaceEmptyArray {
		return scimerr.InvalidValue("replacing a multi-valued attribute with an empty array is not supported by this tenant")
	}
	if !ip.Toggles.AllowReplaceEmptyValue {
		if arr, ok := value.([]any); ok && len(arr) == 1 {
			if m, ok := arr[0].(map[string]any); ok {
				if v, present := m["value"]; present {
					if s, ok := v.(string); ok && s == "" && len(m) == 1 {
						return scimerr.InvalidValue("the non-standard [{\"value\":\"\"}] clear pattern is not supported by this tenant")
					}
				}
			}
		}
	}
	return nil
}

func (ip *Interpreter) replaceValuePath(doc resource.Document, path *filter.Path, value any) error {
	arr, ok := resource.Multi(doc, path.URN, path.Attr)
	if !ok {
		return scimerr.NoTarget("no element of %q matched the value-path filter", path.Attr)
	}
	ev := newEvaluator(ip.Schema)
	matched := false
	for i, el := range arr {
		m, ok := el.(map[string]any)
		if !ok {
			continue
		}
		match, err := ev.Eval(resource.Document(m), path.Value)
		if err != nil {
			return scimerr.InvalidFilter("%s", err.Error())
		}
		if !match {
			continue
		}
		matched = true
		if path.SubAttr != "" {
			m[path.SubAttr] = value
			arr[i] = m
		} else if obj, ok := value.(map[string]any); ok {
			for k, v := range obj {
				m[k] = v
			}
			arr[i] = m
		} else {
			arr[i] = value
		}
	}
	if !matched {
		return scimerr.NoTarget("no element of %q matched the value-path filter", path.Attr)
	}
	resource.SetMulti(doc, path.URN, path.Attr, arr)
	return nil
}

// resolvePath parses a PATCH path expression and validates it names a
// known schema attribute.
func (ip *Interpreter) resolvePath(raw string) (*filter.Path, schema.Attribute, error) {
	path, err := filter.ParsePath(raw)
	if err != nil {
		return nil, schema.Attribute{}, scimerr.InvalidPath("%s", err.Error())
	}
	attr, ok := ip.Schema.Attribute(path.Attr)
	if !ok {
		return nil, schema.Attribute{}, scimerr.InvalidPath("unknown attribute %q", path.Attr)
	}
	if attr.Mutability == schema.MutReadOnly {
		return nil, schema.Attribute{}, scimerr.Mutability("attribute %q is read-only", path.Attr)
	}
	return path, attr, nil
}

func (ip *Interpreter) attrIsMulti(name string) bool {
	attr, ok := ip.Schema.Attribute(name)
	return ok && attr.MultiValued
}

// checkPrimary re-evaluates the "at most one primary=true" rule across
// every primary-capable multi-valued attribute after an operation.
func (ip *Interpreter) checkPrimary(doc resource.Document) error {
	for _, name := range schema.PrimaryCapable(ip.Schema) {
		arr, ok := resource.Multi(doc, "", name)
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

func splitTopLevel(s schema.Schema, key string) (urn, attr, subAttr string) {
	if strings.HasPrefix(strings.ToLower(key), "urn:") {
		idx := strings.LastIndex(key, ":")
		return key[:idx], key[idx+1:], ""
	}
	if dot := strings.Index(key, "."); dot >= 0 {
		return "", key[:dot], key[dot+1:]
	}
	return "", key, ""
}

func newEvaluator(s schema.Schema) *filter.Evaluator {
	return filter.NewEvaluator(s)
}
