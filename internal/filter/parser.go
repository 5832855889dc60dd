package filter

import (
	"fmt"
	"strings"
)

// Parser parses a SCIM filter string into an Expr tree.
type Parser struct {
	lex *lexer
	cur token
}

// Parse parses a full boolean filter expression, e.g. the `filter` query
// parameter or a PATCH `remove`/`replace` path's optional value-path.
func Parse(input string) (Expr, error) {
	p := &Parser{lex: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input near %q", p.cur.text)
	}
	return expr, nil
}

// ParsePath parses a bare attribute path (no boolean operator), as used by
// PATCH `path` members: `attr`, `attr.sub`, or `attr[filter].sub`.
func ParsePath(input string) (*Path, error) {
	p := &Parser{lex: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input near %q", p.cur.text)
	}
	return path, nil
}

func (p *Parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokIdent && strings.EqualFold(p.cur.text, "or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokIdent && strings.EqualFold(p.cur.text, "and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.cur.kind == tokIdent && strings.EqualFold(p.cur.text, "not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' near %q", p.cur.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Group{Expr: inner}, nil
	case tokIdent:
		return p.parseAttrExpr()
	default:
		return nil, fmt.Errorf("unexpected token %q", p.cur.text)
	}
}

// parseAttrExpr parses `path pr`, `path op value`, or a standalone
// value-path `path[filter]`.
func (p *Parser) parseAttrExpr() (Expr, error) {
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	if path.Value != nil && path.SubAttr == "" {
		// Standalone value-path used as a boolean expression.
		return &ValuePath{Path: path}, nil
	}
	if p.cur.kind != tokIdent {
		return nil, fmt.Errorf("expected operator after attribute path, got %q", p.cur.text)
	}
	op := strings.ToLower(p.cur.text)
	if op == "pr" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &Present{Path: path}, nil
	}
	switch CompareOp(op) {
	case OpEq, OpNe, OpCo, OpSw, OpEw, OpGt, OpGe, OpLt, OpLe:
		if err := p.advance(); err != nil {
			return nil, err
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &Compare{Path: path, Op: CompareOp(op), Value: val}, nil
	}
	return nil, fmt.Errorf("unknown filter operator %q", op)
}

func (p *Parser) parseValue() (any, error) {
	switch p.cur.kind {
	case tokString, tokNumber, tokBool, tokNull:
		v := p.cur.val
		if err := p.advance(); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("expected literal value, got %q", p.cur.text)
	}
}

// parsePath parses an attrPath or valuePath starting at the current ident
// token, which may itself encode "urn:...:Attr.sub" as a single lexed
// token since ':' and '.' are identifier characters.
func (p *Parser) parsePath() (*Path, error) {
	if p.cur.kind != tokIdent {
		return nil, fmt.Errorf("expected attribute path, got %q", p.cur.text)
	}
	raw := p.cur.text
	urn, attr, subAttr := splitAttrToken(raw)
	if err := p.advance(); err != nil {
		return nil, err
	}
	path := &Path{URN: urn, Attr: attr, SubAttr: subAttr}
	if p.cur.kind == tokLBracket {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRBracket {
			return nil, fmt.Errorf("expected ']' near %q", p.cur.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		path.Value = inner
		// An optional ".subAttr" may follow the closing bracket, lexed as
		// its own ident token starting with '.'.
		if p.cur.kind == tokIdent && strings.HasPrefix(p.cur.text, ".") {
			path.SubAttr = strings.TrimPrefix(p.cur.text, ".")
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	return path, nil
}

// splitAttrToken splits a raw lexed path token into (urn, attr, subAttr).
// A schema URN is recognized by the well-known "urn:" prefix combined with
// enough colon-separated segments to disambiguate it from a bare attribute
// name; the final colon-delimited segment is the attribute (optionally
// followed by ".subAttr").
func splitAttrToken(raw string) (urn, attr, subAttr string) {
	rest := raw
	if strings.HasPrefix(strings.ToLower(raw), "urn:") {
		idx := strings.LastIndex(raw, ":")
		urn = raw[:idx]
		rest = raw[idx+1:]
	}
	if dot := strings.Index(rest, "."); dot >= 0 {
		attr = rest[:dot]
		subAttr = rest[dot+1:]
	} else {
		attr = rest
	}
	return urn, attr, subAttr
}
