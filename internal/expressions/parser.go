package expressions

import (
	"strings"

	"github.com/rendis/nodeflow/pkg/schema"
)

// astNode is a parsed expression node.
type astNode interface {
	eval(s *evalState) (any, error)
}

type (
	literal  struct{ val any }
	nodesRef struct{}
	varsRef  struct{}
	inputRef struct{}
	builtin  struct{ name string }

	member struct {
		target astNode
		key    astNode
		pos    int
	}
	unary struct {
		op string
		x  astNode
	}
	binary struct {
		op   string
		l, r astNode
		pos  int
	}
	ternary struct {
		cond, then, els astNode
	}
)

// builtins lists the zero-argument functions, usable with or without "()".
var builtins = map[string]bool{
	"$now":       true,
	"$timestamp": true,
	"$random":    true,
	"$uuid":      true,
}

type parser struct {
	src  string
	toks []token
	pos  int
}

// parse turns an expression body (without the surrounding braces) into an AST.
//
// Grammar, lowest precedence first:
//
//	ternary  = or [ "?" ternary ":" ternary ]
//	or       = and { "||" and }
//	and      = equality { "&&" equality }
//	equality = compare { ("==" | "!=") compare }
//	compare  = additive { ("<" | "<=" | ">" | ">=") additive }
//	additive = mult { ("+" | "-") mult }
//	mult     = unary { ("*" | "/" | "%") unary }
//	unary    = ("!" | "-") unary | postfix
//	postfix  = primary { "." name | "[" ternary "]" }
//	primary  = number | string | true | false | null | $node | $vars | $json
//	         | builtin [ "(" ")" ] | "(" ternary ")"
func parse(src string) (astNode, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	if p.peek().kind == tokEOF {
		return nil, syntaxErr(src, 0, "empty expression")
	}
	n, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, syntaxErr(src, tok.pos, "unexpected %q", tok.text)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) accept(punct ...string) (token, bool) {
	tok := p.peek()
	if tok.kind != tokPunct {
		return tok, false
	}
	for _, want := range punct {
		if tok.text == want {
			p.pos++
			return tok, true
		}
	}
	return tok, false
}

func (p *parser) expect(punct string) error {
	if _, ok := p.accept(punct); !ok {
		tok := p.peek()
		if tok.kind == tokEOF {
			return syntaxErr(p.src, tok.pos, "expected %q, got end of expression", punct)
		}
		return syntaxErr(p.src, tok.pos, "expected %q, got %q", punct, tok.text)
	}
	return nil
}

func (p *parser) parseTernary() (astNode, error) {
	cond, err := p.parseBinary(0)
	if err != nil {
		return nil, err
	}
	if _, ok := p.accept("?"); !ok {
		return cond, nil
	}
	then, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	els, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &ternary{cond: cond, then: then, els: els}, nil
}

// binaryLevels holds the left-associative operators from lowest to highest precedence.
var binaryLevels = [][]string{
	{"||"},
	{"&&"},
	{"==", "!="},
	{"<", "<=", ">", ">="},
	{"+", "-"},
	{"*", "/", "%"},
}

func (p *parser) parseBinary(level int) (astNode, error) {
	if level == len(binaryLevels) {
		return p.parseUnary()
	}
	left, err := p.parseBinary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.accept(binaryLevels[level]...)
		if !ok {
			return left, nil
		}
		right, err := p.parseBinary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &binary{op: tok.text, l: left, r: right, pos: tok.pos}
	}
}

func (p *parser) parseUnary() (astNode, error) {
	if tok, ok := p.accept("!", "-"); ok {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unary{op: tok.text, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (astNode, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		if tok, ok := p.accept("."); ok {
			name := p.next()
			switch name.kind {
			case tokIdent:
				n = &member{target: n, key: &literal{val: name.text}, pos: tok.pos}
			case tokNumber:
				n = &member{target: n, key: &literal{val: name.num}, pos: tok.pos}
			default:
				return nil, syntaxErr(p.src, name.pos, "expected property name after '.'")
			}
			continue
		}
		if tok, ok := p.accept("["); ok {
			key, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = &member{target: n, key: key, pos: tok.pos}
			continue
		}
		return n, nil
	}
}

func (p *parser) parsePrimary() (astNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return &literal{val: tok.num}, nil
	case tokString:
		return &literal{val: tok.str}, nil
	case tokIdent:
		return p.parseIdent(tok)
	case tokPunct:
		if tok.text == "(" {
			n, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, syntaxErr(p.src, tok.pos, "unexpected %q", tok.text)
	default:
		return nil, syntaxErr(p.src, tok.pos, "unexpected end of expression")
	}
}

func (p *parser) parseIdent(tok token) (astNode, error) {
	switch tok.text {
	case "true":
		return &literal{val: true}, nil
	case "false":
		return &literal{val: false}, nil
	case "null":
		return &literal{val: nil}, nil
	case "$node":
		return nodesRef{}, nil
	case "$vars":
		return varsRef{}, nil
	case "$json":
		return inputRef{}, nil
	}
	if builtins[tok.text] {
		if _, ok := p.accept("("); ok {
			if err := p.expect(")"); err != nil {
				return nil, err
			}
		}
		return &builtin{name: tok.text}, nil
	}
	if strings.HasPrefix(tok.text, "$") {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown identifier %s", tok.text).
			WithDetails(map[string]any{
				"expression": p.src,
				"position":   tok.pos,
				"reason":     reasonSyntax,
				"available":  []string{"$node", "$vars", "$json", "$now", "$timestamp", "$random", "$uuid"},
			})
	}
	return nil, syntaxErr(p.src, tok.pos, "unknown identifier %q", tok.text)
}
