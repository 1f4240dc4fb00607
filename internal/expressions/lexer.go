package expressions

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/rendis/nodeflow/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPunct
)

type token struct {
	kind tokenKind
	text string  // identifier, punctuation or raw literal
	num  float64 // tokNumber
	str  string  // tokString, unescaped
	pos  int
}

// twoCharPunct are operators lexed before their single-char prefixes.
var twoCharPunct = []string{"==", "!=", "<=", ">=", "&&", "||"}

const singleCharPunct = ".[](),?:+-*/%<>!"

// lex splits an expression body into tokens.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && src[i] >= '0' && src[i] <= '9' {
				i++
			}
			// After '.' a digit run is a path index: a.0.1 is a[0][1], not a[0.1].
			if !afterDot(toks) && i+1 < len(src) && src[i] == '.' && src[i+1] >= '0' && src[i+1] <= '9' {
				i++
				for i < len(src) && src[i] >= '0' && src[i] <= '9' {
					i++
				}
			}
			n, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, syntaxErr(src, start, "invalid number %q", src[start:i])
			}
			toks = append(toks, token{kind: tokNumber, text: src[start:i], num: n, pos: start})

		case c == '"' || c == '\'':
			s, end, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: src[i:end], str: s, pos: i})
			i = end

		case c == '$' || c == '_' || unicode.IsLetter(rune(c)):
			start := i
			i++
			for i < len(src) && (src[i] == '_' || src[i] == '$' ||
				unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})

		default:
			matched := false
			for _, p := range twoCharPunct {
				if strings.HasPrefix(src[i:], p) {
					toks = append(toks, token{kind: tokPunct, text: p, pos: i})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte(singleCharPunct, c) >= 0 {
				toks = append(toks, token{kind: tokPunct, text: string(c), pos: i})
				i++
				continue
			}
			return nil, syntaxErr(src, i, "unexpected character %q", c)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// lexString reads a quoted literal starting at src[start] and returns the
// unescaped value and the index just past the closing quote.
func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1, nil
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(src[i])
			}
		default:
			b.WriteByte(c)
		}
		i++
	}
	return "", 0, syntaxErr(src, start, "unterminated string literal")
}

func afterDot(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	last := toks[len(toks)-1]
	return last.kind == tokPunct && last.text == "."
}

func syntaxErr(src string, pos int, format string, args ...any) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeExpression, format, args...).
		WithDetails(map[string]any{"expression": src, "position": pos, "reason": reasonSyntax})
}
