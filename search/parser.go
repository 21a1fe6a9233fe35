package search

import (
	"fmt"
	"net"
	"strings"
)

// ParseError reports malformed query text with the byte offset of the
// failure. Malformed brackets and regex overflow are rejected here, never
// silently dropped.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Msg)
}

func parseErrorf(pos int, format string, args ...interface{}) *ParseError {
	return &ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenLParen
	tokenRParen
	tokenAnd
	tokenOr
	tokenNot
	tokenPhrase // quoted free text
	tokenWord   // bare free-text token
	tokenTerm   // field:value
)

type token struct {
	typ   tokenType
	field string
	value string
	pos   int
}

// Parser turns free text plus the field:value grammar into an Expr tree.
// Precedence: NOT binds tightest, then implicit/explicit AND, then OR.
type Parser struct {
	input   string
	tokens  []token
	current int
}

// NewParser creates a parser over the given query text.
func NewParser(query string) *Parser {
	return &Parser{input: strings.TrimSpace(query)}
}

// Parse tokenizes and parses the query, returning a validated Expr.
func Parse(query string) (*Expr, error) {
	return NewParser(query).Parse()
}

// Parse parses the query and validates the resulting tree.
func (p *Parser) Parse() (*Expr, error) {
	if err := p.tokenize(); err != nil {
		return nil, err
	}
	if p.peek().typ == tokenEOF {
		return nil, parseErrorf(0, "empty query")
	}

	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().typ != tokenEOF {
		return nil, parseErrorf(p.peek().pos, "unexpected trailing input")
	}
	if err := expr.Validate(); err != nil {
		return nil, err
	}
	return expr, nil
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') || c == '_' || c == '.' || c == '@' || c == '-'
}

func (p *Parser) tokenize() error {
	input := p.input
	pos := 0

	for pos < len(input) {
		c := input[pos]

		if c == ' ' || c == '\t' || c == '\n' {
			pos++
			continue
		}
		if c == '(' {
			p.tokens = append(p.tokens, token{typ: tokenLParen, pos: pos})
			pos++
			continue
		}
		if c == ')' {
			p.tokens = append(p.tokens, token{typ: tokenRParen, pos: pos})
			pos++
			continue
		}

		// Quoted phrase (exact-match contains).
		if c == '"' {
			value, next, err := scanQuoted(input, pos)
			if err != nil {
				return err
			}
			p.tokens = append(p.tokens, token{typ: tokenPhrase, value: value, pos: pos})
			pos = next
			continue
		}

		if isWordChar(c) {
			start := pos
			for pos < len(input) && isWordChar(input[pos]) {
				pos++
			}
			word := input[start:pos]

			// Logical operators are case-insensitive keywords.
			switch strings.ToUpper(word) {
			case "AND":
				p.tokens = append(p.tokens, token{typ: tokenAnd, pos: start})
				continue
			case "OR":
				p.tokens = append(p.tokens, token{typ: tokenOr, pos: start})
				continue
			case "NOT":
				p.tokens = append(p.tokens, token{typ: tokenNot, pos: start})
				continue
			}

			// field:value term.
			if pos < len(input) && input[pos] == ':' {
				pos++ // consume ':'
				value, next, err := scanTermValue(input, pos)
				if err != nil {
					return err
				}
				p.tokens = append(p.tokens, token{typ: tokenTerm, field: word, value: value, pos: start})
				pos = next
				continue
			}

			p.tokens = append(p.tokens, token{typ: tokenWord, value: word, pos: start})
			continue
		}

		return parseErrorf(pos, "unexpected character %q", c)
	}

	p.tokens = append(p.tokens, token{typ: tokenEOF, pos: len(input)})
	return nil
}

// scanQuoted reads a double-quoted string starting at pos, handling \" and
// \\ escapes. Returns the unescaped value and the offset after the closing
// quote.
func scanQuoted(input string, pos int) (string, int, error) {
	start := pos
	pos++ // opening quote
	var sb strings.Builder
	for pos < len(input) {
		c := input[pos]
		if c == '\\' && pos+1 < len(input) {
			sb.WriteByte(input[pos+1])
			pos += 2
			continue
		}
		if c == '"' {
			return sb.String(), pos + 1, nil
		}
		sb.WriteByte(c)
		pos++
	}
	return "", 0, parseErrorf(start, "unterminated string")
}

// scanTermValue reads the value part of a field:value term. Bracketed
// ranges, /regex/ and quoted strings keep their delimiters so parseTerm can
// dispatch on them.
func scanTermValue(input string, pos int) (string, int, error) {
	if pos >= len(input) {
		return "", 0, parseErrorf(pos, "missing value after ':'")
	}

	switch input[pos] {
	case '[':
		start := pos
		for pos < len(input) && input[pos] != ']' {
			pos++
		}
		if pos >= len(input) {
			return "", 0, parseErrorf(start, "unterminated bracket range")
		}
		return input[start : pos+1], pos + 1, nil

	case '/':
		start := pos
		pos++
		for pos < len(input) && input[pos] != '/' {
			if input[pos] == '\\' && pos+1 < len(input) {
				pos++
			}
			pos++
		}
		if pos >= len(input) {
			return "", 0, parseErrorf(start, "unterminated regex")
		}
		return input[start : pos+1], pos + 1, nil

	case '"':
		value, next, err := scanQuoted(input, pos)
		if err != nil {
			return "", 0, err
		}
		// Re-wrap so parseTerm treats it as a literal value.
		return `"` + value + `"`, next, nil

	default:
		start := pos
		for pos < len(input) && input[pos] != ' ' && input[pos] != '\t' &&
			input[pos] != '\n' && input[pos] != '(' && input[pos] != ')' {
			pos++
		}
		if pos == start {
			return "", 0, parseErrorf(pos, "missing value after ':'")
		}
		return input[start:pos], pos, nil
	}
}

// parseOr handles OR, the loosest binding.
func (p *Parser) parseOr() (*Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	children := []*Expr{left}
	for p.match(tokenOr) {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}

	if len(children) == 1 {
		return left, nil
	}
	return Or(children...), nil
}

// parseAnd handles explicit AND and the implicit AND between adjacent
// terms. Runs of adjacent bare tokens collapse into a single ContainsAny
// against the message field.
func (p *Parser) parseAnd() (*Expr, error) {
	var children []*Expr

	for {
		if p.peek().typ == tokenWord {
			// Collect the run of bare tokens.
			var tokens []string
			for p.peek().typ == tokenWord {
				tokens = append(tokens, p.advance().value)
			}
			children = append(children, ContainsAny(MessageField, tokens))
		} else {
			expr, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			children = append(children, expr)
		}

		if p.match(tokenAnd) {
			continue
		}
		// Implicit AND: another primary follows without an operator.
		if t := p.peek().typ; t == tokenWord || t == tokenPhrase || t == tokenTerm ||
			t == tokenLParen || t == tokenNot {
			continue
		}
		break
	}

	if len(children) == 1 {
		return children[0], nil
	}
	return And(children...), nil
}

// parseUnary handles NOT, the tightest binding.
func (p *Parser) parseUnary() (*Expr, error) {
	if p.match(tokenNot) {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (*Expr, error) {
	tok := p.peek()

	switch tok.typ {
	case tokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.match(tokenRParen) {
			return nil, parseErrorf(p.peek().pos, "expected closing parenthesis")
		}
		return expr, nil

	case tokenPhrase:
		p.advance()
		return Contains(MessageField, tok.value), nil

	case tokenWord:
		p.advance()
		return ContainsAny(MessageField, []string{tok.value}), nil

	case tokenTerm:
		p.advance()
		return parseTerm(tok)

	default:
		return nil, parseErrorf(tok.pos, "expected a term")
	}
}

// parseTerm dispatches a field:value token to the right Expr leaf.
func parseTerm(tok token) (*Expr, error) {
	field, value := tok.field, tok.value

	// Bracketed range: field:[a TO b]
	if strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]") {
		inner := strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
		parts := splitRange(inner)
		if parts == nil {
			return nil, parseErrorf(tok.pos, "malformed range %q, expected [lo TO hi]", value)
		}
		return Between(field, parts[0], parts[1]), nil
	}

	// Regex: field:/pattern/
	if strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/") && len(value) >= 2 {
		pattern := value[1 : len(value)-1]
		if len(pattern) > MaxRegexLength {
			return nil, parseErrorf(tok.pos, "regex pattern exceeds %d characters", MaxRegexLength)
		}
		if pattern == "" {
			return nil, parseErrorf(tok.pos, "empty regex pattern")
		}
		return Regex(field, pattern), nil
	}

	// Quoted literal value.
	if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2 {
		value = value[1 : len(value)-1]
	} else if strings.Contains(value, "/") {
		// CIDR: field:10.0.0.0/8
		if _, _, err := net.ParseCIDR(value); err == nil {
			return IPInCIDR(field, value), nil
		}
	}

	// Dotted field names address the fields JSON document.
	if strings.Contains(field, ".") {
		return JSONEq(field, value), nil
	}
	return Eq(field, value), nil
}

// splitRange splits "a TO b" case-insensitively; nil when malformed.
func splitRange(inner string) []string {
	upper := strings.ToUpper(inner)
	idx := strings.Index(upper, " TO ")
	if idx < 0 {
		return nil
	}
	lo := strings.TrimSpace(inner[:idx])
	hi := strings.TrimSpace(inner[idx+4:])
	if lo == "" || hi == "" {
		return nil
	}
	return []string{lo, hi}
}

// Token cursor helpers.

func (p *Parser) match(t tokenType) bool {
	if p.peek().typ == t {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) advance() token {
	tok := p.tokens[p.current]
	if tok.typ != tokenEOF {
		p.current++
	}
	return tok
}

func (p *Parser) peek() token {
	if p.current >= len(p.tokens) {
		return token{typ: tokenEOF, pos: len(p.input)}
	}
	return p.tokens[p.current]
}
