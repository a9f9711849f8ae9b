package matcher

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc resolves attribute references encountered in expressions.
type LookupFunc func(path string) (any, bool)

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("expression syntax error")
	// ErrTypeMismatch indicates the expression attempted an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Expression is a boolean expression compiled once when a tap config is built and
// evaluated for every request or connection. Attributes that are not available yet
// evaluate to null, which compares unequal to everything but null.
type Expression struct {
	source string
	root   node
}

// Compile parses expression.
func Compile(expression string) (*Expression, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	p := newParser(newLexer(expression))
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenEOF); err != nil {
		return nil, err
	}
	return &Expression{source: expression, root: root}, nil
}

// String returns the source text.
func (e *Expression) String() string {
	return e.source
}

// Eval evaluates the expression against lookup.
func (e *Expression) Eval(lookup LookupFunc) (bool, error) {
	value, err := e.root.eval(lookup)
	if err != nil {
		return false, err
	}
	b, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression does not evaluate to boolean", ErrTypeMismatch)
	}
	return b, nil
}

// --- Lexer ---

type tokenType int

type token struct {
	typ     tokenType
	literal string
}

const (
	tokenIllegal tokenType = iota
	tokenEOF
	tokenIdentifier
	tokenNumber
	tokenString
	tokenBool
	tokenNull
	tokenAnd
	tokenOr
	tokenNot
	tokenEq
	tokenNeq
	tokenGt
	tokenGte
	tokenLt
	tokenLte
	tokenContains
	tokenStartsWith
	tokenEndsWith
	tokenLParen
	tokenRParen
)

var tokenNames = map[tokenType]string{
	tokenIllegal:    "illegal",
	tokenEOF:        "eof",
	tokenIdentifier: "identifier",
	tokenNumber:     "number",
	tokenString:     "string",
	tokenBool:       "bool",
	tokenNull:       "null",
	tokenAnd:        "&&",
	tokenOr:         "||",
	tokenNot:        "!",
	tokenEq:         "==",
	tokenNeq:        "!=",
	tokenGt:         ">",
	tokenGte:        ">=",
	tokenLt:         "<",
	tokenLte:        "<=",
	tokenContains:   "contains",
	tokenStartsWith: "startsWith",
	tokenEndsWith:   "endsWith",
	tokenLParen:     "(",
	tokenRParen:     ")",
}

func (t tokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return "unknown"
}

// keywords are identifiers with operator or literal meaning.
var keywords = map[string]tokenType{
	"true":       tokenBool,
	"false":      tokenBool,
	"null":       tokenNull,
	"contains":   tokenContains,
	"startswith": tokenStartsWith,
	"endswith":   tokenEndsWith,
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) nextToken() token {
	l.skipWhitespace()
	if l.pos >= len(l.input) {
		return token{typ: tokenEOF}
	}

	ch := l.input[l.pos]
	two := ""
	if l.pos+1 < len(l.input) {
		two = l.input[l.pos : l.pos+2]
	}

	switch two {
	case "&&":
		l.pos += 2
		return token{typ: tokenAnd, literal: two}
	case "||":
		l.pos += 2
		return token{typ: tokenOr, literal: two}
	case "==":
		l.pos += 2
		return token{typ: tokenEq, literal: two}
	case "!=":
		l.pos += 2
		return token{typ: tokenNeq, literal: two}
	case ">=":
		l.pos += 2
		return token{typ: tokenGte, literal: two}
	case "<=":
		l.pos += 2
		return token{typ: tokenLte, literal: two}
	}

	switch ch {
	case '(':
		l.pos++
		return token{typ: tokenLParen, literal: "("}
	case ')':
		l.pos++
		return token{typ: tokenRParen, literal: ")"}
	case '!':
		l.pos++
		return token{typ: tokenNot, literal: "!"}
	case '>':
		l.pos++
		return token{typ: tokenGt, literal: ">"}
	case '<':
		l.pos++
		return token{typ: tokenLt, literal: "<"}
	case '\'', '"':
		return l.scanString()
	}

	if isDigit(ch) || (ch == '-' && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1])) {
		return l.scanNumber()
	}

	if isIdentifierStart(ch) {
		return l.scanIdentifier()
	}

	return token{typ: tokenIllegal, literal: string(ch)}
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) scanNumber() token {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	hasDot := false
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '.' && !hasDot {
			hasDot = true
			l.pos++
			continue
		}
		if !isDigit(ch) {
			break
		}
		l.pos++
	}
	return token{typ: tokenNumber, literal: l.input[start:l.pos]}
}

func (l *lexer) scanIdentifier() token {
	start := l.pos
	for l.pos < len(l.input) && isIdentifierPart(l.input[l.pos]) {
		l.pos++
	}
	literal := l.input[start:l.pos]
	if typ, ok := keywords[strings.ToLower(literal)]; ok {
		return token{typ: typ, literal: literal}
	}
	return token{typ: tokenIdentifier, literal: literal}
}

func (l *lexer) scanString() token {
	quote := l.input[l.pos]
	l.pos++
	var builder strings.Builder
	escaped := false

	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		l.pos++
		if escaped {
			switch ch {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			default:
				builder.WriteByte(ch)
			}
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == quote {
			return token{typ: tokenString, literal: builder.String()}
		}
		builder.WriteByte(ch)
	}

	return token{typ: tokenIllegal, literal: "unterminated string"}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentifierStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch) || ch == '.' || ch == '-'
}

// --- Parser ---

type parser struct {
	lex *lexer
	cur token
}

func newParser(lex *lexer) *parser {
	p := &parser{lex: lex}
	p.nextToken()
	return p
}

func (p *parser) nextToken() {
	p.cur = p.lex.nextToken()
}

func (p *parser) parseExpression() (node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenOr {
		p.nextToken()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{or: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenAnd {
		p.nextToken()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	switch p.cur.typ {
	case tokenEq, tokenNeq, tokenGt, tokenGte, tokenLt, tokenLte, tokenContains, tokenStartsWith, tokenEndsWith:
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &comparisonExpr{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.cur.typ == tokenNot {
		p.nextToken()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.cur
	switch tok.typ {
	case tokenIdentifier:
		p.nextToken()
		return &identifierExpr{name: tok.literal}, nil
	case tokenNumber:
		p.nextToken()
		value, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenString:
		p.nextToken()
		return &literalExpr{value: tok.literal}, nil
	case tokenBool:
		p.nextToken()
		return &literalExpr{value: strings.EqualFold(tok.literal, "true")}, nil
	case tokenNull:
		p.nextToken()
		return &literalExpr{value: nil}, nil
	case tokenLParen:
		p.nextToken()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.nextToken()
		return inner, nil
	case tokenIllegal:
		return nil, fmt.Errorf("%w: %s", ErrSyntax, tok.literal)
	default:
		return nil, fmt.Errorf("%w: unexpected %s", ErrSyntax, tok.typ)
	}
}

func (p *parser) expect(expected tokenType) error {
	if p.cur.typ == tokenIllegal {
		return fmt.Errorf("%w: %s", ErrSyntax, p.cur.literal)
	}
	if p.cur.typ != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrSyntax, expected, p.cur.typ)
	}
	return nil
}

// --- AST ---

type node interface {
	eval(lookup LookupFunc) (any, error)
}

type logicalExpr struct {
	or    bool
	left  node
	right node
}

type comparisonExpr struct {
	op    tokenType
	left  node
	right node
}

type notExpr struct {
	operand node
}

type identifierExpr struct {
	name string
}

type literalExpr struct {
	value any
}

func (n *logicalExpr) eval(lookup LookupFunc) (any, error) {
	left, err := evalBool(n.left, lookup)
	if err != nil {
		return nil, err
	}
	if left == n.or {
		return left, nil
	}
	return evalBool(n.right, lookup)
}

func (n *comparisonExpr) eval(lookup LookupFunc) (any, error) {
	left, err := n.left.eval(lookup)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return equals(left, right)
	case tokenNeq:
		eq, err := equals(left, right)
		return !eq, err
	case tokenContains, tokenStartsWith, tokenEndsWith:
		return stringOp(n.op, left, right)
	default:
		return compare(n.op, left, right)
	}
}

func (n *notExpr) eval(lookup LookupFunc) (any, error) {
	b, err := evalBool(n.operand, lookup)
	if err != nil {
		return nil, err
	}
	return !b, nil
}

func (n *identifierExpr) eval(lookup LookupFunc) (any, error) {
	if value, ok := lookup(n.name); ok {
		return value, nil
	}
	return nil, nil
}

func (n *literalExpr) eval(LookupFunc) (any, error) {
	return n.value, nil
}

// --- Helpers ---

func evalBool(n node, lookup LookupFunc) (bool, error) {
	value, err := n.eval(lookup)
	if err != nil {
		return false, err
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("%w: expected boolean, got %T", ErrTypeMismatch, value)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func equals(left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == nil && right == nil, nil
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}

	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l == r, nil
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r, nil
		}
	}

	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

func compare(op tokenType, left, right any) (bool, error) {
	if left == nil || right == nil {
		return false, nil
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case tokenGt:
				return lf > rf, nil
			case tokenGte:
				return lf >= rf, nil
			case tokenLt:
				return lf < rf, nil
			case tokenLte:
				return lf <= rf, nil
			}
		}
	}

	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if leftIsString && rightIsString {
		switch op {
		case tokenGt:
			return ls > rs, nil
		case tokenGte:
			return ls >= rs, nil
		case tokenLt:
			return ls < rs, nil
		case tokenLte:
			return ls <= rs, nil
		}
	}

	return false, fmt.Errorf("%w: cannot apply %s to %T and %T", ErrTypeMismatch, op, left, right)
}

func stringOp(op tokenType, left, right any) (bool, error) {
	if left == nil || right == nil {
		return false, nil
	}
	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if !leftIsString || !rightIsString {
		return false, fmt.Errorf("%w: %s expects strings, got %T and %T", ErrTypeMismatch, op, left, right)
	}
	switch op {
	case tokenContains:
		return strings.Contains(ls, rs), nil
	case tokenStartsWith:
		return strings.HasPrefix(ls, rs), nil
	default:
		return strings.HasSuffix(ls, rs), nil
	}
}
