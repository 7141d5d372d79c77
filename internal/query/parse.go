package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Serhiy91/quasar/internal/fspath"
)

// Query is a compiled statement. It carries no bindings: Run binds
// variables and a source at execution time, so one compiled query can
// back many executions.
type Query struct {
	raw      string
	fields   []selectField // nil means SELECT *
	fromRaw  string        // path text as written
	fromSpan span          // byte span of the FROM target in raw
	where    expr
	order    []orderKey
	limit    int // -1 when absent
	offset   int
}

type span struct{ start, end int }

type selectField struct {
	path  []string
	alias string
}

type orderKey struct {
	path []string
	desc bool
}

type expr interface{ isExpr() }

type binaryExpr struct {
	op    string // "and" or "or"
	left  expr
	right expr
}

type notExpr struct{ inner expr }

type cmpExpr struct {
	op    string // = != < <= > >=
	left  expr
	right expr
}

type likeExpr struct {
	negate  bool
	left    expr
	pattern expr
}

type fieldRef struct{ path []string }

type literal struct{ val any }

type varRef struct {
	name string
	pos  int
}

func (binaryExpr) isExpr() {}
func (notExpr) isExpr()    {}
func (cmpExpr) isExpr()    {}
func (likeExpr) isExpr()   {}
func (fieldRef) isExpr()   {}
func (literal) isExpr()    {}
func (varRef) isExpr()     {}

// Compile parses text into an executable query. Variables stay
// unbound; FROM stays unresolved until Run.
func Compile(text string) (*Query, error) {
	p := &parser{lex: newLexer(text)}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	q.raw = text
	return q, nil
}

// Raw returns the statement text the query was compiled from.
func (q *Query) Raw() string { return q.raw }

// FromPath returns the FROM target exactly as written.
func (q *Query) FromPath() string { return q.fromRaw }

// ResolveFrom resolves the FROM target against base. Absolute targets
// ignore base; relative ones are joined onto it.
func (q *Query) ResolveFrom(base fspath.Dir) (fspath.File, error) {
	if strings.HasPrefix(q.fromRaw, "/") {
		return fspath.ParseFile(q.fromRaw)
	}
	if base.IsZero() {
		return fspath.File{}, fmt.Errorf("%w: relative FROM path %q without a base directory", ErrInvalidQuery, q.fromRaw)
	}
	return fspath.ParseFile(base.String() + q.fromRaw)
}

// Rewrite returns the statement text with the FROM target replaced by
// f, quoted. Used when handing a query across a namespace boundary
// where paths are rooted differently.
func (q *Query) Rewrite(f fspath.File) string {
	return q.raw[:q.fromSpan.start] + `"` + f.String() + `"` + q.raw[q.fromSpan.end:]
}

type parser struct {
	lex *lexer
}

func (p *parser) errf(pos int, format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrInvalidQuery, fmt.Sprintf(format, args...), pos)
}

func (p *parser) expectKeyword(kw string) error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	if tok.kind != tokIdent || !strings.EqualFold(tok.text, kw) {
		return p.errf(tok.pos, "expected %s, got %q", strings.ToUpper(kw), tok.text)
	}
	return nil
}

func (p *parser) peekKeyword(kw string) bool {
	tok, err := p.lex.peek()
	if err != nil {
		return false
	}
	return tok.kind == tokIdent && strings.EqualFold(tok.text, kw)
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.peekKeyword(kw) {
		p.lex.next()
		return true
	}
	return false
}

func (p *parser) acceptPunct(s string) bool {
	tok, err := p.lex.peek()
	if err != nil || tok.kind != tokPunct || tok.text != s {
		return false
	}
	p.lex.next()
	return true
}

func (p *parser) expectPunct(s string) error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	if tok.kind != tokPunct || tok.text != s {
		return p.errf(tok.pos, "expected %q, got %q", s, tok.text)
	}
	return nil
}

var reservedWords = map[string]bool{
	"select": true, "from": true, "where": true, "and": true, "or": true,
	"not": true, "like": true, "order": true, "by": true, "asc": true,
	"desc": true, "limit": true, "offset": true, "true": true,
	"false": true, "null": true, "as": true,
}

func (p *parser) parseQuery() (*Query, error) {
	q := &Query{limit: -1}

	if err := p.expectKeyword("select"); err != nil {
		return nil, err
	}
	if err := p.parseSelectList(q); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("from"); err != nil {
		return nil, err
	}
	pathTok, err := p.lex.scanPath()
	if err != nil {
		return nil, err
	}
	if pathTok.text == "" {
		return nil, p.errf(pathTok.pos, "empty FROM path")
	}
	q.fromRaw = pathTok.text
	q.fromSpan = span{start: pathTok.pos, end: pathTok.end}

	if p.acceptKeyword("where") {
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		q.where = e
	}
	if p.acceptKeyword("order") {
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		for {
			path, err := p.parseFieldPath()
			if err != nil {
				return nil, err
			}
			key := orderKey{path: path}
			if p.acceptKeyword("desc") {
				key.desc = true
			} else {
				p.acceptKeyword("asc")
			}
			q.order = append(q.order, key)
			if !p.acceptPunct(",") {
				break
			}
		}
	}
	if p.acceptKeyword("limit") {
		n, err := p.parseNonNegativeInt("LIMIT")
		if err != nil {
			return nil, err
		}
		q.limit = n
	}
	if p.acceptKeyword("offset") {
		n, err := p.parseNonNegativeInt("OFFSET")
		if err != nil {
			return nil, err
		}
		q.offset = n
	}

	tok, err := p.lex.next()
	if err != nil {
		return nil, err
	}
	if tok.kind != tokEOF {
		return nil, p.errf(tok.pos, "unexpected trailing input %q", tok.text)
	}
	return q, nil
}

func (p *parser) parseNonNegativeInt(clause string) (int, error) {
	tok, err := p.lex.next()
	if err != nil {
		return 0, err
	}
	if tok.kind != tokNumber {
		return 0, p.errf(tok.pos, "expected number after %s", clause)
	}
	n, err := strconv.Atoi(tok.text)
	if err != nil || n < 0 {
		return 0, p.errf(tok.pos, "%s wants a non-negative integer, got %q", clause, tok.text)
	}
	return n, nil
}

func (p *parser) parseSelectList(q *Query) error {
	if p.acceptPunct("*") {
		return nil
	}
	for {
		path, err := p.parseFieldPath()
		if err != nil {
			return err
		}
		f := selectField{path: path, alias: path[len(path)-1]}
		if p.acceptKeyword("as") {
			tok, err := p.lex.next()
			if err != nil {
				return err
			}
			if tok.kind != tokIdent || reservedWords[strings.ToLower(tok.text)] {
				return p.errf(tok.pos, "expected alias after AS")
			}
			f.alias = tok.text
		}
		q.fields = append(q.fields, f)
		if !p.acceptPunct(",") {
			return nil
		}
	}
}

func (p *parser) parseFieldPath() ([]string, error) {
	tok, err := p.lex.next()
	if err != nil {
		return nil, err
	}
	if tok.kind != tokIdent || reservedWords[strings.ToLower(tok.text)] {
		return nil, p.errf(tok.pos, "expected field name, got %q", tok.text)
	}
	path := []string{tok.text}
	for p.acceptPunct(".") {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}
		if tok.kind != tokIdent {
			return nil, p.errf(tok.pos, "expected field name after '.'")
		}
		path = append(path, tok.text)
	}
	return path, nil
}

func (p *parser) parseOr() (expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (expr, error) {
	if p.acceptKeyword("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	tok, err := p.lex.peek()
	if err != nil {
		return nil, err
	}
	if tok.kind == tokPunct {
		switch tok.text {
		case "=", "!=", "<>", "<", "<=", ">", ">=":
			p.lex.next()
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			op := tok.text
			if op == "<>" {
				op = "!="
			}
			return cmpExpr{op: op, left: left, right: right}, nil
		}
	}
	if p.peekKeyword("like") {
		p.lex.next()
		pattern, err := p.parseLikePattern()
		if err != nil {
			return nil, err
		}
		return likeExpr{left: left, pattern: pattern}, nil
	}
	if p.peekKeyword("not") {
		// lookahead for NOT LIKE; bare NOT cannot follow an operand
		p.lex.next()
		if err := p.expectKeyword("like"); err != nil {
			return nil, err
		}
		pattern, err := p.parseLikePattern()
		if err != nil {
			return nil, err
		}
		return likeExpr{negate: true, left: left, pattern: pattern}, nil
	}
	return left, nil
}

// parseLikePattern restricts the right side of LIKE to string literals
// and variables so bad patterns surface at compile time.
func (p *parser) parseLikePattern() (expr, error) {
	tok, err := p.lex.peek()
	if err != nil {
		return nil, err
	}
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch t := e.(type) {
	case varRef:
		return t, nil
	case literal:
		if _, ok := t.val.(string); ok {
			return t, nil
		}
	}
	return nil, p.errf(tok.pos, "LIKE pattern must be a string literal or variable")
}

func (p *parser) parsePrimary() (expr, error) {
	tok, err := p.lex.next()
	if err != nil {
		return nil, err
	}
	switch tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errf(tok.pos, "bad number %q", tok.text)
		}
		return literal{val: f}, nil
	case tokString:
		return literal{val: tok.text}, nil
	case tokVar:
		return varRef{name: tok.text, pos: tok.pos}, nil
	case tokPunct:
		if tok.text == "(" {
			e, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
		return nil, p.errf(tok.pos, "unexpected %q", tok.text)
	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			return literal{val: true}, nil
		case "false":
			return literal{val: false}, nil
		case "null":
			return literal{val: nil}, nil
		}
		if reservedWords[strings.ToLower(tok.text)] {
			return nil, p.errf(tok.pos, "unexpected keyword %q", tok.text)
		}
		path := []string{tok.text}
		for p.acceptPunct(".") {
			next, err := p.lex.next()
			if err != nil {
				return nil, err
			}
			if next.kind != tokIdent {
				return nil, p.errf(next.pos, "expected field name after '.'")
			}
			path = append(path, next.text)
		}
		return fieldRef{path: path}, nil
	default:
		return nil, p.errf(tok.pos, "unexpected end of query")
	}
}
