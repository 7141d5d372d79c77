package query

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"github.com/Serhiy91/quasar/internal/fspath"
)

// Run executes the query: the FROM target is resolved against base,
// read through src, then filtered, ordered, windowed and projected.
// Ordering drains the matching records into memory before the first
// row is returned.
func (q *Query) Run(ctx context.Context, src Source, base fspath.Dir, vars Vars) (Cursor, error) {
	target, err := q.ResolveFrom(base)
	if err != nil {
		return nil, err
	}
	var pred evalFn
	if q.where != nil {
		b := binder{vars: vars}
		pred, err = b.bind(q.where)
		if err != nil {
			return nil, err
		}
	}
	cur, err := src.ReadFile(ctx, target)
	if err != nil {
		return nil, err
	}
	if pred != nil {
		cur = &filterCursor{src: cur, pred: pred}
	}
	if len(q.order) > 0 {
		cur = &orderCursor{src: cur, keys: q.order}
	}
	if q.offset > 0 {
		cur = &offsetCursor{src: cur, skip: q.offset}
	}
	if q.limit >= 0 {
		cur = &limitCursor{src: cur, remain: q.limit}
	}
	if q.fields != nil {
		cur = &projectCursor{src: cur, fields: q.fields}
	}
	return cur, nil
}

// evalFn evaluates one expression against a record. Evaluation never
// fails; type mismatches simply compare false, matching the permissive
// treatment of heterogeneous records.
type evalFn func(rec Record) any

type binder struct {
	vars Vars
}

func (b *binder) bind(e expr) (evalFn, error) {
	switch t := e.(type) {
	case literal:
		v := t.val
		return func(Record) any { return v }, nil

	case varRef:
		raw, ok := b.vars[t.name]
		if !ok {
			return nil, fmt.Errorf("%w: unbound variable :%s", ErrInvalidQuery, t.name)
		}
		v := coerceVar(raw)
		return func(Record) any { return v }, nil

	case fieldRef:
		path := t.path
		return func(rec Record) any { return getField(rec, path) }, nil

	case notExpr:
		inner, err := b.bind(t.inner)
		if err != nil {
			return nil, err
		}
		return func(rec Record) any { return !truthy(inner(rec)) }, nil

	case binaryExpr:
		left, err := b.bind(t.left)
		if err != nil {
			return nil, err
		}
		right, err := b.bind(t.right)
		if err != nil {
			return nil, err
		}
		if t.op == "and" {
			return func(rec Record) any { return truthy(left(rec)) && truthy(right(rec)) }, nil
		}
		return func(rec Record) any { return truthy(left(rec)) || truthy(right(rec)) }, nil

	case cmpExpr:
		left, err := b.bind(t.left)
		if err != nil {
			return nil, err
		}
		right, err := b.bind(t.right)
		if err != nil {
			return nil, err
		}
		op := t.op
		return func(rec Record) any {
			lv, rv := left(rec), right(rec)
			switch op {
			case "=":
				return equalValues(lv, rv)
			case "!=":
				return !equalValues(lv, rv)
			}
			c, ok := compareValues(lv, rv)
			if !ok {
				return false
			}
			switch op {
			case "<":
				return c < 0
			case "<=":
				return c <= 0
			case ">":
				return c > 0
			case ">=":
				return c >= 0
			}
			return false
		}, nil

	case likeExpr:
		left, err := b.bind(t.left)
		if err != nil {
			return nil, err
		}
		pat, err := b.likePattern(t.pattern)
		if err != nil {
			return nil, err
		}
		re, err := likeRegexp(pat)
		if err != nil {
			return nil, fmt.Errorf("%w: bad LIKE pattern %q: %v", ErrInvalidQuery, pat, err)
		}
		negate := t.negate
		return func(rec Record) any {
			s, ok := left(rec).(string)
			if !ok {
				return false
			}
			return re.MatchString(s) != negate
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported expression %T", ErrInvalidQuery, e)
	}
}

// likePattern extracts the pattern string; LIKE accepts only string
// literals and string-valued variables on the right.
func (b *binder) likePattern(e expr) (string, error) {
	switch t := e.(type) {
	case literal:
		s, ok := t.val.(string)
		if !ok {
			return "", fmt.Errorf("%w: LIKE pattern must be a string", ErrInvalidQuery)
		}
		return s, nil
	case varRef:
		raw, ok := b.vars[t.name]
		if !ok {
			return "", fmt.Errorf("%w: unbound variable :%s", ErrInvalidQuery, t.name)
		}
		return raw, nil
	default:
		return "", fmt.Errorf("%w: LIKE pattern must be a string literal or variable", ErrInvalidQuery)
	}
}

// likeRegexp translates a SQL LIKE pattern into an anchored regular
// expression: % matches any run, _ matches one character.
func likeRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// coerceVar types a variable binding: numbers and booleans become
// typed values, everything else stays a string.
func coerceVar(raw string) any {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return raw
}

func getField(rec Record, path []string) any {
	var cur any = map[string]any(rec)
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			if r, ok2 := cur.(Record); ok2 {
				m = map[string]any(r)
			} else {
				return nil
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toNumber(a); aok {
		bf, bok := toNumber(b)
		return bok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// compareValues orders two values when they are mutually comparable:
// numbers with numbers, strings with strings, bools with bools
// (false < true). Nil orders before everything except nil.
func compareValues(a, b any) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	default:
		return 0, false
	}
}

type filterCursor struct {
	src  Cursor
	pred evalFn
}

func (c *filterCursor) Next(ctx context.Context) (Record, error) {
	for {
		rec, err := c.src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if truthy(c.pred(rec)) {
			return rec, nil
		}
	}
}

func (c *filterCursor) Close() error { return c.src.Close() }

// orderCursor drains its input on the first Next and replays it
// sorted. Incomparable pairs keep their input order.
type orderCursor struct {
	src     Cursor
	keys    []orderKey
	recs    []Record
	pos     int
	drained bool
}

func (c *orderCursor) Next(ctx context.Context) (Record, error) {
	if !c.drained {
		recs, err := Collect(ctx, c.src)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(recs, func(i, j int) bool {
			for _, k := range c.keys {
				cv, ok := compareValues(getField(recs[i], k.path), getField(recs[j], k.path))
				if !ok || cv == 0 {
					continue
				}
				if k.desc {
					return cv > 0
				}
				return cv < 0
			}
			return false
		})
		c.recs = recs
		c.drained = true
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.recs) {
		return nil, io.EOF
	}
	rec := c.recs[c.pos]
	c.pos++
	return rec, nil
}

func (c *orderCursor) Close() error {
	c.pos = len(c.recs)
	if c.drained {
		return nil
	}
	c.drained = true
	return c.src.Close()
}

type offsetCursor struct {
	src  Cursor
	skip int
}

func (c *offsetCursor) Next(ctx context.Context) (Record, error) {
	for c.skip > 0 {
		if _, err := c.src.Next(ctx); err != nil {
			return nil, err
		}
		c.skip--
	}
	return c.src.Next(ctx)
}

func (c *offsetCursor) Close() error { return c.src.Close() }

type limitCursor struct {
	src    Cursor
	remain int
}

func (c *limitCursor) Next(ctx context.Context) (Record, error) {
	if c.remain <= 0 {
		return nil, io.EOF
	}
	rec, err := c.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	c.remain--
	return rec, nil
}

func (c *limitCursor) Close() error { return c.src.Close() }

type projectCursor struct {
	src    Cursor
	fields []selectField
}

func (c *projectCursor) Next(ctx context.Context) (Record, error) {
	rec, err := c.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	out := make(Record, len(c.fields))
	for _, f := range c.fields {
		out[f.alias] = getField(rec, f.path)
	}
	return out, nil
}

func (c *projectCursor) Close() error { return c.src.Close() }
