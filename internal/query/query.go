// Package query implements the record model and the SQL subset used to
// read collections anywhere in the federated namespace. A compiled
// Query is immutable and can be executed many times against different
// sources with different variable bindings.
//
// The dialect is deliberately small:
//
//	SELECT * | field[, field...]
//	FROM path
//	[WHERE predicate]
//	[ORDER BY field [ASC|DESC][, ...]]
//	[LIMIT n] [OFFSET n]
//
// Predicates support =, !=, <, <=, >, >=, LIKE, NOT, AND, OR,
// parentheses, string and numeric literals, TRUE/FALSE/NULL, nested
// field access (a.b.c) and named variables (:name) bound at run time.
// The FROM path is either absolute ("/data/zips.json", quoting
// optional) or relative to the base directory the query runs in.
package query

import (
	"context"
	"errors"
	"io"

	"github.com/Serhiy91/quasar/internal/fspath"
)

// ErrInvalidQuery wraps every compile and bind failure so callers can
// classify them without string matching.
var ErrInvalidQuery = errors.New("invalid query")

// Record is one unit of data: a JSON-shaped document. Values follow
// encoding/json conventions (string, float64, bool, nil, []any,
// map[string]any), though integer values from in-process sources are
// tolerated by the evaluator.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Vars are named string bindings substituted into a query at run time.
// Typing is decided at substitution: values that parse as numbers or
// booleans compare numerically or logically, everything else compares
// as a string.
type Vars map[string]string

// MergeVars overlays over onto base without mutating either. Keys in
// over win.
func MergeVars(base, over Vars) Vars {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(Vars, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Cursor streams records. Next returns io.EOF after the final record.
// Close releases underlying resources and is safe to call more than
// once; a cursor must tolerate Close concurrent with a blocked Next.
type Cursor interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Source resolves a file path to a cursor over its records. The
// evaluator of the composed namespace is a Source, and so is every
// backend within its own namespace.
type Source interface {
	ReadFile(ctx context.Context, f fspath.File) (Cursor, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, f fspath.File) (Cursor, error)

func (fn SourceFunc) ReadFile(ctx context.Context, f fspath.File) (Cursor, error) {
	return fn(ctx, f)
}

type sliceCursor struct {
	recs []Record
	pos  int
}

// NewSliceCursor returns a cursor over an in-memory record slice. The
// slice is not copied; callers hand over ownership.
func NewSliceCursor(recs []Record) Cursor {
	return &sliceCursor{recs: recs}
}

func (c *sliceCursor) Next(ctx context.Context) (Record, error) {
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

func (c *sliceCursor) Close() error {
	c.pos = len(c.recs)
	return nil
}

// Collect drains cur to completion, closes it, and returns all
// records. Close runs even when Next fails.
func Collect(ctx context.Context, cur Cursor) ([]Record, error) {
	defer cur.Close()
	var out []Record
	for {
		rec, err := cur.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
