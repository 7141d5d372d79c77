package mount

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// Entry is one row of the mount table: a namespace path and what is
// attached there. Backend entries carry a live connection; view
// entries carry the compiled query.
type Entry struct {
	Path   fspath.Path
	Config Config

	view *viewMount
	live *liveBackend
}

type viewMount struct {
	query    *query.Query
	defaults query.Vars
}

// Kind returns the display kind: "view" or the backend kind.
func (e *Entry) Kind() string { return e.Config.Kind() }

// Table is an immutable set of mount entries. Mutation returns a new
// table, so a published table can be read without locks.
type Table struct {
	entries []*Entry // sorted by path string
}

func NewTable() *Table { return &Table{} }

func (t *Table) Len() int { return len(t.entries) }

// Entries returns the entries in path order. The slice is a copy.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// spelled normalizes a path for conflict detection: a view file and a
// backend directory may not share the same spelling.
func spelled(p fspath.Path) string {
	return strings.TrimSuffix(p.String(), "/")
}

// Lookup finds the entry mounted exactly at p.
func (t *Table) Lookup(p fspath.Path) (*Entry, bool) {
	for _, e := range t.entries {
		if fspath.Equal(e.Path, p) {
			return e, true
		}
	}
	return nil, false
}

// DeepestEnclosing resolves p to the mount responsible for it: the
// longest-path entry that covers p. A backend covers its directory and
// everything below; a view covers only its own file path, so a view
// over a backend file shadows it.
func (t *Table) DeepestEnclosing(p fspath.Path) (*Entry, bool) {
	var best *Entry
	for _, e := range t.entries {
		switch mp := e.Path.(type) {
		case fspath.Dir:
			if !mp.Contains(p) {
				continue
			}
		case fspath.File:
			if !fspath.Equal(mp, p) {
				continue
			}
		}
		if best == nil || len(e.Path.String()) > len(best.Path.String()) {
			best = e
		}
	}
	return best, best != nil
}

// MountsUnder returns entries strictly below d, in path order.
func (t *Table) MountsUnder(d fspath.Dir) []*Entry {
	var out []*Entry
	for _, e := range t.entries {
		if d.ContainsStrictly(e.Path) {
			out = append(out, e)
		}
	}
	return out
}

// With returns a table extended by e. Mounting over an occupied
// spelling fails with ErrMountExists.
func (t *Table) With(e *Entry) (*Table, error) {
	for _, ex := range t.entries {
		if spelled(ex.Path) == spelled(e.Path) {
			return nil, fmt.Errorf("%s: %w", e.Path, ErrMountExists)
		}
	}
	entries := make([]*Entry, 0, len(t.entries)+1)
	entries = append(entries, t.entries...)
	entries = append(entries, e)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return &Table{entries: entries}, nil
}

// Without returns a table with the entry at p removed, and the removed
// entry.
func (t *Table) Without(p fspath.Path) (*Table, *Entry, error) {
	idx := -1
	for i, e := range t.entries {
		if fspath.Equal(e.Path, p) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, fmt.Errorf("%s: %w", p, ErrMountNotFound)
	}
	removed := t.entries[idx]
	entries := make([]*Entry, 0, len(t.entries)-1)
	entries = append(entries, t.entries[:idx]...)
	entries = append(entries, t.entries[idx+1:]...)
	return &Table{entries: entries}, removed, nil
}
