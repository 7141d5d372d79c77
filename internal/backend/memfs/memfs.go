// Package memfs provides a volatile in-memory backend. It backs
// scratch mounts and most of the test suite; nothing survives a
// process restart.
package memfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// Kind is the registry name of this backend.
const Kind = "mem"

func init() {
	backend.Register(Kind, Open)
}

// Open connects a fresh in-memory backend. No params are used.
func Open(ctx context.Context, params backend.Params) (backend.Capability, error) {
	return New(), nil
}

// FS is an in-memory record store. Directories are implicit: a
// directory exists when a file lives beneath it.
type FS struct {
	mu    sync.RWMutex
	files map[string][]query.Record // keyed by backend-rooted file path
}

func New() *FS {
	return &FS{files: make(map[string][]query.Record)}
}

// Seed replaces the records of a file without write validation.
// Intended for test fixtures.
func (m *FS) Seed(path string, recs []query.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[fspath.MustFile(path).String()] = recs
}

func (m *FS) Read(ctx context.Context, f fspath.File) (query.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, ok := m.files[f.String()]
	if !ok {
		return nil, fmt.Errorf("%s: %w", f, fs.ErrNotExist)
	}
	out := make([]query.Record, len(recs))
	copy(out, recs)
	return query.NewSliceCursor(out), nil
}

// storable filters records down to the ones that marshal as JSON,
// reporting the rest in res.
func storable(recs []query.Record, res *backend.WriteResult) []query.Record {
	out := make([]query.Record, 0, len(recs))
	for i, rec := range recs {
		if _, err := json.Marshal(rec); err != nil {
			res.Fail(i, err)
			continue
		}
		out = append(out, rec)
	}
	res.Stored = len(out)
	return out
}

func (m *FS) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	good := storable(recs, &res)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.String()] = good
	return res, nil
}

func (m *FS) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	good := storable(recs, &res)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.String()] = append(m.files[f.String()], good...)
	return res, nil
}

func (m *FS) Delete(ctx context.Context, p fspath.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch t := p.(type) {
	case fspath.File:
		if _, ok := m.files[t.String()]; !ok {
			return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		delete(m.files, t.String())
		return nil
	case fspath.Dir:
		prefix := t.String()
		found := false
		for k := range m.files {
			if strings.HasPrefix(k, prefix) {
				delete(m.files, k)
				found = true
			}
		}
		if !found && !t.IsRoot() {
			return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		return nil
	default:
		return fmt.Errorf("unknown path type %T", p)
	}
}

func (m *FS) List(ctx context.Context, d fspath.Dir) ([]backend.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := d.String()
	seen := make(map[string]bool)
	var entries []backend.Entry
	exists := d.IsRoot()
	for k := range m.files {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		exists = true
		rest := strings.TrimPrefix(k, prefix)
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name := rest[:idx]
			if !seen[name] {
				seen[name] = true
				entries = append(entries, backend.Entry{Name: name, IsDir: true})
			}
		} else if !seen[rest] {
			seen[rest] = true
			entries = append(entries, backend.Entry{Name: rest})
		}
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", d, fs.ErrNotExist)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *FS) Move(ctx context.Context, src, dst fspath.Path) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch s := src.(type) {
	case fspath.File:
		d, ok := dst.(fspath.File)
		if !ok {
			return fmt.Errorf("cannot move file %s onto directory %s", src, dst)
		}
		recs, ok := m.files[s.String()]
		if !ok {
			return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
		}
		delete(m.files, s.String())
		m.files[d.String()] = recs
		return nil
	case fspath.Dir:
		d, ok := dst.(fspath.Dir)
		if !ok {
			return fmt.Errorf("cannot move directory %s onto file %s", src, dst)
		}
		if s.Contains(d) {
			return fmt.Errorf("cannot move %s under itself", src)
		}
		srcPrefix, dstPrefix := s.String(), d.String()
		moved := false
		for k, recs := range m.files {
			if !strings.HasPrefix(k, srcPrefix) {
				continue
			}
			delete(m.files, k)
			m.files[dstPrefix+strings.TrimPrefix(k, srcPrefix)] = recs
			moved = true
		}
		if !moved {
			return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
		}
		return nil
	default:
		return fmt.Errorf("unknown path type %T", src)
	}
}

func (m *FS) Query(ctx context.Context, text string, vars query.Vars) (query.Cursor, error) {
	return backend.QueryViaRead(ctx, query.SourceFunc(m.Read), text, vars)
}

func (m *FS) Close() error { return nil }
