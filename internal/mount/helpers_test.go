package mount

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/backend/memfs"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// countingCapability wraps a capability and counts Close calls.
type countingCapability struct {
	backend.Capability
	closes *atomic.Int32
}

func (c *countingCapability) Close() error {
	c.closes.Add(1)
	return c.Capability.Close()
}

type testEnv struct {
	mgr    *Manager
	closes *atomic.Int32
	opens  *atomic.Int32
}

// newTestEnv builds a manager whose registry serves "mem" backends
// (with open/close counters) and a "broken" kind that always fails to
// connect.
func newTestEnv(t *testing.T, store Store) *testEnv {
	t.Helper()
	env := &testEnv{closes: new(atomic.Int32), opens: new(atomic.Int32)}
	reg := backend.NewRegistry()
	reg.Register("mem", func(ctx context.Context, params backend.Params) (backend.Capability, error) {
		env.opens.Add(1)
		return &countingCapability{Capability: memfs.New(), closes: env.closes}, nil
	})
	reg.Register("broken", func(ctx context.Context, params backend.Params) (backend.Capability, error) {
		return nil, errors.New("connection refused")
	})
	env.mgr = NewManager(reg, store, nil)
	t.Cleanup(func() { env.mgr.Close(context.Background()) })
	return env
}

func memConfig() Config {
	return Config{Backend: &BackendConfig{Kind: "mem"}}
}

func viewConfig(q string, vars query.Vars) Config {
	return Config{View: &ViewConfig{Query: q, DefaultVars: vars}}
}

func mustMount(t *testing.T, mgr *Manager, path string, cfg Config) {
	t.Helper()
	p, err := fspath.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Mount(context.Background(), p, cfg); err != nil {
		t.Fatalf("mount %s: %v", path, err)
	}
}

func mustWrite(t *testing.T, mgr *Manager, path string, recs []query.Record) {
	t.Helper()
	res, err := mgr.Eval().Write(context.Background(), fspath.MustFile(path), recs)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if failed := len(res.Failed); failed != 0 {
		t.Fatalf("write %s: %d records failed", path, failed)
	}
}

func readAll(t *testing.T, mgr *Manager, path string, vars query.Vars) []query.Record {
	t.Helper()
	cur, err := mgr.Eval().Read(context.Background(), fspath.MustFile(path), vars)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	recs, err := query.Collect(context.Background(), cur)
	if err != nil {
		t.Fatalf("collect %s: %v", path, err)
	}
	return recs
}

func zipsFixture() []query.Record {
	return []query.Record{
		{"city": "AGAWAM", "state": "MA", "pop": float64(15338)},
		{"city": "CHICOPEE", "state": "MA", "pop": float64(31495)},
		{"city": "SPRINGFIELD", "state": "MA", "pop": float64(152082)},
		{"city": "BARRE", "state": "VT", "pop": float64(9291)},
	}
}

func entryNames(entries []DirEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func findEntry(entries []DirEntry, name string) (DirEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return DirEntry{}, false
}

// fakeStore records Save/Delete calls and serves canned rows to Load.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]Config
	saveErr error
	delErr  error
	saves   int
	deletes int
	closed  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]Config)}
}

func (s *fakeStore) Load() ([]StoredMount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StoredMount
	for k, cfg := range s.rows {
		p, err := fspath.Parse(k)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredMount{Path: p, Config: cfg})
	}
	return out, nil
}

func (s *fakeStore) Save(p fspath.Path, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.rows[p.String()] = cfg
	return nil
}

func (s *fakeStore) Delete(p fspath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	s.deletes++
	delete(s.rows, p.String())
	return nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
