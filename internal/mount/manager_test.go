package mount

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/handle"
	"github.com/Serhiy91/quasar/internal/query"
)

func TestMountValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	// views attach to files, backends to directories
	err := env.mgr.Mount(ctx, fspath.MustDir("/views/"), viewConfig("select * from x", nil))
	if err == nil {
		t.Error("view on a directory path should fail")
	}
	err = env.mgr.Mount(ctx, fspath.MustFile("/data"), memConfig())
	if err == nil {
		t.Error("backend on a file path should fail")
	}
	err = env.mgr.Mount(ctx, fspath.MustDir("/x/"), Config{})
	if err == nil {
		t.Error("empty config should fail")
	}
	err = env.mgr.Mount(ctx, fspath.MustFile("/v.json"), viewConfig("not a query", nil))
	if !errors.Is(err, query.ErrInvalidQuery) {
		t.Errorf("unparsable view query: %v", err)
	}
}

func TestMountUnknownKind(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.mgr.Mount(context.Background(), fspath.MustDir("/x/"),
		Config{Backend: &BackendConfig{Kind: "martian"}})
	if !errors.Is(err, backend.ErrUnknownKind) {
		t.Errorf("unknown kind: %v", err)
	}
	if env.mgr.Snapshot().Table.Len() != 0 {
		t.Error("failed mount must not change the table")
	}
}

func TestMountConnectFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	before := env.mgr.Snapshot()
	err := env.mgr.Mount(context.Background(), fspath.MustDir("/x/"),
		Config{Backend: &BackendConfig{Kind: "broken"}})
	if !errors.Is(err, ErrBackendConnect) {
		t.Errorf("connect failure: %v", err)
	}
	after := env.mgr.Snapshot()
	if after.Version != before.Version || after.Table.Len() != 0 {
		t.Error("failed connect must leave the namespace untouched")
	}
}

func TestMountExists(t *testing.T) {
	env := newTestEnv(t, nil)
	mustMount(t, env.mgr, "/data/", memConfig())
	err := env.mgr.Mount(context.Background(), fspath.MustDir("/data/"), memConfig())
	if !errors.Is(err, ErrMountExists) {
		t.Errorf("double mount: %v", err)
	}
	// the exact-duplicate check runs before the backend opens
	if got := env.opens.Load(); got != 1 {
		t.Errorf("opens = %d, want 1", got)
	}
}

func TestMountSpellingConflictReleasesBackend(t *testing.T) {
	env := newTestEnv(t, nil)
	mustMount(t, env.mgr, "/x", viewConfig(`select * from "/data/y.json"`, nil))

	// same spelling as the view file; the conflict surfaces only
	// after the backend opened, so it must be released again
	err := env.mgr.Mount(context.Background(), fspath.MustDir("/x/"), memConfig())
	if !errors.Is(err, ErrMountExists) {
		t.Errorf("spelling conflict: %v", err)
	}
	if env.opens.Load() != 1 || env.closes.Load() != 1 {
		t.Errorf("opens=%d closes=%d, want 1/1", env.opens.Load(), env.closes.Load())
	}
}

func TestUnmountReleasesBackend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	mustMount(t, env.mgr, "/data/", memConfig())
	if env.opens.Load() != 1 {
		t.Fatalf("opens = %d", env.opens.Load())
	}
	warn, err := env.mgr.Unmount(ctx, fspath.MustDir("/data/"))
	if err != nil || warn != nil {
		t.Fatalf("unmount: warn=%v err=%v", warn, err)
	}
	if env.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", env.closes.Load())
	}
	_, err = env.mgr.Unmount(ctx, fspath.MustDir("/data/"))
	if !errors.Is(err, ErrMountNotFound) {
		t.Errorf("double unmount: %v", err)
	}
}

func TestUnmountReleaseFailureIsWarning(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register("grumpy", func(ctx context.Context, params backend.Params) (backend.Capability, error) {
		return &closeFailCapability{}, nil
	})
	mgr := NewManager(reg, nil, nil)
	t.Cleanup(func() { mgr.Close(context.Background()) })

	ctx := context.Background()
	if err := mgr.Mount(ctx, fspath.MustDir("/g/"), Config{Backend: &BackendConfig{Kind: "grumpy"}}); err != nil {
		t.Fatal(err)
	}
	warn, err := mgr.Unmount(ctx, fspath.MustDir("/g/"))
	if err != nil {
		t.Fatalf("unmount should succeed, got %v", err)
	}
	if warn == nil {
		t.Error("release failure should surface as a warning")
	}
	if mgr.Snapshot().Table.Len() != 0 {
		t.Error("entry should be gone despite the release failure")
	}
}

func TestVersionAdvances(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	v0 := env.mgr.Snapshot().Version
	mustMount(t, env.mgr, "/a/", memConfig())
	v1 := env.mgr.Snapshot().Version
	mustMount(t, env.mgr, "/b/", memConfig())
	v2 := env.mgr.Snapshot().Version
	env.mgr.Unmount(ctx, fspath.MustDir("/a/"))
	v3 := env.mgr.Snapshot().Version
	if !(v0 < v1 && v1 < v2 && v2 < v3) {
		t.Errorf("versions = %d %d %d %d", v0, v1, v2, v3)
	}
}

func TestPersistenceWriteThrough(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	env := newTestEnv(t, store)

	mustMount(t, env.mgr, "/data/", memConfig())
	mustMount(t, env.mgr, "/views/v.json", viewConfig(`select * from "/data/x.json"`, nil))
	if store.saves != 2 {
		t.Errorf("saves = %d", store.saves)
	}
	env.mgr.Unmount(ctx, fspath.MustDir("/data/"))
	if store.deletes != 1 {
		t.Errorf("deletes = %d", store.deletes)
	}
	if _, ok := store.rows["/views/v.json"]; !ok {
		t.Error("view row missing from store")
	}
}

func TestPersistenceFailureAbortsMount(t *testing.T) {
	store := newFakeStore()
	store.saveErr = fmt.Errorf("disk full")
	env := newTestEnv(t, store)

	err := env.mgr.Mount(context.Background(), fspath.MustDir("/data/"), memConfig())
	if err == nil {
		t.Fatal("mount should fail when persistence fails")
	}
	if env.mgr.Snapshot().Table.Len() != 0 {
		t.Error("table must stay unchanged")
	}
	if env.closes.Load() != 1 {
		t.Error("opened backend must be released on abort")
	}
}

func TestRestore(t *testing.T) {
	store := newFakeStore()
	store.rows["/data/"] = memConfig()
	store.rows["/views/v.json"] = viewConfig(`select * from "/data/x.json"`, nil)
	store.rows["/bad/"] = Config{Backend: &BackendConfig{Kind: "broken"}}

	env := newTestEnv(t, store)
	saves := store.saves
	restored, err := env.mgr.Restore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if restored != 2 {
		t.Errorf("restored = %d, want 2 (broken backend skipped)", restored)
	}
	if env.mgr.Snapshot().Table.Len() != 2 {
		t.Errorf("table len = %d", env.mgr.Snapshot().Table.Len())
	}
	if store.saves != saves {
		t.Error("restore must not write back to the store")
	}
}

func TestOpenQueryAndPaging(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	mustMount(t, env.mgr, "/data/", memConfig())
	mustWrite(t, env.mgr, "/data/zips.json", zipsFixture())

	id, err := env.mgr.OpenQuery(ctx, fspath.Root(), `select city from "/data/zips.json" order by city`, nil)
	if err != nil {
		t.Fatal(err)
	}
	recs, done, err := env.mgr.More(ctx, id, 3)
	if err != nil || done || len(recs) != 3 {
		t.Fatalf("page 1: n=%d done=%v err=%v", len(recs), done, err)
	}
	recs, done, err = env.mgr.More(ctx, id, 3)
	if err != nil || !done || len(recs) != 1 {
		t.Fatalf("page 2: n=%d done=%v err=%v", len(recs), done, err)
	}
	if _, _, err = env.mgr.More(ctx, id, 3); !errors.Is(err, handle.ErrUnknownHandle) {
		t.Errorf("drained handle: %v", err)
	}

	id, err = env.mgr.OpenQuery(ctx, fspath.Root(), `select * from "/data/zips.json"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.mgr.CloseHandle(id)
	env.mgr.CloseHandle(id)
	if env.mgr.Handles().Count() != 0 {
		t.Error("handles leaked")
	}
}

func TestManagerClose(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	env := newTestEnv(t, store)
	mustMount(t, env.mgr, "/a/", memConfig())
	mustMount(t, env.mgr, "/b/", memConfig())
	mustWrite(t, env.mgr, "/a/x.json", []query.Record{{"n": 1}})

	id, err := env.mgr.OpenQuery(ctx, fspath.Root(), `select * from "/a/x.json"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if env.closes.Load() != 2 {
		t.Errorf("closes = %d, want 2", env.closes.Load())
	}
	if !store.closed {
		t.Error("store not closed")
	}
	if _, _, err := env.mgr.More(ctx, id, 1); !errors.Is(err, handle.ErrUnknownHandle) {
		t.Errorf("handle after close: %v", err)
	}
	if _, err := env.mgr.Eval().Read(ctx, fspath.MustFile("/a/x.json"), nil); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("read after close: %v", err)
	}
}

func TestConcurrentMounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := fspath.MustDir(fmt.Sprintf("/m%d/", i))
			errs[i] = env.mgr.Mount(ctx, p, memConfig())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("mount %d: %v", i, err)
		}
	}
	if env.mgr.Snapshot().Table.Len() != 8 {
		t.Errorf("table len = %d", env.mgr.Snapshot().Table.Len())
	}
}

func TestConcurrentSamePathMount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.mgr.Mount(ctx, fspath.MustDir("/same/"), memConfig())
		}(i)
	}
	wg.Wait()
	won, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrMountExists):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 || lost != 7 {
		t.Errorf("won=%d lost=%d", won, lost)
	}
	// losers bail on the duplicate check and never open a backend
	if env.opens.Load() != 1 {
		t.Errorf("opens = %d, want 1", env.opens.Load())
	}
}

func TestReadsDuringUnmount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	mustMount(t, env.mgr, "/data/", memConfig())
	mustWrite(t, env.mgr, "/data/zips.json", zipsFixture())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				cur, err := env.mgr.Eval().Read(ctx, fspath.MustFile("/data/zips.json"), nil)
				if err != nil {
					// acceptable outcomes once the unmount lands
					if !errors.Is(err, ErrPathNotFound) && !errors.Is(err, ErrBackendUnavailable) {
						t.Errorf("read during unmount: %v", err)
					}
					continue
				}
				query.Collect(ctx, cur)
			}
		}()
	}
	env.mgr.Unmount(ctx, fspath.MustDir("/data/"))
	wg.Wait()
}

type closeFailCapability struct{}

func (c *closeFailCapability) Read(ctx context.Context, f fspath.File) (query.Cursor, error) {
	return query.NewSliceCursor(nil), nil
}

func (c *closeFailCapability) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	return backend.WriteResult{}, nil
}

func (c *closeFailCapability) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	return backend.WriteResult{}, nil
}

func (c *closeFailCapability) Delete(ctx context.Context, p fspath.Path) error { return nil }

func (c *closeFailCapability) List(ctx context.Context, d fspath.Dir) ([]backend.Entry, error) {
	return nil, nil
}

func (c *closeFailCapability) Move(ctx context.Context, src, dst fspath.Path) error { return nil }

func (c *closeFailCapability) Query(ctx context.Context, text string, vars query.Vars) (query.Cursor, error) {
	return query.NewSliceCursor(nil), nil
}

func (c *closeFailCapability) Close() error { return fmt.Errorf("device busy") }
