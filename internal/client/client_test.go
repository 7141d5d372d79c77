package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Serhiy91/quasar/internal/api"
	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/backend/memfs"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/mount"
	"github.com/Serhiy91/quasar/internal/query"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	reg := backend.NewRegistry()
	reg.Register("mem", func(ctx context.Context, params backend.Params) (backend.Capability, error) {
		return memfs.New(), nil
	})
	mgr := mount.NewManager(reg, nil, nil)
	t.Cleanup(func() { mgr.Close(context.Background()) })

	ts := httptest.NewServer(api.New(mgr, nil).Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func dir(t *testing.T, s string) fspath.Dir {
	t.Helper()
	d, err := fspath.ParseDir(s)
	if err != nil {
		t.Fatalf("ParseDir(%q): %v", s, err)
	}
	return d
}

func file(t *testing.T, s string) fspath.File {
	t.Helper()
	f, err := fspath.ParseFile(s)
	if err != nil {
		t.Fatalf("ParseFile(%q): %v", s, err)
	}
	return f
}

var zips = []query.Record{
	{"city": "AGAWAM", "pop": 15338.0},
	{"city": "CHICOPEE", "pop": 31495.0},
	{"city": "SPRINGFIELD", "pop": 152082.0},
	{"city": "BARRE", "pop": 9291.0},
}

func seedStore(t *testing.T, c *Client) {
	t.Helper()
	ctx := context.Background()
	cfg := mount.Config{Backend: &mount.BackendConfig{Kind: "mem"}}
	if err := c.Mount(ctx, dir(t, "/store/"), cfg); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	res, err := c.Write(ctx, file(t, "/store/zips.json"), zips)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Stored != len(zips) {
		t.Fatalf("stored %d of %d", res.Stored, len(zips))
	}
}

func TestRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedStore(t, c)

	recs, err := c.Read(ctx, file(t, "/store/zips.json"), nil)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(recs) != 4 || recs[0]["city"] != "AGAWAM" {
		t.Fatalf("read back %v", recs)
	}

	entries, err := c.List(ctx, dir(t, "/"))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "store" || entries[0].Mount != "mem" {
		t.Fatalf("root entries = %+v", entries)
	}

	recs, err = c.Query(ctx, "select city from zips.json where pop > :floor order by pop desc",
		dir(t, "/store/"), query.Vars{"floor": "20000"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 2 || recs[0]["city"] != "SPRINGFIELD" {
		t.Fatalf("query results = %v", recs)
	}

	if err := c.Move(ctx, file(t, "/store/zips.json"), file(t, "/store/renamed.json")); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := c.Delete(ctx, file(t, "/store/renamed.json")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Read(ctx, file(t, "/store/renamed.json"), nil); !IsNotFound(err) {
		t.Errorf("read after delete: %v", err)
	}

	warning, err := c.Unmount(ctx, dir(t, "/store/"))
	if err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if warning != "" {
		t.Errorf("unexpected warning %q", warning)
	}
}

func TestHandlePaging(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedStore(t, c)

	id, err := c.OpenQuery(ctx, "select city from /store/zips.json order by pop", fspath.Dir{}, nil)
	if err != nil {
		t.Fatalf("OpenQuery: %v", err)
	}
	recs, done, err := c.More(ctx, id, 3)
	if err != nil || done || len(recs) != 3 {
		t.Fatalf("page 1: %v done=%v err=%v", recs, done, err)
	}
	recs, done, err = c.More(ctx, id, 3)
	if err != nil || !done || len(recs) != 1 {
		t.Fatalf("page 2: %v done=%v err=%v", recs, done, err)
	}
	if _, _, err := c.More(ctx, id, 3); !IsNotFound(err) {
		t.Errorf("drained handle: %v", err)
	}
	if err := c.CloseHandle(ctx, id); err != nil {
		t.Errorf("CloseHandle after drain: %v", err)
	}
}

func TestErrorMapping(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedStore(t, c)

	if _, err := c.Read(ctx, file(t, "/store/nope.json"), nil); !IsNotFound(err) {
		t.Errorf("missing file: %v", err)
	}

	cfg := mount.Config{Backend: &mount.BackendConfig{Kind: "mem"}}
	if err := c.Mount(ctx, dir(t, "/store/"), cfg); !IsStatus(err, http.StatusConflict) {
		t.Errorf("occupied path: %v", err)
	}

	view := mount.Config{View: &mount.ViewConfig{Query: "select * from /store/zips.json"}}
	if err := c.Mount(ctx, file(t, "/views/all.json"), view); err != nil {
		t.Fatalf("mount view: %v", err)
	}
	_, err := c.Write(ctx, file(t, "/views/all.json"), zips[:1])
	if !IsStatus(err, http.StatusLocked) {
		t.Errorf("write to view: %v", err)
	}
}

func TestStats(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedStore(t, c)

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Mounts != 1 || stats.Version == 0 {
		t.Errorf("stats = %+v", stats)
	}
}
