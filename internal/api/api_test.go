package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/backend/memfs"
	"github.com/Serhiy91/quasar/internal/mount"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := backend.NewRegistry()
	reg.Register("mem", func(ctx context.Context, params backend.Params) (backend.Capability, error) {
		return memfs.New(), nil
	})
	mgr := mount.NewManager(reg, nil, nil)
	t.Cleanup(func() { mgr.Close(context.Background()) })
	return New(mgr, nil)
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, code, rec.Body.String())
	}
}

const zipsBody = `[
	{"city":"AGAWAM","pop":15338},
	{"city":"CHICOPEE","pop":31495},
	{"city":"SPRINGFIELD","pop":152082},
	{"city":"BARRE","pop":9291}
]`

// seeded mounts a mem backend at /store/, loads the zips fixture, and
// mounts a view over it.
func seeded(t *testing.T) *Server {
	t.Helper()
	srv := newTestServer(t)
	expect(t, do(t, srv, http.MethodPost, "/mount/store/", `{"backend":{"kind":"mem"}}`), http.StatusCreated)
	expect(t, do(t, srv, http.MethodPut, "/data/store/zips.json", zipsBody), http.StatusOK)
	view := `{"view":{
		"query":"select city, pop from /store/zips.json where pop > :min_pop order by pop desc",
		"default_vars":{"min_pop":"100000"}}}`
	expect(t, do(t, srv, http.MethodPost, "/mount/views/big.json", view), http.StatusCreated)
	return srv
}

func ndjson(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("bad response %q: %v", rec.Body.String(), err)
	}
}

func TestWriteReadCycle(t *testing.T) {
	srv := seeded(t)

	rec := do(t, srv, http.MethodGet, "/data/store/zips.json", "")
	expect(t, rec, http.StatusOK)
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}
	recs := ndjson(t, rec.Body.String())
	if len(recs) != 4 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0]["city"] != "AGAWAM" {
		t.Errorf("first record = %v", recs[0])
	}
}

func TestReadMissing(t *testing.T) {
	srv := seeded(t)
	expect(t, do(t, srv, http.MethodGet, "/data/store/nope.json", ""), http.StatusNotFound)
	expect(t, do(t, srv, http.MethodGet, "/data/elsewhere/x.json", ""), http.StatusNotFound)
}

func TestReadDirIsBadRequest(t *testing.T) {
	srv := seeded(t)
	expect(t, do(t, srv, http.MethodGet, "/data/store/", ""), http.StatusBadRequest)
}

func TestAppend(t *testing.T) {
	srv := seeded(t)
	rec := do(t, srv, http.MethodPost, "/data/store/zips.json", `{"city":"HOLYOKE","pop":43704}`)
	expect(t, rec, http.StatusOK)
	var res backend.WriteResult
	decode(t, rec, &res)
	if res.Stored != 1 || len(res.Failed) != 0 {
		t.Errorf("result = %+v", res)
	}
	recs := ndjson(t, do(t, srv, http.MethodGet, "/data/store/zips.json", "").Body.String())
	if len(recs) != 5 {
		t.Errorf("got %d records after append", len(recs))
	}
}

func TestDeleteData(t *testing.T) {
	srv := seeded(t)
	expect(t, do(t, srv, http.MethodDelete, "/data/store/zips.json", ""), http.StatusNoContent)
	expect(t, do(t, srv, http.MethodGet, "/data/store/zips.json", ""), http.StatusNotFound)
}

func TestViewRead(t *testing.T) {
	srv := seeded(t)

	rec := do(t, srv, http.MethodGet, "/data/views/big.json", "")
	expect(t, rec, http.StatusOK)
	recs := ndjson(t, rec.Body.String())
	if len(recs) != 1 || recs[0]["city"] != "SPRINGFIELD" {
		t.Fatalf("default vars: %v", recs)
	}

	rec = do(t, srv, http.MethodGet, "/data/views/big.json?min_pop=10000", "")
	expect(t, rec, http.StatusOK)
	if recs := ndjson(t, rec.Body.String()); len(recs) != 3 {
		t.Errorf("override vars: %v", recs)
	}
}

func TestViewIsReadOnly(t *testing.T) {
	srv := seeded(t)
	rec := do(t, srv, http.MethodPut, "/data/views/big.json", `{"city":"X"}`)
	expect(t, rec, http.StatusLocked)
}

func TestListMetadata(t *testing.T) {
	srv := seeded(t)

	rec := do(t, srv, http.MethodGet, "/metadata/", "")
	expect(t, rec, http.StatusOK)
	var res struct {
		Path    string           `json:"path"`
		Entries []mount.DirEntry `json:"entries"`
	}
	decode(t, rec, &res)
	if len(res.Entries) != 2 {
		t.Fatalf("root entries = %+v", res.Entries)
	}
	if res.Entries[0].Name != "store" || res.Entries[0].Mount != "mem" {
		t.Errorf("entry 0 = %+v", res.Entries[0])
	}
	if res.Entries[1].Name != "views" || res.Entries[1].Mount != "" {
		t.Errorf("entry 1 = %+v", res.Entries[1])
	}

	expect(t, do(t, srv, http.MethodGet, "/metadata/store/missing/", ""), http.StatusNotFound)
}

func TestMove(t *testing.T) {
	srv := seeded(t)
	rec := do(t, srv, http.MethodPost, "/move",
		`{"src":"/store/zips.json","dst":"/store/renamed.json"}`)
	expect(t, rec, http.StatusNoContent)
	expect(t, do(t, srv, http.MethodGet, "/data/store/renamed.json", ""), http.StatusOK)
	expect(t, do(t, srv, http.MethodGet, "/data/store/zips.json", ""), http.StatusNotFound)
}

func TestMoveCrossMount(t *testing.T) {
	srv := seeded(t)
	expect(t, do(t, srv, http.MethodPost, "/mount/other/", `{"backend":{"kind":"mem"}}`), http.StatusCreated)
	rec := do(t, srv, http.MethodPost, "/move",
		`{"src":"/store/zips.json","dst":"/other/zips.json"}`)
	expect(t, rec, http.StatusUnprocessableEntity)
}

func TestQueryOneShot(t *testing.T) {
	srv := seeded(t)
	q := url.Values{}
	q.Set("q", "select city from /store/zips.json where pop > :floor order by pop desc")
	q.Set("floor", "20000")
	rec := do(t, srv, http.MethodGet, "/query?"+q.Encode(), "")
	expect(t, rec, http.StatusOK)
	recs := ndjson(t, rec.Body.String())
	if len(recs) != 2 || recs[0]["city"] != "SPRINGFIELD" || recs[1]["city"] != "CHICOPEE" {
		t.Errorf("results = %v", recs)
	}
}

func TestQueryBadStatement(t *testing.T) {
	srv := seeded(t)
	expect(t, do(t, srv, http.MethodGet, "/query?q=selec+oops", ""), http.StatusBadRequest)
	expect(t, do(t, srv, http.MethodGet, "/query", ""), http.StatusBadRequest)
}

func TestHandlePaging(t *testing.T) {
	srv := seeded(t)

	rec := do(t, srv, http.MethodPost, "/handles",
		`{"query":"select city from /store/zips.json order by pop"}`)
	expect(t, rec, http.StatusCreated)
	var opened struct {
		Handle int64 `json:"handle"`
	}
	decode(t, rec, &opened)
	if opened.Handle == 0 {
		t.Fatal("no handle id")
	}
	target := fmt.Sprintf("/handles/%d", opened.Handle)

	var page struct {
		Records []map[string]any `json:"records"`
		Done    bool             `json:"done"`
	}
	rec = do(t, srv, http.MethodGet, target+"?n=3", "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &page)
	if len(page.Records) != 3 || page.Done {
		t.Fatalf("page 1 = %+v", page)
	}

	rec = do(t, srv, http.MethodGet, target+"?n=3", "")
	expect(t, rec, http.StatusOK)
	decode(t, rec, &page)
	if len(page.Records) != 1 || !page.Done {
		t.Fatalf("page 2 = %+v", page)
	}

	// drained handles are gone
	expect(t, do(t, srv, http.MethodGet, target, ""), http.StatusNotFound)
	// closing is idempotent regardless
	expect(t, do(t, srv, http.MethodDelete, target, ""), http.StatusNoContent)
}

func TestHandleBadID(t *testing.T) {
	srv := seeded(t)
	expect(t, do(t, srv, http.MethodGet, "/handles/xyz", ""), http.StatusBadRequest)
	expect(t, do(t, srv, http.MethodGet, "/handles/9999", ""), http.StatusNotFound)
}

func TestMountLifecycle(t *testing.T) {
	srv := newTestServer(t)

	expect(t, do(t, srv, http.MethodPost, "/mount/a/", `{"backend":{"kind":"mem"}}`), http.StatusCreated)
	// occupied path
	expect(t, do(t, srv, http.MethodPost, "/mount/a/", `{"backend":{"kind":"mem"}}`), http.StatusConflict)
	// unknown kind
	expect(t, do(t, srv, http.MethodPost, "/mount/b/", `{"backend":{"kind":"tape"}}`), http.StatusBadRequest)
	// view on a directory path
	expect(t, do(t, srv, http.MethodPost, "/mount/c/", `{"view":{"query":"select * from x"}}`), http.StatusBadRequest)
	// neither variant
	expect(t, do(t, srv, http.MethodPost, "/mount/d/", `{}`), http.StatusBadRequest)

	rec := do(t, srv, http.MethodGet, "/mount/a/", "")
	expect(t, rec, http.StatusOK)
	var cfg mount.Config
	decode(t, rec, &cfg)
	if cfg.Backend == nil || cfg.Backend.Kind != "mem" {
		t.Errorf("config = %+v", cfg)
	}

	expect(t, do(t, srv, http.MethodDelete, "/mount/a/", ""), http.StatusNoContent)
	expect(t, do(t, srv, http.MethodDelete, "/mount/a/", ""), http.StatusNotFound)
	expect(t, do(t, srv, http.MethodGet, "/mount/a/", ""), http.StatusNotFound)
}

func TestListMounts(t *testing.T) {
	srv := seeded(t)
	rec := do(t, srv, http.MethodGet, "/mounts", "")
	expect(t, rec, http.StatusOK)
	var res struct {
		Version int64       `json:"version"`
		Mounts  []mountInfo `json:"mounts"`
	}
	decode(t, rec, &res)
	if len(res.Mounts) != 2 {
		t.Fatalf("mounts = %+v", res.Mounts)
	}
	if res.Mounts[0].Path != "/store/" || res.Mounts[0].Kind != "mem" {
		t.Errorf("mount 0 = %+v", res.Mounts[0])
	}
	if res.Mounts[1].Path != "/views/big.json" || res.Mounts[1].Kind != "view" {
		t.Errorf("mount 1 = %+v", res.Mounts[1])
	}
	if res.Version == 0 {
		t.Error("version not advancing")
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := seeded(t)
	rec := do(t, srv, http.MethodGet, "/mounts", "")
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("missing request id header")
	}
}

func TestStats(t *testing.T) {
	srv := seeded(t)

	rec := do(t, srv, http.MethodPost, "/handles",
		`{"query":"select city from /store/zips.json"}`)
	expect(t, rec, http.StatusCreated)

	rec = do(t, srv, http.MethodGet, "/stats", "")
	expect(t, rec, http.StatusOK)
	var stats EngineStats
	decode(t, rec, &stats)
	if stats.Mounts != 2 {
		t.Errorf("mounts = %d", stats.Mounts)
	}
	if stats.OpenHandles != 1 {
		t.Errorf("open handles = %d", stats.OpenHandles)
	}
	if stats.Version == 0 {
		t.Error("version not advancing")
	}
	if stats.Started == "" {
		t.Error("missing start time")
	}
}
