package gcsfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

func TestKeyMapping(t *testing.T) {
	tests := []struct {
		prefix string
		path   fspath.Path
		want   string
	}{
		{"", fspath.MustFile("/a/b.json"), "a/b.json"},
		{"", fspath.MustDir("/a/"), "a/"},
		{"team/", fspath.MustFile("/a.json"), "team/a.json"},
	}
	for _, tt := range tests {
		g := &FS{prefix: tt.prefix}
		if got := g.key(tt.path); got != tt.want {
			t.Errorf("key(%q, %s) = %q, want %q", tt.prefix, tt.path, got, tt.want)
		}
	}
}

// openTestBucket connects to the bucket named in the environment.
// Integration coverage needs a reachable endpoint, typically
// fake-gcs-server:
//
//	QUASAR_GCS_TEST_ENDPOINT=http://localhost:4443/storage/v1/ \
//	QUASAR_GCS_TEST_BUCKET=quasar-test go test ./internal/backend/gcsfs/
func openTestBucket(t *testing.T) backend.Capability {
	t.Helper()
	endpoint := os.Getenv("QUASAR_GCS_TEST_ENDPOINT")
	bucket := os.Getenv("QUASAR_GCS_TEST_BUCKET")
	if endpoint == "" || bucket == "" {
		t.Skip("QUASAR_GCS_TEST_ENDPOINT / QUASAR_GCS_TEST_BUCKET not set")
	}
	cap, err := Open(context.Background(), backend.Params{
		"bucket":   bucket,
		"endpoint": endpoint,
		"prefix":   "quasar-gcsfs-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cap.Delete(context.Background(), fspath.Root())
		cap.Close()
	})
	return cap
}

func TestBucketRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := openTestBucket(t)

	res, err := g.Write(ctx, fspath.MustFile("/zips.json"), []query.Record{
		{"city": "AGAWAM", "pop": 15338},
		{"city": "SPRINGFIELD", "pop": 152082},
	})
	if err != nil || res.Stored != 2 {
		t.Fatalf("write: res=%+v err=%v", res, err)
	}
	if _, err := g.Write(ctx, fspath.MustFile("/deep/old.json"), []query.Record{{"city": "BARRE"}}); err != nil {
		t.Fatal(err)
	}

	cur, err := g.Read(ctx, fspath.MustFile("/zips.json"))
	if err != nil {
		t.Fatal(err)
	}
	recs, err := query.Collect(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0]["city"] != "AGAWAM" {
		t.Errorf("read back = %v", recs)
	}

	if _, err := g.Read(ctx, fspath.MustFile("/nope.json")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing read = %v", err)
	}

	entries, err := g.List(ctx, fspath.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name != "deep" || !entries[0].IsDir || entries[1].Name != "zips.json" {
		t.Errorf("root entries = %+v", entries)
	}

	cur, err = g.Query(ctx, `select city from zips.json where pop > 100000`, nil)
	if err != nil {
		t.Fatal(err)
	}
	recs, err = query.Collect(ctx, cur)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0]["city"] != "SPRINGFIELD" {
		t.Errorf("query result = %v", recs)
	}

	if err := g.Move(ctx, fspath.MustFile("/zips.json"), fspath.MustFile("/deep/zips.json")); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Read(ctx, fspath.MustFile("/zips.json")); !errors.Is(err, fs.ErrNotExist) {
		t.Error("moved source should be gone")
	}

	if err := g.Delete(ctx, fspath.MustDir("/deep/")); err != nil {
		t.Fatal(err)
	}
	if err := g.Delete(ctx, fspath.MustFile("/deep/zips.json")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("delete after subtree delete = %v", err)
	}
}
