// Package test drives a fully wired engine over HTTP, the way the
// daemon serves it: real config, real mount store, real backends.
package test

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Serhiy91/quasar/internal/api"
	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/client"
	"github.com/Serhiy91/quasar/internal/config"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/mount"

	_ "github.com/Serhiy91/quasar/internal/backend/memfs"
	_ "github.com/Serhiy91/quasar/internal/backend/nutsfs"
	_ "github.com/Serhiy91/quasar/internal/backend/searchfs"
)

// engine is one running stack: manager, HTTP server, client.
type engine struct {
	mgr *mount.Manager
	ts  *httptest.Server
	c   *client.Client
}

// startEngine boots a full stack against dataDir, replaying persisted
// mounts first and then attaching the configured ones, as the daemon
// does at startup.
func startEngine(t *testing.T, dataDir string, mounts []config.Mount) *engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	store, err := mount.OpenNutsStore(filepath.Join(dataDir, "mounts"), logger)
	if err != nil {
		t.Fatalf("opening mount store: %v", err)
	}
	mgr := mount.NewManager(backend.Default, store, logger)

	ctx := context.Background()
	if _, err := mgr.Restore(ctx); err != nil {
		mgr.Close(ctx)
		t.Fatalf("restoring mounts: %v", err)
	}
	for _, m := range mounts {
		p, cfg, err := m.Resolve()
		if err != nil {
			mgr.Close(ctx)
			t.Fatalf("resolving mount %q: %v", m.Path, err)
		}
		if err := mgr.Mount(ctx, p, cfg); err != nil && !errors.Is(err, mount.ErrMountExists) {
			mgr.Close(ctx)
			t.Fatalf("mounting %s: %v", p, err)
		}
	}

	ts := httptest.NewServer(api.New(mgr, logger).Handler())
	return &engine{mgr: mgr, ts: ts, c: client.New(ts.URL)}
}

func (e *engine) stop() {
	e.ts.Close()
	e.mgr.Close(context.Background())
}

func mustDir(t *testing.T, s string) fspath.Dir {
	t.Helper()
	d, err := fspath.ParseDir(s)
	if err != nil {
		t.Fatalf("ParseDir(%q): %v", s, err)
	}
	return d
}

func mustFile(t *testing.T, s string) fspath.File {
	t.Helper()
	f, err := fspath.ParseFile(s)
	if err != nil {
		t.Fatalf("ParseFile(%q): %v", s, err)
	}
	return f
}
