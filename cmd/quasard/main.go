// Quasar daemon - HTTP facade over the federated namespace engine
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Serhiy91/quasar/internal/api"
	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/config"
	"github.com/Serhiy91/quasar/internal/mount"

	_ "github.com/Serhiy91/quasar/internal/backend/gcsfs"
	_ "github.com/Serhiy91/quasar/internal/backend/gitfs"
	_ "github.com/Serhiy91/quasar/internal/backend/memfs"
	_ "github.com/Serhiy91/quasar/internal/backend/nutsfs"
	_ "github.com/Serhiy91/quasar/internal/backend/s3fs"
	_ "github.com/Serhiy91/quasar/internal/backend/searchfs"
)

var (
	// Version information (injected at build time)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfgPath := flag.String("config", "", "TOML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "State directory (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			slog.Error("failed to load config", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *debug {
		cfg.Debug = true
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting quasard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"addr", cfg.Addr,
		"data_dir", cfg.DataDir,
		"kinds", backend.Default.Kinds())

	store, err := mount.OpenNutsStore(filepath.Join(cfg.DataDir, "mounts"), logger)
	if err != nil {
		logger.Error("failed to open mount store", "error", err)
		os.Exit(1)
	}

	mgr := mount.NewManager(backend.Default, store, logger)

	ctx := context.Background()
	if _, err := mgr.Restore(ctx); err != nil {
		logger.Error("failed to restore mounts", "error", err)
		mgr.Close(ctx)
		os.Exit(1)
	}
	attachConfigured(ctx, mgr, cfg.Mounts, logger)

	srv := api.New(mgr, logger)

	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := srv.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received signal, initiating graceful shutdown", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}

	logger.Info("server stopped")
}

// attachConfigured mounts the declarations from the config file. Paths
// already mounted (restored from the store, typically) are left alone;
// other failures are logged and skipped so one bad declaration does
// not keep the daemon down.
func attachConfigured(ctx context.Context, mgr *mount.Manager, decls []config.Mount, logger *slog.Logger) {
	for _, decl := range decls {
		p, cfg, err := decl.Resolve()
		if err != nil {
			logger.Warn("skipping configured mount", "path", decl.Path, "error", err)
			continue
		}
		if err := mgr.Mount(ctx, p, cfg); err != nil {
			if errors.Is(err, mount.ErrMountExists) {
				logger.Debug("configured mount already attached", "path", p.String())
				continue
			}
			logger.Warn("skipping configured mount", "path", p.String(), "error", err)
		}
	}
}
