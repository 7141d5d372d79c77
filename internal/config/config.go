// Package config loads the daemon configuration file. The file is
// TOML; flags override it, so the daemon applies the file first and
// its command line second.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/mount"
	"github.com/Serhiy91/quasar/internal/query"
)

// Config is the daemon configuration.
type Config struct {
	// Addr is the host:port the HTTP API listens on.
	Addr string `toml:"addr"`

	// DataDir is where the daemon keeps its own state: the mount
	// store and the default location for backends that take a dir.
	DataDir string `toml:"data-dir"`

	// Debug toggles debug logging.
	Debug bool `toml:"debug"`

	// Mounts are attached at startup. Declarations whose path is
	// already mounted (typically restored from the mount store) are
	// skipped.
	Mounts []Mount `toml:"mounts"`
}

// Mount declares one startup mount. A declaration carrying a query is
// a view; otherwise kind names a backend.
type Mount struct {
	// Path is the mount point: a directory for backends, a file for
	// views.
	Path string `toml:"path"`

	// Kind names a registered backend kind.
	Kind string `toml:"kind"`

	// Params carries backend connection settings.
	Params map[string]string `toml:"params"`

	// Query makes the declaration a view mount.
	Query string `toml:"query"`

	// Vars are the view's default variable bindings.
	Vars map[string]string `toml:"vars"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:    ":8080",
		DataDir: "/var/lib/quasard",
	}
}

// Load reads a TOML file and overlays it on Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve converts the declaration into a mount point and the mount
// config to attach there.
func (m Mount) Resolve() (fspath.Path, mount.Config, error) {
	if m.Query != "" {
		f, err := fspath.ParseFile(m.Path)
		if err != nil {
			return nil, mount.Config{}, fmt.Errorf("view mount: %w", err)
		}
		return f, mount.Config{View: &mount.ViewConfig{
			Query:       m.Query,
			DefaultVars: query.Vars(m.Vars),
		}}, nil
	}
	d, err := fspath.ParseDir(m.Path)
	if err != nil {
		return nil, mount.Config{}, fmt.Errorf("backend mount: %w", err)
	}
	return d, mount.Config{Backend: &mount.BackendConfig{
		Kind:   m.Kind,
		Params: backend.Params(m.Params),
	}}, nil
}
