package mount

import (
	"errors"
	"fmt"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/query"
)

// Config declares what a mount attaches: exactly one of View or
// Backend is set. The JSON form is stored durably and travels over the
// admin API unchanged.
type Config struct {
	View    *ViewConfig    `json:"view,omitempty"`
	Backend *BackendConfig `json:"backend,omitempty"`
}

// ViewConfig is a saved query materialized as a virtual read-only
// file. DefaultVars seed the variable bindings; callers may override
// them per read.
type ViewConfig struct {
	Query       string     `json:"query"`
	DefaultVars query.Vars `json:"default_vars,omitempty"`
}

// BackendConfig names a backend kind and its connection params.
type BackendConfig struct {
	Kind   string         `json:"kind"`
	Params backend.Params `json:"params,omitempty"`
}

// Validate checks the variant shape. Path pairing (views on file
// paths, backends on directory paths) is checked at mount time where
// the path is known.
func (c Config) Validate() error {
	switch {
	case c.View == nil && c.Backend == nil:
		return errors.New("mount config needs a view or a backend")
	case c.View != nil && c.Backend != nil:
		return errors.New("mount config cannot be both a view and a backend")
	case c.View != nil && c.View.Query == "":
		return errors.New("view mount needs a query")
	case c.Backend != nil && c.Backend.Kind == "":
		return errors.New("backend mount needs a kind")
	}
	return nil
}

// IsView reports whether the config declares a view mount.
func (c Config) IsView() bool { return c.View != nil }

// Kind returns "view" for views and the backend kind otherwise. It is
// what listings show next to mount-point entries.
func (c Config) Kind() string {
	if c.View != nil {
		return "view"
	}
	return c.Backend.Kind
}

func (c Config) String() string {
	if c.View != nil {
		return fmt.Sprintf("view(%s)", c.View.Query)
	}
	return fmt.Sprintf("backend(%s)", c.Backend.Kind)
}
