// Package backend defines the capability surface storage backends
// expose to the mount layer, the kind registry used to open them, and
// the record codec shared by implementations.
//
// A backend sees only its own namespace: every path handed to a
// capability is rooted at the backend's mount point. Backends report
// missing paths with errors wrapping io/fs.ErrNotExist so the mount
// layer can classify them uniformly.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// ErrUnknownKind reports a mount request naming a backend kind nobody
// registered.
var ErrUnknownKind = errors.New("unknown backend kind")

// ErrReadOnly is wrapped by backends that do not support mutation.
var ErrReadOnly = errors.New("backend is read-only")

// Entry is one name in a directory listing.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"dir"`
}

// WriteError reports one record that could not be stored.
type WriteError struct {
	Index int    `json:"index"`
	Err   error  `json:"-"`
	Msg   string `json:"error"`
}

// WriteResult reports the outcome of a Write or Append: how many
// records were stored and which ones failed. Partial success is not an
// error at the capability level; callers decide how to surface it.
type WriteResult struct {
	Stored int          `json:"stored"`
	Failed []WriteError `json:"failed,omitempty"`
}

// Fail appends a per-record failure.
func (r *WriteResult) Fail(index int, err error) {
	r.Failed = append(r.Failed, WriteError{Index: index, Err: err, Msg: err.Error()})
}

// Err summarizes failures, or returns nil when every record stored.
func (r WriteResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d records failed, first: record %d: %w",
		len(r.Failed), r.Stored+len(r.Failed), r.Failed[0].Index, r.Failed[0].Err)
}

// Capability is the operation surface of an attached backend. All
// paths are backend-rooted. Query receives statement text whose FROM
// target is likewise backend-rooted.
type Capability interface {
	Read(ctx context.Context, f fspath.File) (query.Cursor, error)
	Write(ctx context.Context, f fspath.File, recs []query.Record) (WriteResult, error)
	Append(ctx context.Context, f fspath.File, recs []query.Record) (WriteResult, error)
	Delete(ctx context.Context, p fspath.Path) error
	List(ctx context.Context, d fspath.Dir) ([]Entry, error)
	Move(ctx context.Context, src, dst fspath.Path) error
	Query(ctx context.Context, text string, vars query.Vars) (query.Cursor, error)
	Close() error
}

// Params carries backend connection settings as written in the mount
// configuration.
type Params map[string]string

// Get returns the value for key, or def when absent.
func (p Params) Get(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Require returns the value for key or an error naming it.
func (p Params) Require(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return "", fmt.Errorf("missing required backend param %q", key)
	}
	return v, nil
}

// OpenFunc connects a backend of one kind. Implementations should
// validate params and reach the underlying store before returning, so
// connection failures surface at mount time.
type OpenFunc func(ctx context.Context, params Params) (Capability, error)

// Registry maps backend kinds to openers.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]OpenFunc
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]OpenFunc)}
}

// Register installs an opener under kind, replacing any previous one.
func (r *Registry) Register(kind string, open OpenFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = open
}

// Known reports whether kind has an opener.
func (r *Registry) Known(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open connects a backend of the given kind.
func (r *Registry) Open(ctx context.Context, kind string, params Params) (Capability, error) {
	r.mu.RLock()
	open, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return open(ctx, params)
}

// Default is the process-wide registry. Backend packages register
// themselves into it from init, so importing a backend package makes
// its kind mountable.
var Default = NewRegistry()

// Register installs an opener into the Default registry.
func Register(kind string, open OpenFunc) {
	Default.Register(kind, open)
}

// QueryViaRead compiles text and executes it against src, treating the
// backend's own root as the base for relative FROM paths. Backends
// without native query execution satisfy the Query capability with it.
func QueryViaRead(ctx context.Context, src query.Source, text string, vars query.Vars) (query.Cursor, error) {
	q, err := query.Compile(text)
	if err != nil {
		return nil, err
	}
	return q.Run(ctx, src, fspath.Root(), vars)
}
