package mount

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// DirEntry is one name in a composed listing. Mount is the kind of the
// mount attached at this name ("view", "mem", "s3", ...) when the
// entry is itself a mount point, and empty for ordinary entries.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"dir"`
	Mount string `json:"mount,omitempty"`
}

// Evaluator resolves namespace paths against one immutable mount table
// and dispatches operations to the owning mount. Evaluators are
// published atomically by the Manager; all methods are safe for
// concurrent use and never block mounts or unmounts.
type Evaluator struct {
	table  *Table
	logger *slog.Logger
}

func newEvaluator(table *Table, logger *slog.Logger) *Evaluator {
	return &Evaluator{table: table, logger: logger.With("component", "evaluator")}
}

// Table returns the mount table this evaluator resolves against.
func (e *Evaluator) Table() *Table { return e.table }

// viewStackKey carries the chain of view paths being expanded, so a
// view whose query reads back into itself is cut off.
type viewStackKey struct{}

func pushView(ctx context.Context, path string) (context.Context, error) {
	stack, _ := ctx.Value(viewStackKey{}).([]string)
	for _, p := range stack {
		if p == path {
			return nil, fmt.Errorf("%s via %v: %w", path, stack, ErrViewCycle)
		}
	}
	next := make([]string, len(stack), len(stack)+1)
	copy(next, stack)
	return context.WithValue(ctx, viewStackKey{}, append(next, path)), nil
}

// pathErr wraps backend errors with the namespace path; a backend's
// missing path becomes the namespace-level not-found and a backend's
// refusal to mutate becomes the namespace-level read-only.
func pathErr(p fspath.Path, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", p, ErrPathNotFound)
	}
	if errors.Is(err, backend.ErrReadOnly) {
		return fmt.Errorf("%s: %w", p, ErrReadOnly)
	}
	return fmt.Errorf("%s: %w", p, err)
}

func (e *Evaluator) resolveBackend(p fspath.Path) (*Entry, backend.Capability, fspath.Path, error) {
	ent, ok := e.table.DeepestEnclosing(p)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%s: %w", p, ErrPathNotFound)
	}
	if ent.view != nil {
		return ent, nil, nil, nil
	}
	cap, err := ent.live.get()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: %w", p, err)
	}
	rel, err := ent.Path.(fspath.Dir).Rel(p)
	if err != nil {
		return nil, nil, nil, err
	}
	return ent, cap, rel, nil
}

// Read returns a cursor over the records of f. When f is a view, the
// saved query runs with vars overlaid on the view's defaults; for
// ordinary files vars are ignored.
func (e *Evaluator) Read(ctx context.Context, f fspath.File, vars query.Vars) (query.Cursor, error) {
	ent, cap, rel, err := e.resolveBackend(f)
	if err != nil {
		return nil, err
	}
	if ent.view != nil {
		return e.expandView(ctx, ent, vars)
	}
	cur, err := cap.Read(ctx, rel.(fspath.File))
	if err != nil {
		return nil, pathErr(f, err)
	}
	return cur, nil
}

// ReadFile makes the evaluator a query.Source: query execution reads
// other files through full mount resolution, views included.
func (e *Evaluator) ReadFile(ctx context.Context, f fspath.File) (query.Cursor, error) {
	return e.Read(ctx, f, nil)
}

// expandView runs the saved query. The view's parent directory is the
// base for relative FROM paths, and the evaluator itself is the
// source, so a view can read through any mount, including other views.
func (e *Evaluator) expandView(ctx context.Context, ent *Entry, vars query.Vars) (query.Cursor, error) {
	ctx, err := pushView(ctx, ent.Path.String())
	if err != nil {
		return nil, err
	}
	bound := query.MergeVars(ent.view.defaults, vars)
	base := ent.Path.(fspath.File).Dir()
	e.logger.Debug("expanding view", "path", ent.Path.String(), "vars", len(bound))
	cur, err := ent.view.query.Run(ctx, e, base, bound)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", ent.Path, err)
	}
	return cur, nil
}

// Write replaces the records of f.
func (e *Evaluator) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	ent, cap, rel, err := e.resolveBackend(f)
	if err != nil {
		return backend.WriteResult{}, err
	}
	if ent.view != nil {
		return backend.WriteResult{}, fmt.Errorf("%s: %w", f, ErrReadOnly)
	}
	res, err := cap.Write(ctx, rel.(fspath.File), recs)
	if err != nil {
		return res, pathErr(f, err)
	}
	return res, nil
}

// Append adds records to f, creating it when absent.
func (e *Evaluator) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	ent, cap, rel, err := e.resolveBackend(f)
	if err != nil {
		return backend.WriteResult{}, err
	}
	if ent.view != nil {
		return backend.WriteResult{}, fmt.Errorf("%s: %w", f, ErrReadOnly)
	}
	res, err := cap.Append(ctx, rel.(fspath.File), recs)
	if err != nil {
		return res, pathErr(f, err)
	}
	return res, nil
}

// Delete removes a file or a directory subtree within its mount.
// Mounts nested below a deleted directory are unaffected: they belong
// to other backends and keep their namespace paths.
func (e *Evaluator) Delete(ctx context.Context, p fspath.Path) error {
	ent, cap, rel, err := e.resolveBackend(p)
	if err != nil {
		return err
	}
	if ent.view != nil {
		return fmt.Errorf("%s: %w (unmount the view instead)", p, ErrReadOnly)
	}
	if err := cap.Delete(ctx, rel); err != nil {
		return pathErr(p, err)
	}
	return nil
}

// List returns the composed listing of d: the backend's own entries
// unioned with a synthetic entry per nested mount. A mount directly
// under d appears with its kind; deeper mounts contribute plain
// directory entries for their intermediate segments. On a name
// collision the mount entry wins.
func (e *Evaluator) List(ctx context.Context, d fspath.Dir) ([]DirEntry, error) {
	ent, ok := e.table.DeepestEnclosing(d)
	nested := e.table.MountsUnder(d)

	merged := make(map[string]DirEntry)
	missing := false
	if ok {
		cap, err := ent.live.get()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d, err)
		}
		rel, err := ent.Path.(fspath.Dir).Rel(d)
		if err != nil {
			return nil, err
		}
		native, err := cap.List(ctx, rel.(fspath.Dir))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// the backend has nothing here; nested mounts may
			// still make the directory visible
			missing = true
		case err != nil:
			return nil, pathErr(d, err)
		default:
			for _, n := range native {
				merged[n.Name] = DirEntry{Name: n.Name, IsDir: n.IsDir}
			}
		}
	}

	for _, m := range nested {
		rel, err := d.Rel(m.Path)
		if err != nil {
			continue
		}
		segs := rel.Segments()
		if len(segs) == 1 {
			merged[segs[0]] = DirEntry{Name: segs[0], IsDir: m.Path.IsDir(), Mount: m.Kind()}
			continue
		}
		if _, exists := merged[segs[0]]; !exists {
			merged[segs[0]] = DirEntry{Name: segs[0], IsDir: true}
		}
	}

	switch {
	case !ok && len(nested) == 0 && !d.IsRoot():
		return nil, fmt.Errorf("%s: %w", d, ErrPathNotFound)
	case ok && missing && len(nested) == 0:
		return nil, fmt.Errorf("%s: %w", d, ErrPathNotFound)
	}

	out := make([]DirEntry, 0, len(merged))
	for _, de := range merged {
		out = append(out, de)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Move renames src to dst within a single mount. Endpoints resolving
// to different mounts fail with ErrCrossMount, as does moving a mount
// point itself or moving onto one; mount topology changes only through
// mount and unmount.
func (e *Evaluator) Move(ctx context.Context, src, dst fspath.Path) error {
	if src.IsDir() != dst.IsDir() {
		return fmt.Errorf("cannot move %s to %s: path kinds differ", src, dst)
	}
	if _, isMount := e.table.Lookup(src); isMount {
		return fmt.Errorf("%s is a mount point: %w", src, ErrCrossMount)
	}
	if _, isMount := e.table.Lookup(dst); isMount {
		return fmt.Errorf("%s is a mount point: %w", dst, ErrCrossMount)
	}
	entS, capS, relS, err := e.resolveBackend(src)
	if err != nil {
		return err
	}
	entD, _, relD, err := e.resolveBackend(dst)
	if err != nil {
		return err
	}
	if entS.view != nil || entD.view != nil {
		return fmt.Errorf("%s: %w", src, ErrReadOnly)
	}
	if entS != entD {
		return fmt.Errorf("%s and %s live on different mounts: %w", src, dst, ErrCrossMount)
	}
	if err := capS.Move(ctx, relS, relD); err != nil {
		return pathErr(src, err)
	}
	e.logger.Debug("moved", "src", src.String(), "dst", dst.String())
	return nil
}

// Query compiles text, resolves its FROM target against base, and
// executes it. A target owned by a backend is delegated to the backend
// with the FROM rewritten into its namespace; a view target runs in
// process against the evaluator with vars reaching the view.
func (e *Evaluator) Query(ctx context.Context, base fspath.Dir, text string, vars query.Vars) (query.Cursor, error) {
	q, err := query.Compile(text)
	if err != nil {
		return nil, err
	}
	target, err := q.ResolveFrom(base)
	if err != nil {
		return nil, err
	}
	ent, cap, rel, err := e.resolveBackend(target)
	if err != nil {
		return nil, err
	}
	if ent.view == nil {
		cur, err := cap.Query(ctx, q.Rewrite(rel.(fspath.File)), vars)
		if err != nil {
			return nil, pathErr(target, err)
		}
		return cur, nil
	}
	src := query.SourceFunc(func(ctx context.Context, f fspath.File) (query.Cursor, error) {
		return e.Read(ctx, f, vars)
	})
	return q.Run(ctx, src, base, vars)
}
