package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/handle"
	"github.com/Serhiy91/quasar/internal/query"
)

// Snapshot is one published state of the namespace: an immutable table
// and the evaluator resolving against it. Readers grab a snapshot once
// and use it for the whole operation; concurrent mounts and unmounts
// never disturb it.
type Snapshot struct {
	Table   *Table
	Eval    *Evaluator
	Version int64
}

// Manager owns the mount table. Mutations are serialized under one
// mutex and publish a fresh snapshot atomically; reads are lock-free.
type Manager struct {
	reg     *backend.Registry
	store   Store // nil disables persistence
	logger  *slog.Logger
	handles *handle.Table

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

func NewManager(reg *backend.Registry, store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		reg:     reg,
		store:   store,
		logger:  logger.With("component", "mounts"),
		handles: handle.NewTable(logger),
	}
	table := NewTable()
	m.snap.Store(&Snapshot{Table: table, Eval: newEvaluator(table, logger), Version: 0})
	return m
}

// Snapshot returns the current published state.
func (m *Manager) Snapshot() *Snapshot { return m.snap.Load() }

// Eval returns the evaluator of the current snapshot.
func (m *Manager) Eval() *Evaluator { return m.snap.Load().Eval }

// Handles returns the result handle table.
func (m *Manager) Handles() *handle.Table { return m.handles }

// publish swaps in a new table; callers hold m.mu.
func (m *Manager) publish(table *Table) {
	cur := m.snap.Load()
	m.snap.Store(&Snapshot{
		Table:   table,
		Eval:    newEvaluator(table, m.logger),
		Version: cur.Version + 1,
	})
}

// Mount attaches cfg at p. View configs attach to file paths, backend
// configs to directory paths. The backend is opened before the table
// changes: a failed connect leaves the namespace exactly as it was.
func (m *Manager) Mount(ctx context.Context, p fspath.Path, cfg Config) error {
	return m.mount(ctx, p, cfg, true)
}

func (m *Manager) mount(ctx context.Context, p fspath.Path, cfg Config, persist bool) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("mount %s: %w: %w", p, ErrInvalidMount, err)
	}
	if cfg.IsView() && p.IsDir() {
		return fmt.Errorf("mount %s: %w: view mounts attach to file paths", p, ErrInvalidMount)
	}
	if !cfg.IsView() && !p.IsDir() {
		return fmt.Errorf("mount %s: %w: backend mounts attach to directory paths", p, ErrInvalidMount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	if _, taken := cur.Table.Lookup(p); taken {
		return fmt.Errorf("%s: %w", p, ErrMountExists)
	}

	ent := &Entry{Path: p, Config: cfg}
	if cfg.IsView() {
		q, err := query.Compile(cfg.View.Query)
		if err != nil {
			return fmt.Errorf("mount %s: %w", p, err)
		}
		ent.view = &viewMount{query: q, defaults: cfg.View.DefaultVars}
	} else {
		cap, err := m.reg.Open(ctx, cfg.Backend.Kind, cfg.Backend.Params)
		if err != nil {
			if errors.Is(err, backend.ErrUnknownKind) {
				return fmt.Errorf("mount %s: %w", p, err)
			}
			return fmt.Errorf("mount %s (%s): %w: %w", p, cfg.Backend.Kind, ErrBackendConnect, err)
		}
		ent.live = newLiveBackend(cfg.Backend.Kind, cap)
	}

	next, err := cur.Table.With(ent)
	if err != nil {
		if ent.live != nil {
			ent.live.release()
		}
		return err
	}
	if persist && m.store != nil {
		if err := m.store.Save(p, cfg); err != nil {
			if ent.live != nil {
				ent.live.release()
			}
			return fmt.Errorf("persisting mount %s: %w", p, err)
		}
	}
	m.publish(next)
	m.logger.Info("mounted", "path", p.String(), "kind", cfg.Kind())
	return nil
}

// Unmount detaches the mount at p and releases its backend. A failing
// release does not undo the unmount; it comes back as the warn value.
func (m *Manager) Unmount(ctx context.Context, p fspath.Path) (warn error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	next, ent, err := cur.Table.Without(p)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.Delete(p); err != nil {
			return nil, fmt.Errorf("unpersisting mount %s: %w", p, err)
		}
	}
	if ent.live != nil {
		if cerr := ent.live.release(); cerr != nil {
			warn = fmt.Errorf("releasing backend for %s: %w", p, cerr)
			m.logger.Warn("backend release failed", "path", p.String(), "error", cerr)
		}
	}
	m.publish(next)
	m.logger.Info("unmounted", "path", p.String(), "kind", ent.Kind())
	return warn, nil
}

// Restore replays the persisted mounts. Entries that fail to come back
// (unreachable backends, typically) are logged and skipped so one bad
// mount does not keep the namespace down.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stored, err := m.store.Load()
	if err != nil {
		return 0, fmt.Errorf("loading mounts: %w", err)
	}
	restored := 0
	for _, sm := range stored {
		if err := m.mount(ctx, sm.Path, sm.Config, false); err != nil {
			m.logger.Warn("skipping persisted mount", "path", sm.Path.String(), "error", err)
			continue
		}
		restored++
	}
	m.logger.Info("mounts restored", "restored", restored, "stored", len(stored))
	return restored, nil
}

// OpenQuery executes text and parks the cursor behind a handle for
// paged consumption.
func (m *Manager) OpenQuery(ctx context.Context, base fspath.Dir, text string, vars query.Vars) (handle.ID, error) {
	cur, err := m.Eval().Query(ctx, base, text, vars)
	if err != nil {
		return 0, err
	}
	return m.handles.Open(text, cur), nil
}

// More pulls the next page from an open handle.
func (m *Manager) More(ctx context.Context, id handle.ID, max int) ([]query.Record, bool, error) {
	return m.handles.More(ctx, id, max)
}

// CloseHandle releases a handle; unknown handles are ignored.
func (m *Manager) CloseHandle(id handle.ID) {
	m.handles.Close(id)
}

// Close drains handles, releases every backend concurrently, and
// closes the store. The manager publishes an empty namespace first so
// late readers fail cleanly instead of hitting closed backends.
func (m *Manager) Close(ctx context.Context) error {
	m.handles.CloseAll()

	m.mu.Lock()
	cur := m.snap.Load()
	m.publish(NewTable())
	m.mu.Unlock()

	var g errgroup.Group
	for _, ent := range cur.Table.Entries() {
		if ent.live == nil {
			continue
		}
		ent := ent
		g.Go(func() error {
			if err := ent.live.release(); err != nil {
				return fmt.Errorf("releasing %s: %w", ent.Path, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if m.store != nil {
		err = errors.Join(err, m.store.Close())
	}
	m.logger.Info("mount manager closed", "released", cur.Table.Len())
	return err
}
