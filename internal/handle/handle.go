// Package handle tracks open query cursors on behalf of clients that
// page through results across multiple calls. Handles are plain
// integers: allocated once, never reused within a process.
package handle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Serhiy91/quasar/internal/query"
)

// ErrUnknownHandle reports an id that was never allocated or has
// already been closed or drained.
var ErrUnknownHandle = errors.New("unknown result handle")

// DefaultPageSize is used when More is asked for a non-positive count.
const DefaultPageSize = 100

// ID names one open result stream.
type ID int64

// Table owns the live handles. Each handle has a single logical
// consumer, but Close may race an in-flight More: Close never waits
// for a pull to finish, it closes the cursor out from under it, which
// the Cursor contract permits.
type Table struct {
	mu     sync.Mutex
	next   ID
	open   map[ID]*entry
	logger *slog.Logger
}

type entry struct {
	mu     sync.Mutex // serializes More batches on this handle
	id     ID
	origin string
	cur    query.Cursor
	closed atomic.Bool
	once   sync.Once
}

// release closes the cursor exactly once. Safe without e.mu.
func (e *entry) release(logger *slog.Logger) {
	e.closed.Store(true)
	e.once.Do(func() {
		if err := e.cur.Close(); err != nil {
			logger.Warn("closing cursor", "handle", int64(e.id), "error", err)
		}
		logger.Debug("handle closed", "handle", int64(e.id), "origin", e.origin)
	})
}

func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		open:   make(map[ID]*entry),
		logger: logger.With("component", "handles"),
	}
}

// Open registers cur and returns its handle. The origin string is
// carried for logging only.
func (t *Table) Open(origin string, cur query.Cursor) ID {
	t.mu.Lock()
	t.next++
	id := t.next
	t.open[id] = &entry{id: id, origin: origin, cur: cur}
	t.mu.Unlock()
	t.logger.Debug("handle opened", "handle", int64(id), "origin", origin)
	return id
}

// More pulls up to max records from the handle's cursor. done reports
// that the stream is finished; a drained or failed handle is removed,
// so a later call returns ErrUnknownHandle. A non-positive max asks
// for DefaultPageSize records.
func (t *Table) More(ctx context.Context, id ID, max int) (recs []query.Record, done bool, err error) {
	if max <= 0 {
		max = DefaultPageSize
	}
	t.mu.Lock()
	e, ok := t.open[id]
	t.mu.Unlock()
	if !ok {
		return nil, false, ErrUnknownHandle
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, false, ErrUnknownHandle
	}
	for len(recs) < max {
		rec, nerr := e.cur.Next(ctx)
		if e.closed.Load() {
			// raced a Close; whatever Next returned is moot
			return recs, true, nil
		}
		if errors.Is(nerr, io.EOF) {
			t.retire(e)
			return recs, true, nil
		}
		if nerr != nil {
			t.retire(e)
			return recs, false, nerr
		}
		recs = append(recs, rec)
	}
	return recs, false, nil
}

// retire removes e from the table and releases its cursor.
func (t *Table) retire(e *entry) {
	t.mu.Lock()
	delete(t.open, e.id)
	t.mu.Unlock()
	e.release(t.logger)
}

// Close releases the handle. Closing an unknown or already-closed
// handle is a no-op. Close does not wait for an in-flight More; it
// closes the cursor immediately, which unblocks any pending pull.
func (t *Table) Close(id ID) {
	t.mu.Lock()
	e, ok := t.open[id]
	if ok {
		delete(t.open, id)
	}
	t.mu.Unlock()
	if ok {
		e.release(t.logger)
	}
}

// CloseAll releases every open handle.
func (t *Table) CloseAll() {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.open))
	for _, e := range t.open {
		entries = append(entries, e)
	}
	t.open = make(map[ID]*entry)
	t.mu.Unlock()
	for _, e := range entries {
		e.release(t.logger)
	}
}

// Count returns the number of open handles.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
