package mount

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Serhiy91/quasar/internal/backend"
)

// liveBackend wraps an open capability with a released flag. Snapshots
// taken before an unmount may still hold the entry; once released,
// every acquisition fails with ErrBackendUnavailable instead of
// touching a closed connection.
type liveBackend struct {
	kind     string
	cap      backend.Capability
	released atomic.Bool
	once     sync.Once
	closeErr error
}

func newLiveBackend(kind string, cap backend.Capability) *liveBackend {
	return &liveBackend{kind: kind, cap: cap}
}

// get returns the capability while the backend is attached.
func (l *liveBackend) get() (backend.Capability, error) {
	if l.released.Load() {
		return nil, fmt.Errorf("backend %q: %w", l.kind, ErrBackendUnavailable)
	}
	return l.cap, nil
}

// release detaches and closes the backend. Idempotent; every call
// reports the close error of the first.
func (l *liveBackend) release() error {
	l.released.Store(true)
	l.once.Do(func() {
		l.closeErr = l.cap.Close()
	})
	return l.closeErr
}
