package mount

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nutsdb/nutsdb"

	"github.com/Serhiy91/quasar/internal/fspath"
)

const mountBucket = "mounts"

// Store persists the mount table as (path, config) rows. The manager
// writes through on every successful mount and unmount and replays the
// rows at startup.
type Store interface {
	Load() ([]StoredMount, error)
	Save(p fspath.Path, cfg Config) error
	Delete(p fspath.Path) error
	Close() error
}

// StoredMount is one persisted row.
type StoredMount struct {
	Path   fspath.Path
	Config Config
}

// NutsStore keeps mount rows in a NutsDB bucket, keyed by the path's
// canonical rendering; the trailing slash distinguishes directory
// mounts from view files on load.
type NutsStore struct {
	db     *nutsdb.DB
	logger *slog.Logger
}

// OpenNutsStore opens (or creates) the store under dir.
func OpenNutsStore(dir string, logger *slog.Logger) (*NutsStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mountstore")

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(8*1024*1024),
		nutsdb.WithEntryIdxMode(nutsdb.HintKeyAndRAMIdxMode),
		nutsdb.WithRWMode(nutsdb.MMap),
	)
	if err != nil {
		logger.Error("failed to open mount store", "dir", dir, "error", err)
		return nil, err
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.NewBucket(nutsdb.DataStructureBTree, mountBucket); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to create mount bucket", "error", err)
		db.Close()
		return nil, err
	}

	logger.Info("mount store opened", "dir", dir)
	return &NutsStore{db: db, logger: logger}, nil
}

func (s *NutsStore) Load() ([]StoredMount, error) {
	var out []StoredMount
	err := s.db.View(func(tx *nutsdb.Tx) error {
		keys, values, err := tx.GetAll(mountBucket)
		if err != nil && err != nutsdb.ErrBucketNotFound && err != nutsdb.ErrBucketEmpty {
			return err
		}
		for i, key := range keys {
			p, perr := fspath.Parse(string(key))
			if perr != nil {
				s.logger.Warn("skipping corrupt mount row", "key", string(key), "error", perr)
				continue
			}
			var cfg Config
			if jerr := json.Unmarshal(values[i], &cfg); jerr != nil {
				s.logger.Warn("skipping corrupt mount row", "key", string(key), "error", jerr)
				continue
			}
			out = append(out, StoredMount{Path: p, Config: cfg})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *NutsStore) Save(p fspath.Path, cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding mount config: %w", err)
	}
	err = s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(mountBucket, []byte(p.String()), data, 0)
	})
	if err != nil {
		s.logger.Warn("failed to persist mount", "path", p.String(), "error", err)
		return err
	}
	s.logger.Debug("persisted mount", "path", p.String())
	return nil
}

func (s *NutsStore) Delete(p fspath.Path) error {
	err := s.db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.Delete(mountBucket, []byte(p.String())); err != nil && err != nutsdb.ErrKeyNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to unpersist mount", "path", p.String(), "error", err)
		return err
	}
	s.logger.Debug("unpersisted mount", "path", p.String())
	return nil
}

func (s *NutsStore) Close() error {
	s.logger.Info("closing mount store")
	return s.db.Close()
}
