// Package nutsfs provides a durable local backend on top of NutsDB.
// Each file is one key in a BTree bucket, holding the file's records as
// newline-delimited JSON; directories are implicit prefixes of the keys
// beneath them.
package nutsfs

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/nutsdb/nutsdb"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// Kind is the registry name of this backend.
const Kind = "local"

const defaultBucket = "records"

func init() {
	backend.Register(Kind, Open)
}

// Open connects a NutsDB-backed store. Params: "dir" (required) names
// the database directory, "bucket" overrides the record bucket name.
func Open(ctx context.Context, params backend.Params) (backend.Capability, error) {
	dir, err := params.Require("dir")
	if err != nil {
		return nil, err
	}
	bucket := params.Get("bucket", defaultBucket)
	logger := slog.Default().With("component", "nutsfs", "dir", dir)

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(8*1024*1024),
		nutsdb.WithEntryIdxMode(nutsdb.HintKeyAndRAMIdxMode),
		nutsdb.WithRWMode(nutsdb.MMap),
	)
	if err != nil {
		logger.Error("failed to open record database", "error", err)
		return nil, err
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.NewBucket(nutsdb.DataStructureBTree, bucket); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to create record bucket", "bucket", bucket, "error", err)
		db.Close()
		return nil, err
	}

	logger.Info("record database opened", "bucket", bucket)
	return &FS{db: db, bucket: bucket, logger: logger}, nil
}

// FS is a NutsDB-backed record store.
type FS struct {
	db     *nutsdb.DB
	bucket string
	logger *slog.Logger
}

// keysWithPrefix scans the bucket for keys under prefix within tx.
func (n *FS) keysWithPrefix(tx *nutsdb.Tx, prefix string) ([][]byte, error) {
	keys, _, err := tx.PrefixScanEntries(n.bucket, []byte(prefix), "", 0, -1, true, false)
	if err != nil && err != nutsdb.ErrBucketNotFound && err != nutsdb.ErrPrefixScan {
		return nil, err
	}
	return keys, nil
}

func (n *FS) Read(ctx context.Context, f fspath.File) (query.Cursor, error) {
	var data []byte
	err := n.db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(n.bucket, []byte(f.String()))
		if err != nil {
			return err
		}
		data = val
		return nil
	})
	if err != nil {
		if err == nutsdb.ErrKeyNotFound {
			return nil, fmt.Errorf("%s: %w", f, fs.ErrNotExist)
		}
		return nil, err
	}
	recs, err := backend.DecodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f, err)
	}
	return query.NewSliceCursor(recs), nil
}

func (n *FS) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	data := backend.EncodeStorable(recs, &res)
	err := n.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(n.bucket, []byte(f.String()), data, 0)
	})
	if err != nil {
		return backend.WriteResult{}, err
	}
	return res, nil
}

func (n *FS) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	data := backend.EncodeStorable(recs, &res)
	err := n.db.Update(func(tx *nutsdb.Tx) error {
		old, err := tx.Get(n.bucket, []byte(f.String()))
		if err != nil && err != nutsdb.ErrKeyNotFound {
			return err
		}
		// Values are always NDJSON, so appending is byte concatenation.
		return tx.Put(n.bucket, []byte(f.String()), append(old, data...), 0)
	})
	if err != nil {
		return backend.WriteResult{}, err
	}
	return res, nil
}

func (n *FS) Delete(ctx context.Context, p fspath.Path) error {
	switch t := p.(type) {
	case fspath.File:
		err := n.db.Update(func(tx *nutsdb.Tx) error {
			return tx.Delete(n.bucket, []byte(t.String()))
		})
		if err == nutsdb.ErrKeyNotFound {
			return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		return err
	case fspath.Dir:
		return n.db.Update(func(tx *nutsdb.Tx) error {
			keys, err := n.keysWithPrefix(tx, t.String())
			if err != nil {
				return err
			}
			if len(keys) == 0 && !t.IsRoot() {
				return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
			}
			for _, key := range keys {
				if err := tx.Delete(n.bucket, key); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return fmt.Errorf("unknown path type %T", p)
	}
}

func (n *FS) List(ctx context.Context, d fspath.Dir) ([]backend.Entry, error) {
	prefix := d.String()
	seen := make(map[string]bool)
	var entries []backend.Entry
	exists := d.IsRoot()
	err := n.db.View(func(tx *nutsdb.Tx) error {
		keys, err := n.keysWithPrefix(tx, prefix)
		if err != nil {
			return err
		}
		for _, key := range keys {
			exists = true
			rest := strings.TrimPrefix(string(key), prefix)
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				name := rest[:idx]
				if !seen[name] {
					seen[name] = true
					entries = append(entries, backend.Entry{Name: name, IsDir: true})
				}
			} else if !seen[rest] {
				seen[rest] = true
				entries = append(entries, backend.Entry{Name: rest})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", d, fs.ErrNotExist)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (n *FS) Move(ctx context.Context, src, dst fspath.Path) error {
	switch s := src.(type) {
	case fspath.File:
		d, ok := dst.(fspath.File)
		if !ok {
			return fmt.Errorf("cannot move file %s onto directory %s", src, dst)
		}
		err := n.db.Update(func(tx *nutsdb.Tx) error {
			val, err := tx.Get(n.bucket, []byte(s.String()))
			if err != nil {
				return err
			}
			if err := tx.Delete(n.bucket, []byte(s.String())); err != nil {
				return err
			}
			return tx.Put(n.bucket, []byte(d.String()), val, 0)
		})
		if err == nutsdb.ErrKeyNotFound {
			return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
		}
		return err
	case fspath.Dir:
		d, ok := dst.(fspath.Dir)
		if !ok {
			return fmt.Errorf("cannot move directory %s onto file %s", src, dst)
		}
		if s.Contains(d) {
			return fmt.Errorf("cannot move %s under itself", src)
		}
		srcPrefix, dstPrefix := s.String(), d.String()
		return n.db.Update(func(tx *nutsdb.Tx) error {
			keys, err := n.keysWithPrefix(tx, srcPrefix)
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
			}
			for _, key := range keys {
				val, err := tx.Get(n.bucket, key)
				if err != nil {
					return err
				}
				if err := tx.Delete(n.bucket, key); err != nil {
					return err
				}
				newKey := dstPrefix + strings.TrimPrefix(string(key), srcPrefix)
				if err := tx.Put(n.bucket, []byte(newKey), val, 0); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return fmt.Errorf("unknown path type %T", src)
	}
}

func (n *FS) Query(ctx context.Context, text string, vars query.Vars) (query.Cursor, error) {
	return backend.QueryViaRead(ctx, query.SourceFunc(n.Read), text, vars)
}

func (n *FS) Close() error {
	n.logger.Info("closing record database")
	return n.db.Close()
}
