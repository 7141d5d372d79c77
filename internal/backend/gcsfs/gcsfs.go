// Package gcsfs stores files as objects in a Google Cloud Storage
// bucket, one object per file, mirroring the s3fs layout. A key prefix
// can root the mount inside a shared bucket.
package gcsfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// Kind is the registry name of this backend.
const Kind = "gcs"

func init() {
	backend.Register(Kind, Open)
}

// Open connects to a bucket. Params: "bucket" (required),
// "credentials_file" (service account JSON; ambient credentials when
// unset), "endpoint" (emulators such as fake-gcs-server; implies
// anonymous auth), "prefix" (key prefix rooting the mount inside the
// bucket). The bucket must be reachable at open time.
func Open(ctx context.Context, params backend.Params) (backend.Capability, error) {
	bucketName, err := params.Require("bucket")
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(params.Get("prefix", ""), "/")
	if prefix != "" {
		prefix += "/"
	}

	var opts []option.ClientOption
	if credFile := params.Get("credentials_file", ""); credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}
	if endpoint := params.Get("endpoint", ""); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("bucket %s unreachable: %w", bucketName, err)
	}

	logger := slog.Default().With("component", "gcsfs", "bucket", bucketName)
	logger.Info("bucket attached", "prefix", prefix)
	return &FS{client: client, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// FS serves one bucket, optionally below a key prefix.
type FS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	logger *slog.Logger
}

func (g *FS) key(p fspath.Path) string {
	return g.prefix + strings.TrimPrefix(p.String(), "/")
}

func (g *FS) getObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *FS) putObject(ctx context.Context, key string, data []byte) error {
	wc := g.bucket.Object(key).NewWriter(ctx)
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}

func (g *FS) Read(ctx context.Context, f fspath.File) (query.Cursor, error) {
	data, err := g.getObject(ctx, g.key(f))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", f, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("reading %s: %w", f, err)
	}
	return query.NewSliceCursor(backend.DecodeLoose(data)), nil
}

func (g *FS) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	data := backend.EncodeStorable(recs, &res)
	if err := g.putObject(ctx, g.key(f), data); err != nil {
		return backend.WriteResult{}, fmt.Errorf("writing %s: %w", f, err)
	}
	return res, nil
}

func (g *FS) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	data := backend.EncodeStorable(recs, &res)
	old, err := g.getObject(ctx, g.key(f))
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return backend.WriteResult{}, fmt.Errorf("appending to %s: %w", f, err)
	}
	if err := g.putObject(ctx, g.key(f), append(old, data...)); err != nil {
		return backend.WriteResult{}, fmt.Errorf("appending to %s: %w", f, err)
	}
	return res, nil
}

// keysWithPrefix walks the iterator for every key under prefix.
func (g *FS) keysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *FS) Delete(ctx context.Context, p fspath.Path) error {
	switch t := p.(type) {
	case fspath.File:
		err := g.bucket.Object(g.key(t)).Delete(ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		if err != nil {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
		return nil
	case fspath.Dir:
		keys, err := g.keysWithPrefix(ctx, g.key(t))
		if err != nil {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
		if len(keys) == 0 {
			if t.IsRoot() {
				return nil
			}
			return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		for _, k := range keys {
			if err := g.bucket.Object(k).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
				return fmt.Errorf("deleting %s: %w", p, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown path type %T", p)
	}
}

func (g *FS) List(ctx context.Context, d fspath.Dir) ([]backend.Entry, error) {
	dirKey := g.key(d)
	var entries []backend.Entry
	seen := make(map[string]bool)
	exists := d.IsRoot()
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: dirKey, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", d, err)
		}
		// Delimited listings yield synthetic entries carrying only
		// Prefix for each subdirectory.
		if attrs.Prefix != "" {
			exists = true
			name := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, dirKey), "/")
			if !seen[name] {
				seen[name] = true
				entries = append(entries, backend.Entry{Name: name, IsDir: true})
			}
			continue
		}
		if attrs.Name == dirKey {
			exists = true
			continue
		}
		exists = true
		name := strings.TrimPrefix(attrs.Name, dirKey)
		if !seen[name] {
			seen[name] = true
			entries = append(entries, backend.Entry{Name: name})
		}
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", d, fs.ErrNotExist)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (g *FS) moveObject(ctx context.Context, srcKey, dstKey string) error {
	src := g.bucket.Object(srcKey)
	if _, err := g.bucket.Object(dstKey).CopierFrom(src).Run(ctx); err != nil {
		return err
	}
	return src.Delete(ctx)
}

func (g *FS) Move(ctx context.Context, src, dst fspath.Path) error {
	switch t := src.(type) {
	case fspath.File:
		d, ok := dst.(fspath.File)
		if !ok {
			return fmt.Errorf("cannot move file %s onto directory %s", src, dst)
		}
		if err := g.moveObject(ctx, g.key(t), g.key(d)); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
			}
			return fmt.Errorf("moving %s: %w", src, err)
		}
		return nil
	case fspath.Dir:
		d, ok := dst.(fspath.Dir)
		if !ok {
			return fmt.Errorf("cannot move directory %s onto file %s", src, dst)
		}
		if t.Contains(d) {
			return fmt.Errorf("cannot move %s under itself", src)
		}
		srcPrefix, dstPrefix := g.key(t), g.key(d)
		keys, err := g.keysWithPrefix(ctx, srcPrefix)
		if err != nil {
			return fmt.Errorf("moving %s: %w", src, err)
		}
		if len(keys) == 0 {
			return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
		}
		for _, k := range keys {
			if err := g.moveObject(ctx, k, dstPrefix+strings.TrimPrefix(k, srcPrefix)); err != nil {
				return fmt.Errorf("moving %s: %w", src, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown path type %T", src)
	}
}

func (g *FS) Query(ctx context.Context, text string, vars query.Vars) (query.Cursor, error) {
	return backend.QueryViaRead(ctx, query.SourceFunc(g.Read), text, vars)
}

func (g *FS) Close() error {
	return g.client.Close()
}
