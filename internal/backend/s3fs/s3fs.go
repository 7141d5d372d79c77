// Package s3fs stores files as S3 objects, one object per file. A key
// prefix can root the mount inside a shared bucket. Directories are
// S3's usual fiction: they exist exactly while objects live under them.
package s3fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// Kind is the registry name of this backend.
const Kind = "s3"

func init() {
	backend.Register(Kind, Open)
}

// Open connects to a bucket. Params: "bucket" (required), "region"
// (default "us-east-1"), "access_key"/"secret_key" (static credentials;
// the default provider chain when unset), "endpoint" (non-AWS stores
// like MinIO; implies path-style addressing), "prefix" (key prefix
// rooting the mount inside the bucket). The bucket must be reachable at
// open time.
func Open(ctx context.Context, params backend.Params) (backend.Capability, error) {
	bucket, err := params.Require("bucket")
	if err != nil {
		return nil, err
	}
	region := params.Get("region", "us-east-1")
	accessKey := params.Get("access_key", "")
	secretKey := params.Get("secret_key", "")
	endpoint := params.Get("endpoint", "")
	prefix := strings.Trim(params.Get("prefix", ""), "/")
	if prefix != "" {
		prefix += "/"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("bucket %s unreachable: %w", bucket, err)
	}

	logger := slog.Default().With("component", "s3fs", "bucket", bucket)
	logger.Info("bucket attached", "prefix", prefix)
	return &FS{client: client, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// FS serves one bucket, optionally below a key prefix.
type FS struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

func (s *FS) key(p fspath.Path) string {
	return s.prefix + strings.TrimPrefix(p.String(), "/")
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *FS) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *FS) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *FS) Read(ctx context.Context, f fspath.File) (query.Cursor, error) {
	data, err := s.getObject(ctx, s.key(f))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %w", f, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("reading %s: %w", f, err)
	}
	return query.NewSliceCursor(backend.DecodeLoose(data)), nil
}

func (s *FS) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	data := backend.EncodeStorable(recs, &res)
	if err := s.putObject(ctx, s.key(f), data); err != nil {
		return backend.WriteResult{}, fmt.Errorf("writing %s: %w", f, err)
	}
	return res, nil
}

func (s *FS) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	data := backend.EncodeStorable(recs, &res)
	old, err := s.getObject(ctx, s.key(f))
	if err != nil && !isNoSuchKey(err) {
		return backend.WriteResult{}, fmt.Errorf("appending to %s: %w", f, err)
	}
	if err := s.putObject(ctx, s.key(f), append(old, data...)); err != nil {
		return backend.WriteResult{}, fmt.Errorf("appending to %s: %w", f, err)
	}
	return res, nil
}

// listPrefix pages through every key under prefix.
func (s *FS) listPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuationToken *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range resp.Contents {
			keys = append(keys, *obj.Key)
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuationToken = resp.NextContinuationToken
	}
	return keys, nil
}

func (s *FS) Delete(ctx context.Context, p fspath.Path) error {
	switch t := p.(type) {
	case fspath.File:
		key := s.key(t)
		// S3 deletes of absent keys succeed silently, so probe first.
		if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			if isNoSuchKey(err) {
				return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
			}
			return fmt.Errorf("deleting %s: %w", p, err)
		}
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
		return nil
	case fspath.Dir:
		keys, err := s.listPrefix(ctx, s.key(t))
		if err != nil {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
		if len(keys) == 0 {
			if t.IsRoot() {
				return nil
			}
			return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		objects := make([]s3types.ObjectIdentifier, len(keys))
		for i, k := range keys {
			objects[i] = s3types.ObjectIdentifier{Key: aws.String(k)}
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("deleting %s: %w", p, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown path type %T", p)
	}
}

func (s *FS) List(ctx context.Context, d fspath.Dir) ([]backend.Entry, error) {
	dirKey := s.key(d)
	var entries []backend.Entry
	seen := make(map[string]bool)
	exists := d.IsRoot()
	var continuationToken *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(dirKey),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", d, err)
		}
		for _, obj := range resp.Contents {
			if *obj.Key == dirKey {
				// placeholder object some tools create for the
				// directory itself
				exists = true
				continue
			}
			exists = true
			name := strings.TrimPrefix(*obj.Key, dirKey)
			if !seen[name] {
				seen[name] = true
				entries = append(entries, backend.Entry{Name: name})
			}
		}
		for _, cp := range resp.CommonPrefixes {
			exists = true
			name := strings.TrimSuffix(strings.TrimPrefix(*cp.Prefix, dirKey), "/")
			if !seen[name] {
				seen[name] = true
				entries = append(entries, backend.Entry{Name: name, IsDir: true})
			}
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuationToken = resp.NextContinuationToken
	}
	if !exists {
		return nil, fmt.Errorf("%s: %w", d, fs.ErrNotExist)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *FS) moveObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(fmt.Sprintf("%s/%s", s.bucket, srcKey)),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(srcKey),
	})
	return err
}

func (s *FS) Move(ctx context.Context, src, dst fspath.Path) error {
	switch t := src.(type) {
	case fspath.File:
		d, ok := dst.(fspath.File)
		if !ok {
			return fmt.Errorf("cannot move file %s onto directory %s", src, dst)
		}
		if err := s.moveObject(ctx, s.key(t), s.key(d)); err != nil {
			if isNoSuchKey(err) {
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
		srcPrefix, dstPrefix := s.key(t), s.key(d)
		keys, err := s.listPrefix(ctx, srcPrefix)
		if err != nil {
			return fmt.Errorf("moving %s: %w", src, err)
		}
		if len(keys) == 0 {
			return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
		}
		for _, k := range keys {
			if err := s.moveObject(ctx, k, dstPrefix+strings.TrimPrefix(k, srcPrefix)); err != nil {
				return fmt.Errorf("moving %s: %w", src, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown path type %T", src)
	}
}

func (s *FS) Query(ctx context.Context, text string, vars query.Vars) (query.Cursor, error) {
	return backend.QueryViaRead(ctx, query.SourceFunc(s.Read), text, vars)
}

func (s *FS) Close() error { return nil }
