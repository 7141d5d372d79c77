// Package searchfs keeps records in a Bluge full-text index. Every
// record is one indexed document: scalar fields are searchable, the
// raw JSON rides along as a stored field, and a keyword field named
// collection ties the document to its file path. A file exists while
// at least one of its records is indexed.
package searchfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/blugelabs/bluge"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// Kind is the registry name of this backend.
const Kind = "search"

func init() {
	backend.Register(Kind, Open)
}

// Open creates or reopens an index. Params: "dir" names the index
// directory; when unset the index lives in memory and vanishes with
// the process.
func Open(ctx context.Context, params backend.Params) (backend.Capability, error) {
	dir := params.Get("dir", "")
	cfg := bluge.InMemoryOnlyConfig()
	if dir != "" {
		cfg = bluge.DefaultConfig(dir)
	}
	writer, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	s := &FS{
		writer: writer,
		logger: slog.Default().With("component", "searchfs", "dir", dir),
	}
	if err := s.seedSeq(ctx); err != nil {
		writer.Close()
		return nil, err
	}
	s.logger.Info("index opened", "next_seq", s.seq)
	return s, nil
}

// FS is a Bluge-backed record store.
type FS struct {
	mu     sync.Mutex // serializes mutations and the seq counter
	writer *bluge.Writer
	seq    int64
	logger *slog.Logger
}

// padSeq renders insertion order as a fixed-width keyword so that
// lexicographic term order equals numeric order.
func padSeq(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

func docID(path string, seq int64) string {
	return path + "#" + padSeq(seq)
}

// seedSeq restores the insertion counter from the highest stored seq,
// so reopened indexes keep appending in order.
func (s *FS) seedSeq(ctx context.Context) error {
	hits, err := s.matches(ctx, bluge.NewAllMatches(bluge.NewMatchAllQuery()))
	if err != nil {
		return fmt.Errorf("scanning index: %w", err)
	}
	for _, h := range hits {
		if h.seq >= s.seq {
			s.seq = h.seq + 1
		}
	}
	return nil
}

// indexDoc builds the document for one record. Scalar fields become
// searchable; the raw JSON is stored whole for reads.
func indexDoc(path string, seq int64, rec query.Record, raw []byte) *bluge.Document {
	doc := bluge.NewDocument(docID(path, seq))
	doc.AddField(bluge.NewKeywordField("collection", path).StoreValue())
	doc.AddField(bluge.NewKeywordField("seq", padSeq(seq)).StoreValue())
	doc.AddField(bluge.NewStoredOnlyField("raw", raw))
	for k, v := range rec {
		switch t := v.(type) {
		case string:
			doc.AddField(bluge.NewTextField(k, t))
		case float64:
			doc.AddField(bluge.NewNumericField(k, t))
		case bool:
			doc.AddField(bluge.NewKeywordField(k, strconv.FormatBool(t)))
		}
	}
	return doc
}

type hit struct {
	id         string
	collection string
	seq        int64
	raw        []byte
}

// matches runs req and collects the stored fields of every match,
// ordered by insertion.
func (s *FS) matches(ctx context.Context, req bluge.SearchRequest) ([]hit, error) {
	reader, err := s.writer.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	dmi, err := reader.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	var hits []hit
	for {
		match, err := dmi.Next()
		if err != nil {
			return nil, err
		}
		if match == nil {
			break
		}
		var h hit
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "_id":
				h.id = string(value)
			case "collection":
				h.collection = string(value)
			case "seq":
				h.seq, _ = strconv.ParseInt(string(value), 10, 64)
			case "raw":
				h.raw = append([]byte(nil), value...)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	return hits, nil
}

func collectionQuery(path string) bluge.SearchRequest {
	return bluge.NewAllMatches(bluge.NewTermQuery(path).SetField("collection"))
}

func prefixQuery(prefix string) bluge.SearchRequest {
	return bluge.NewAllMatches(bluge.NewPrefixQuery(prefix).SetField("collection"))
}

func (s *FS) Read(ctx context.Context, f fspath.File) (query.Cursor, error) {
	hits, err := s.matches(ctx, collectionQuery(f.String()))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("%s: %w", f, fs.ErrNotExist)
	}
	recs := make([]query.Record, 0, len(hits))
	for _, h := range hits {
		var rec query.Record
		if err := json.Unmarshal(h.raw, &rec); err != nil {
			return nil, fmt.Errorf("%s: corrupt stored record: %w", f, err)
		}
		recs = append(recs, rec)
	}
	return query.NewSliceCursor(recs), nil
}

// insert adds records to batch, reporting unmarshalable ones in res.
func (s *FS) insert(batch *bluge.Batch, path string, recs []query.Record, res *backend.WriteResult) {
	for i, rec := range recs {
		raw, err := json.Marshal(rec)
		if err != nil {
			res.Fail(i, err)
			continue
		}
		seq := s.seq
		s.seq++
		doc := indexDoc(path, seq, rec, raw)
		batch.Update(doc.ID(), doc)
		res.Stored++
	}
}

func (s *FS) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, err := s.matches(ctx, collectionQuery(f.String()))
	if err != nil {
		return backend.WriteResult{}, err
	}
	var res backend.WriteResult
	batch := bluge.NewBatch()
	for _, h := range old {
		batch.Delete(bluge.Identifier(h.id))
	}
	s.insert(batch, f.String(), recs, &res)
	if err := s.writer.Batch(batch); err != nil {
		return backend.WriteResult{}, err
	}
	return res, nil
}

func (s *FS) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res backend.WriteResult
	batch := bluge.NewBatch()
	s.insert(batch, f.String(), recs, &res)
	if err := s.writer.Batch(batch); err != nil {
		return backend.WriteResult{}, err
	}
	return res, nil
}

func (s *FS) Delete(ctx context.Context, p fspath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []hit
	var err error
	switch t := p.(type) {
	case fspath.File:
		hits, err = s.matches(ctx, collectionQuery(t.String()))
	case fspath.Dir:
		hits, err = s.matches(ctx, prefixQuery(t.String()))
	default:
		return fmt.Errorf("unknown path type %T", p)
	}
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		if d, ok := p.(fspath.Dir); ok && d.IsRoot() {
			return nil
		}
		return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}
	batch := bluge.NewBatch()
	for _, h := range hits {
		batch.Delete(bluge.Identifier(h.id))
	}
	return s.writer.Batch(batch)
}

func (s *FS) List(ctx context.Context, d fspath.Dir) ([]backend.Entry, error) {
	prefix := d.String()
	hits, err := s.matches(ctx, prefixQuery(prefix))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var entries []backend.Entry
	exists := d.IsRoot()
	for _, h := range hits {
		exists = true
		rest := strings.TrimPrefix(h.collection, prefix)
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
	if !exists {
		return nil, fmt.Errorf("%s: %w", d, fs.ErrNotExist)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// relocate reindexes hits under a new collection path, keeping ids
// stable per seq so the operation is idempotent within one batch.
func (s *FS) relocate(batch *bluge.Batch, hits []hit, rename func(string) string) error {
	for _, h := range hits {
		var rec query.Record
		if err := json.Unmarshal(h.raw, &rec); err != nil {
			return fmt.Errorf("corrupt stored record %s: %w", h.id, err)
		}
		batch.Delete(bluge.Identifier(h.id))
		doc := indexDoc(rename(h.collection), h.seq, rec, h.raw)
		batch.Update(doc.ID(), doc)
	}
	return nil
}

func (s *FS) Move(ctx context.Context, src, dst fspath.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch t := src.(type) {
	case fspath.File:
		d, ok := dst.(fspath.File)
		if !ok {
			return fmt.Errorf("cannot move file %s onto directory %s", src, dst)
		}
		hits, err := s.matches(ctx, collectionQuery(t.String()))
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
		}
		batch := bluge.NewBatch()
		if err := s.relocate(batch, hits, func(string) string { return d.String() }); err != nil {
			return err
		}
		return s.writer.Batch(batch)
	case fspath.Dir:
		d, ok := dst.(fspath.Dir)
		if !ok {
			return fmt.Errorf("cannot move directory %s onto file %s", src, dst)
		}
		if t.Contains(d) {
			return fmt.Errorf("cannot move %s under itself", src)
		}
		hits, err := s.matches(ctx, prefixQuery(t.String()))
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			return fmt.Errorf("%s: %w", src, fs.ErrNotExist)
		}
		srcPrefix, dstPrefix := t.String(), d.String()
		batch := bluge.NewBatch()
		err = s.relocate(batch, hits, func(collection string) string {
			return dstPrefix + strings.TrimPrefix(collection, srcPrefix)
		})
		if err != nil {
			return err
		}
		return s.writer.Batch(batch)
	default:
		return fmt.Errorf("unknown path type %T", src)
	}
}

func (s *FS) Query(ctx context.Context, text string, vars query.Vars) (query.Cursor, error) {
	return backend.QueryViaRead(ctx, query.SourceFunc(s.Read), text, vars)
}

func (s *FS) Close() error {
	s.logger.Info("closing index")
	return s.writer.Close()
}
