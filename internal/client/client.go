// Package client is a Go client for the quasar HTTP API. It speaks the
// same JSON shapes the server does, so records, mount configs and write
// results round-trip through it unchanged.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Serhiy91/quasar/internal/api"
	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/mount"
	"github.com/Serhiy91/quasar/internal/query"
)

// APIError is a non-2xx server response. Status carries the HTTP code,
// Message the error body the server sent with it.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is a server response with the given
// HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return IsStatus(err, http.StatusNotFound) }

// Client talks to one quasar server.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the underlying HTTP client, typically to set
// timeouts or to point at a test server.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client for the server at base. A bare host:port is
// taken as plain HTTP.
func New(base string, opts ...Option) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := &Client{
		base:   strings.TrimSuffix(base, "/"),
		http:   http.DefaultClient,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client", "server", c.base)
	return c
}

// do issues one request and fails on any non-2xx response. The caller
// owns the response body on success.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	target := c.base + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		var msg struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &msg) == nil && msg.Error != "" {
			apiErr.Message = msg.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return resp, nil
}

// decodeInto drains one JSON response body into v.
func decodeInto(resp *http.Response, v any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

// decodeStream drains an NDJSON record stream.
func decodeStream(resp *http.Response) ([]query.Record, error) {
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	var recs []query.Record
	for {
		var rec query.Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return recs, nil
			}
			return recs, fmt.Errorf("decode record stream: %w", err)
		}
		recs = append(recs, rec)
	}
}

func varParams(vars query.Vars) url.Values {
	params := url.Values{}
	for k, v := range vars {
		params.Set(k, v)
	}
	return params
}

// Read fetches every record of a file. vars bind view variables and
// are ignored by plain files.
func (c *Client) Read(ctx context.Context, f fspath.File, vars query.Vars) ([]query.Record, error) {
	resp, err := c.do(ctx, http.MethodGet, "/data"+f.String(), varParams(vars), nil)
	if err != nil {
		return nil, err
	}
	return decodeStream(resp)
}

// Write replaces the file's records.
func (c *Client) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	resp, err := c.do(ctx, http.MethodPut, "/data"+f.String(), nil, recs)
	if err != nil {
		return res, err
	}
	return res, decodeInto(resp, &res)
}

// Append adds records to the file, creating it if absent.
func (c *Client) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	var res backend.WriteResult
	resp, err := c.do(ctx, http.MethodPost, "/data"+f.String(), nil, recs)
	if err != nil {
		return res, err
	}
	return res, decodeInto(resp, &res)
}

// Delete removes a file or directory subtree.
func (c *Client) Delete(ctx context.Context, p fspath.Path) error {
	resp, err := c.do(ctx, http.MethodDelete, "/data"+p.String(), nil, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// List returns the directory's entries, nested mounts included.
func (c *Client) List(ctx context.Context, d fspath.Dir) ([]mount.DirEntry, error) {
	resp, err := c.do(ctx, http.MethodGet, "/metadata"+d.String(), nil, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Entries []mount.DirEntry `json:"entries"`
	}
	if err := decodeInto(resp, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// Move renames src to dst within one mount.
func (c *Client) Move(ctx context.Context, src, dst fspath.Path) error {
	body := map[string]string{"src": src.String(), "dst": dst.String()}
	resp, err := c.do(ctx, http.MethodPost, "/move", nil, body)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Query runs a statement and returns all its records. A zero base
// resolves relative FROM paths against the namespace root.
func (c *Client) Query(ctx context.Context, text string, base fspath.Dir, vars query.Vars) ([]query.Record, error) {
	params := varParams(vars)
	params.Set("q", text)
	if !base.IsZero() {
		params.Set("base", base.String())
	}
	resp, err := c.do(ctx, http.MethodGet, "/query", params, nil)
	if err != nil {
		return nil, err
	}
	return decodeStream(resp)
}

// OpenQuery starts a paged query and returns its handle.
func (c *Client) OpenQuery(ctx context.Context, text string, base fspath.Dir, vars query.Vars) (int64, error) {
	body := map[string]any{"query": text}
	if !base.IsZero() {
		body["base"] = base.String()
	}
	if len(vars) > 0 {
		body["vars"] = vars
	}
	resp, err := c.do(ctx, http.MethodPost, "/handles", nil, body)
	if err != nil {
		return 0, err
	}
	var res struct {
		Handle int64 `json:"handle"`
	}
	if err := decodeInto(resp, &res); err != nil {
		return 0, err
	}
	return res.Handle, nil
}

// More pulls the next page from an open handle. done reports that the
// stream is finished and the handle retired.
func (c *Client) More(ctx context.Context, id int64, n int) (recs []query.Record, done bool, err error) {
	params := url.Values{}
	if n > 0 {
		params.Set("n", strconv.Itoa(n))
	}
	resp, err := c.do(ctx, http.MethodGet, "/handles/"+strconv.FormatInt(id, 10), params, nil)
	if err != nil {
		return nil, false, err
	}
	var res struct {
		Records []query.Record `json:"records"`
		Done    bool           `json:"done"`
	}
	if err := decodeInto(resp, &res); err != nil {
		return nil, false, err
	}
	return res.Records, res.Done, nil
}

// CloseHandle releases an open handle. Closing an unknown handle is
// not an error.
func (c *Client) CloseHandle(ctx context.Context, id int64) error {
	resp, err := c.do(ctx, http.MethodDelete, "/handles/"+strconv.FormatInt(id, 10), nil, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// MountInfo is one row of the mount listing.
type MountInfo struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// MountList is the mount table as the server reports it.
type MountList struct {
	Version int64       `json:"version"`
	Mounts  []MountInfo `json:"mounts"`
}

// Mounts lists every mount, sorted by path.
func (c *Client) Mounts(ctx context.Context) (MountList, error) {
	var res MountList
	resp, err := c.do(ctx, http.MethodGet, "/mounts", nil, nil)
	if err != nil {
		return res, err
	}
	return res, decodeInto(resp, &res)
}

// MountConfig fetches the config of the mount at exactly this path.
func (c *Client) MountConfig(ctx context.Context, p fspath.Path) (mount.Config, error) {
	var cfg mount.Config
	resp, err := c.do(ctx, http.MethodGet, "/mount"+p.String(), nil, nil)
	if err != nil {
		return cfg, err
	}
	return cfg, decodeInto(resp, &cfg)
}

// Mount attaches cfg at p.
func (c *Client) Mount(ctx context.Context, p fspath.Path, cfg mount.Config) error {
	resp, err := c.do(ctx, http.MethodPost, "/mount"+p.String(), nil, cfg)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Unmount detaches the mount at p. warning carries the server's note
// when the backend did not release cleanly.
func (c *Client) Unmount(ctx context.Context, p fspath.Path) (warning string, err error) {
	resp, err := c.do(ctx, http.MethodDelete, "/mount"+p.String(), nil, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusNoContent {
		return "", resp.Body.Close()
	}
	var res struct {
		Warning string `json:"warning"`
	}
	if err := decodeInto(resp, &res); err != nil {
		return "", err
	}
	return res.Warning, nil
}

// Stats fetches the engine summary.
func (c *Client) Stats(ctx context.Context) (api.EngineStats, error) {
	var stats api.EngineStats
	resp, err := c.do(ctx, http.MethodGet, "/stats", nil, nil)
	if err != nil {
		return stats, err
	}
	return stats, decodeInto(resp, &stats)
}
