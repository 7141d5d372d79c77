// Package gitfs exposes a Git repository as a read-only backend. The
// clone is bare-style (NoCheckout); reads walk commit trees directly,
// so no working directory is ever materialized.
package gitfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/query"
)

// Kind is the registry name of this backend.
const Kind = "git"

func init() {
	backend.Register(Kind, Open)
}

// Open attaches a repository. Params: "url" (required) is the remote or
// a local repository path, "branch" selects the ref (default "main",
// with origin/branch and HEAD as fallbacks), "dir" is the clone cache
// directory (a temp directory when unset).
func Open(ctx context.Context, params backend.Params) (backend.Capability, error) {
	url, err := params.Require("url")
	if err != nil {
		return nil, err
	}
	branch := params.Get("branch", "main")
	logger := slog.Default().With("component", "gitfs", "url", url)

	// A local repository path is opened in place, no clone.
	if repo, err := git.PlainOpen(url); err == nil {
		logger.Info("opened local repository")
		return &FS{repo: repo, branch: branch, logger: logger}, nil
	}

	dir := params.Get("dir", "")
	if dir == "" {
		dir, err = os.MkdirTemp("", "gitfs-")
		if err != nil {
			return nil, err
		}
	}

	repo, err := git.PlainOpen(dir)
	if err == nil {
		// Refresh the existing clone; stale data is acceptable.
		if err := repo.FetchContext(ctx, &git.FetchOptions{
			Depth: 1,
		}); err != nil && err != git.NoErrAlreadyUpToDate {
			logger.Warn("fetch failed, serving existing clone", "error", err)
		}
		return &FS{repo: repo, branch: branch, logger: logger}, nil
	}

	repo, err = git.PlainCloneContext(ctx, dir, &git.CloneOptions{
		URL:               url,
		ReferenceName:     plumbing.NewBranchReferenceName(branch),
		SingleBranch:      true,
		Depth:             1,
		Tags:              git.NoTags,
		NoCheckout:        true,
		ShallowSubmodules: true,
	})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", url, err)
	}
	logger.Info("cloned repository", "dir", dir, "branch", branch)
	return &FS{repo: repo, branch: branch, logger: logger}, nil
}

// FS serves files from one repository at one branch.
type FS struct {
	repo   *git.Repository
	branch string
	logger *slog.Logger
}

// tree resolves the branch to its current commit tree. Local branch,
// remote tracking branch, and HEAD are tried in that order, so shallow
// clones and detached fixtures both resolve.
func (g *FS) tree() (*object.Tree, error) {
	refNames := []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(g.branch),
		plumbing.NewRemoteReferenceName("origin", g.branch),
		plumbing.HEAD,
	}
	var ref *plumbing.Reference
	var err error
	for _, refName := range refNames {
		ref, err = g.repo.Reference(refName, true)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving branch %q: %w", g.branch, err)
	}
	commit, err := g.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("resolving commit: %w", err)
	}
	return commit.Tree()
}

// repoPath strips the leading slash; git trees use relative names.
func repoPath(p fspath.Path) string {
	return strings.TrimPrefix(p.String(), "/")
}

func (g *FS) Read(ctx context.Context, f fspath.File) (query.Cursor, error) {
	tree, err := g.tree()
	if err != nil {
		return nil, err
	}
	file, err := tree.File(repoPath(f))
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%s: %w", f, fs.ErrNotExist)
		}
		return nil, err
	}
	blob, err := g.repo.BlobObject(file.Hash)
	if err != nil {
		return nil, fmt.Errorf("reading blob for %s: %w", f, err)
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("reading blob for %s: %w", f, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading blob for %s: %w", f, err)
	}
	// Repositories hold arbitrary files; non-record content reads as a
	// single record carrying the raw text.
	return query.NewSliceCursor(backend.DecodeLoose(data)), nil
}

func (g *FS) Write(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	return backend.WriteResult{}, fmt.Errorf("%s: %w", f, backend.ErrReadOnly)
}

func (g *FS) Append(ctx context.Context, f fspath.File, recs []query.Record) (backend.WriteResult, error) {
	return backend.WriteResult{}, fmt.Errorf("%s: %w", f, backend.ErrReadOnly)
}

func (g *FS) Delete(ctx context.Context, p fspath.Path) error {
	return fmt.Errorf("%s: %w", p, backend.ErrReadOnly)
}

func (g *FS) List(ctx context.Context, d fspath.Dir) ([]backend.Entry, error) {
	tree, err := g.tree()
	if err != nil {
		return nil, err
	}
	prefix := repoPath(d)
	seen := make(map[string]bool)
	var entries []backend.Entry
	exists := d.IsRoot()
	err = tree.Files().ForEach(func(f *object.File) error {
		if !strings.HasPrefix(f.Name, prefix) {
			return nil
		}
		exists = true
		rest := strings.TrimPrefix(f.Name, prefix)
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

func (g *FS) Move(ctx context.Context, src, dst fspath.Path) error {
	return fmt.Errorf("%s: %w", src, backend.ErrReadOnly)
}

func (g *FS) Query(ctx context.Context, text string, vars query.Vars) (query.Cursor, error) {
	return backend.QueryViaRead(ctx, query.SourceFunc(g.Read), text, vars)
}

func (g *FS) Close() error { return nil }
