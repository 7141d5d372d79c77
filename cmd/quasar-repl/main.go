// Quasar REPL - interactive shell over an embedded namespace engine
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/handle"
	"github.com/Serhiy91/quasar/internal/mount"
	"github.com/Serhiy91/quasar/internal/query"

	_ "github.com/Serhiy91/quasar/internal/backend/gcsfs"
	_ "github.com/Serhiy91/quasar/internal/backend/gitfs"
	_ "github.com/Serhiy91/quasar/internal/backend/memfs"
	_ "github.com/Serhiy91/quasar/internal/backend/nutsfs"
	_ "github.com/Serhiy91/quasar/internal/backend/s3fs"
	_ "github.com/Serhiy91/quasar/internal/backend/searchfs"
)

var Version = "dev"

const (
	nullValue       = "NULL"
	defaultPageSize = 20
)

var splash = fmt.Sprintf(`Quasar shell (%s)
Type "help" for commands, "exit" to quit.
`, Version)

type shell struct {
	mgr  *mount.Manager
	cwd  fspath.Dir
	vars query.Vars
	out  io.Writer

	page   int
	open   handle.ID
	active bool
}

func main() {
	dataDir := flag.String("data-dir", "", "Persist mounts under this directory")
	pageSize := flag.Int("page", defaultPageSize, "Records per result page")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	var store mount.Store
	if *dataDir != "" {
		s, err := mount.OpenNutsStore(filepath.Join(*dataDir, "mounts"), logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening mount store: %v\n", err)
			os.Exit(1)
		}
		store = s
	}

	mgr := mount.NewManager(backend.Default, store, logger)
	ctx := context.Background()
	if _, err := mgr.Restore(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "restoring mounts: %v\n", err)
		mgr.Close(ctx)
		os.Exit(1)
	}

	sh := &shell{
		mgr:  mgr,
		cwd:  fspath.Root(),
		vars: query.Vars{},
		out:  os.Stdout,
		page: *pageSize,
	}
	err := sh.run(ctx)
	mgr.Close(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".quasar")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return ""
	}
	return filepath.Join(dir, "repl_history")
}

func (s *shell) run(ctx context.Context) error {
	fmt.Fprint(s.out, splash)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       s.prompt(),
		HistoryFile:  historyPath(),
		HistoryLimit: 10000,

		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("getting readline: %w", err)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(s.prompt())
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.dispatch(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *shell) prompt() string {
	return fmt.Sprintf("quasar:%s> ", s.cwd)
}

func (s *shell) dispatch(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch strings.ToLower(cmd) {
	case "select":
		return s.runQuery(ctx, line)
	case "more":
		return s.more(ctx)
	case "cd":
		return s.chdir(args)
	case "ls":
		return s.list(ctx, args)
	case "cat":
		return s.cat(ctx, args)
	case "set":
		return s.set(args)
	case "unset":
		return s.unset(args)
	case "vars":
		s.printVars()
		return nil
	case "mount":
		return s.mount(ctx, args)
	case "mount-view":
		return s.mountView(ctx, line, args)
	case "unmount":
		return s.unmount(ctx, args)
	case "mounts":
		s.printMounts()
		return nil
	case "help":
		s.printHelp()
		return nil
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
}

// resolve joins arg onto the working directory, folding the relative
// markers shells produce. Namespace paths themselves never contain
// "." or "..".
func (s *shell) resolve(arg string, wantDir bool) (string, error) {
	segs := []string{}
	if !strings.HasPrefix(arg, "/") {
		segs = append(segs, s.cwd.Segments()...)
	}
	for _, seg := range strings.Split(strings.Trim(arg, "/"), "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segs) > 0 {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, seg)
		}
	}
	raw := "/" + strings.Join(segs, "/")
	if wantDir && raw != "/" {
		raw += "/"
	}
	return raw, nil
}

func (s *shell) resolveDir(arg string) (fspath.Dir, error) {
	raw, err := s.resolve(arg, true)
	if err != nil {
		return fspath.Dir{}, err
	}
	return fspath.ParseDir(raw)
}

func (s *shell) resolveFile(arg string) (fspath.File, error) {
	raw, err := s.resolve(arg, false)
	if err != nil {
		return fspath.File{}, err
	}
	return fspath.ParseFile(raw)
}

func (s *shell) chdir(args []string) error {
	if len(args) == 0 {
		s.cwd = fspath.Root()
		return nil
	}
	d, err := s.resolveDir(args[0])
	if err != nil {
		return err
	}
	s.cwd = d
	return nil
}

func (s *shell) list(ctx context.Context, args []string) error {
	d := s.cwd
	if len(args) > 0 {
		var err error
		if d, err = s.resolveDir(args[0]); err != nil {
			return err
		}
	}
	entries, err := s.mgr.Eval().List(ctx, d)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch {
		case e.Mount != "":
			fmt.Fprintf(s.out, "%s@ (%s)\n", e.Name, e.Mount)
		case e.IsDir:
			fmt.Fprintf(s.out, "%s/\n", e.Name)
		default:
			fmt.Fprintln(s.out, e.Name)
		}
	}
	return nil
}

func (s *shell) cat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cat <file>")
	}
	f, err := s.resolveFile(args[0])
	if err != nil {
		return err
	}
	cur, err := s.mgr.Eval().Read(ctx, f, s.vars)
	if err != nil {
		return err
	}
	recs, err := query.Collect(ctx, cur)
	if err != nil {
		return err
	}
	s.renderRecords(recs)
	return nil
}

// runQuery opens a fresh result handle and shows the first page. Any
// previously open handle is dropped first.
func (s *shell) runQuery(ctx context.Context, line string) error {
	if s.active {
		s.mgr.CloseHandle(s.open)
		s.active = false
	}
	id, err := s.mgr.OpenQuery(ctx, s.cwd, line, s.vars)
	if err != nil {
		return err
	}
	s.open = id
	s.active = true
	return s.more(ctx)
}

func (s *shell) more(ctx context.Context) error {
	if !s.active {
		return fmt.Errorf("no open query (run a select first)")
	}
	recs, done, err := s.mgr.More(ctx, s.open, s.page)
	if err != nil {
		s.active = false
		return err
	}
	s.renderRecords(recs)
	if done {
		s.active = false
		fmt.Fprintln(s.out, "(end)")
	} else {
		fmt.Fprintln(s.out, `-- type "more" for the next page --`)
	}
	return nil
}

func (s *shell) set(args []string) error {
	if len(args) == 0 {
		s.printVars()
		return nil
	}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return fmt.Errorf("usage: set name=value")
		}
		s.vars[k] = v
	}
	return nil
}

func (s *shell) unset(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: unset <name>")
	}
	for _, k := range args {
		delete(s.vars, k)
	}
	return nil
}

func (s *shell) printVars() {
	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(s.out, "%s=%s\n", k, s.vars[k])
	}
}

func (s *shell) mount(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: mount <path> <kind> [param=value ...]")
	}
	d, err := s.resolveDir(args[0])
	if err != nil {
		return err
	}
	params := backend.Params{}
	for _, arg := range args[2:] {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return fmt.Errorf("bad param %q (want name=value)", arg)
		}
		params[k] = v
	}
	cfg := mount.Config{Backend: &mount.BackendConfig{Kind: args[1], Params: params}}
	if err := s.mgr.Mount(ctx, d, cfg); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "mounted %s (%s)\n", d, args[1])
	return nil
}

func (s *shell) mountView(ctx context.Context, line string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: mount-view <path> <select ...>")
	}
	f, err := s.resolveFile(args[0])
	if err != nil {
		return err
	}
	// everything after the path token is the saved query, verbatim
	rest := strings.TrimSpace(line[len("mount-view"):])
	text := strings.TrimSpace(rest[len(args[0]):])
	cfg := mount.Config{View: &mount.ViewConfig{Query: text}}
	if err := s.mgr.Mount(ctx, f, cfg); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "mounted %s (view)\n", f)
	return nil
}

func (s *shell) unmount(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: unmount <path>")
	}
	p, err := s.findMount(args[0])
	if err != nil {
		return err
	}
	warn, err := s.mgr.Unmount(ctx, p)
	if err != nil {
		return err
	}
	if warn != nil {
		fmt.Fprintf(s.out, "warning: %v\n", warn)
	}
	fmt.Fprintf(s.out, "unmounted %s\n", p)
	return nil
}

// findMount resolves arg against the mount table, trying both the file
// and the directory reading of the name.
func (s *shell) findMount(arg string) (fspath.Path, error) {
	table := s.mgr.Snapshot().Table
	if f, err := s.resolveFile(arg); err == nil {
		if _, ok := table.Lookup(f); ok {
			return f, nil
		}
	}
	if d, err := s.resolveDir(arg); err == nil {
		if _, ok := table.Lookup(d); ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no mount at %s", arg)
}

func (s *shell) printMounts() {
	entries := s.mgr.Snapshot().Table.Entries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	for _, ent := range entries {
		fmt.Fprintf(s.out, "%s (%s)\n", ent.Path, ent.Kind())
	}
}

// renderRecords prints records as a table over the union of their
// fields, filling gaps with NULL the way record-shaped data demands.
func (s *shell) renderRecords(recs []query.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(s.out, "(no records)")
		return
	}
	seen := map[string]bool{}
	var cols []string
	for _, rec := range recs {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	t := table.NewWriter()
	t.SetOutputMirror(s.out)
	t.Style().Format.Header = text.FormatDefault

	header := make(table.Row, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	t.AppendHeader(header)
	for _, rec := range recs {
		row := make(table.Row, len(cols))
		for i, c := range cols {
			v, ok := rec[c]
			if !ok || v == nil {
				row[i] = nullValue
				continue
			}
			row[i] = renderValue(v)
		}
		t.AppendRow(row)
	}
	t.Render()
}

// renderValue keeps scalars readable and folds nested values to JSON.
func renderValue(v any) any {
	switch v.(type) {
	case string, float64, bool, int, int64:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  cd [path]                    change directory
  ls [path]                    list a directory; mounts show as name@ (kind)
  cat <file>                   print a file's records
  select ...                   run a query, paged; "more" continues
  more                         next page of the open query
  set name=value               bind a query variable
  unset <name>                 drop a variable
  vars                         show bound variables
  mount <path> <kind> [k=v]    attach a backend
  mount-view <path> <select>   attach a saved query as a file
  unmount <path>               detach a mount
  mounts                       list mounts
  exit                         leave the shell
`)
}
