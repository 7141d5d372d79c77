// Quasar admin - remote administration for a running quasar daemon
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/client"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/mount"
	"github.com/Serhiy91/quasar/internal/query"
)

const (
	defaultServer = "localhost:8080"
	reqTimeout    = 30 * time.Second
	bulkTimeout   = 2 * time.Minute
)

func main() {
	mountsCmd := flag.NewFlagSet("mounts", flag.ExitOnError)
	mountCmd := flag.NewFlagSet("mount", flag.ExitOnError)
	mountViewCmd := flag.NewFlagSet("mount-view", flag.ExitOnError)
	unmountCmd := flag.NewFlagSet("unmount", flag.ExitOnError)
	lsCmd := flag.NewFlagSet("ls", flag.ExitOnError)
	readCmd := flag.NewFlagSet("read", flag.ExitOnError)
	writeCmd := flag.NewFlagSet("write", flag.ExitOnError)
	queryCmd := flag.NewFlagSet("query", flag.ExitOnError)
	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)

	mountsServer := mountsCmd.String("server", defaultServer, "Quasar server address")
	mountsFormat := mountsCmd.String("format", "table", "Output format: table or json")

	mountServer := mountCmd.String("server", defaultServer, "Quasar server address")
	mountPath := mountCmd.String("path", "", "Mount point, a directory path (required)")
	mountKind := mountCmd.String("kind", "", "Backend kind (required)")

	mountViewServer := mountViewCmd.String("server", defaultServer, "Quasar server address")
	mountViewPath := mountViewCmd.String("path", "", "Mount point, a file path (required)")
	mountViewQuery := mountViewCmd.String("query", "", "Saved query (required)")

	unmountServer := unmountCmd.String("server", defaultServer, "Quasar server address")
	unmountPath := unmountCmd.String("path", "", "Mount point to detach (required)")

	lsServer := lsCmd.String("server", defaultServer, "Quasar server address")
	lsPath := lsCmd.String("path", "/", "Directory to list")

	readServer := readCmd.String("server", defaultServer, "Quasar server address")
	readPath := readCmd.String("path", "", "File to read (required)")

	writeServer := writeCmd.String("server", defaultServer, "Quasar server address")
	writePath := writeCmd.String("path", "", "File to write (required)")
	writeFile := writeCmd.String("file", "", "Local JSON or NDJSON file with the records (required)")
	writeAppend := writeCmd.Bool("append", false, "Append instead of replacing")

	queryServer := queryCmd.String("server", defaultServer, "Quasar server address")
	queryText := queryCmd.String("q", "", "Query statement (required)")
	queryBase := queryCmd.String("base", "", "Base directory for relative FROM paths")

	statusServer := statusCmd.String("server", defaultServer, "Quasar server address")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "mounts":
		mountsCmd.Parse(os.Args[2:])
		err = showMounts(*mountsServer, *mountsFormat)

	case "mount":
		mountCmd.Parse(os.Args[2:])
		if *mountPath == "" || *mountKind == "" {
			fmt.Fprintln(os.Stderr, "Error: -path and -kind are required")
			mountCmd.Usage()
			os.Exit(1)
		}
		err = attachBackend(*mountServer, *mountPath, *mountKind, mountCmd.Args())

	case "mount-view":
		mountViewCmd.Parse(os.Args[2:])
		if *mountViewPath == "" || *mountViewQuery == "" {
			fmt.Fprintln(os.Stderr, "Error: -path and -query are required")
			mountViewCmd.Usage()
			os.Exit(1)
		}
		err = attachView(*mountViewServer, *mountViewPath, *mountViewQuery, mountViewCmd.Args())

	case "unmount":
		unmountCmd.Parse(os.Args[2:])
		if *unmountPath == "" {
			fmt.Fprintln(os.Stderr, "Error: -path is required")
			unmountCmd.Usage()
			os.Exit(1)
		}
		err = detach(*unmountServer, *unmountPath)

	case "ls":
		lsCmd.Parse(os.Args[2:])
		err = listDir(*lsServer, *lsPath)

	case "read":
		readCmd.Parse(os.Args[2:])
		if *readPath == "" {
			fmt.Fprintln(os.Stderr, "Error: -path is required")
			readCmd.Usage()
			os.Exit(1)
		}
		err = readRecords(*readServer, *readPath, readCmd.Args())

	case "write":
		writeCmd.Parse(os.Args[2:])
		if *writePath == "" || *writeFile == "" {
			fmt.Fprintln(os.Stderr, "Error: -path and -file are required")
			writeCmd.Usage()
			os.Exit(1)
		}
		err = writeRecords(*writeServer, *writePath, *writeFile, *writeAppend)

	case "query":
		queryCmd.Parse(os.Args[2:])
		if *queryText == "" {
			fmt.Fprintln(os.Stderr, "Error: -q is required")
			queryCmd.Usage()
			os.Exit(1)
		}
		err = runQuery(*queryServer, *queryText, *queryBase, queryCmd.Args())

	case "status":
		statusCmd.Parse(os.Args[2:])
		err = showStatus(*statusServer)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Quasar Admin - administration tool for a running quasar daemon

Usage:
  quasar-admin <command> [options]

Commands:
  status      Show engine summary and the mount table
  mounts      List mounts
  mount       Attach a backend mount
  mount-view  Attach a saved query as a virtual file
  unmount     Detach a mount
  ls          List a namespace directory
  read        Print a file's records as NDJSON
  write       Load records from a local file into the namespace
  query       Run a query and print its records as NDJSON

Examples:
  # Attach a NutsDB backend at /logs/
  quasar-admin mount -path /logs/ -kind local dir=/var/lib/quasar/logs

  # Attach a read-only git backend
  quasar-admin mount -path /src/ -kind git url=https://github.com/nutsdb/nutsdb.git branch=master

  # Save a query as a virtual file, with a default variable
  quasar-admin mount-view -path /views/big.json \
      -query "select city, pop from /store/zips.json where pop > :min_pop" min_pop=100000

  # Bulk-load records from a local file
  quasar-admin write -path /store/zips.json -file ./zips.json

  # Run a query, binding a variable
  quasar-admin query -q "select city from /store/zips.json where pop > :floor" floor=20000

  # Read a view with an override variable
  quasar-admin read -path /views/big.json min_pop=50000

Remaining arguments of the form name=value become backend params
(mount), default variables (mount-view), or query variables
(read, query).
`)
}

// kvArgs parses trailing name=value arguments.
func kvArgs(args []string) (map[string]string, error) {
	out := map[string]string{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad argument %q (want name=value)", arg)
		}
		out[k] = v
	}
	return out, nil
}

func showMounts(server, format string) error {
	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()

	list, err := client.New(server).Mounts(ctx)
	if err != nil {
		return err
	}
	if format == "json" {
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	renderMounts(list)
	return nil
}

func renderMounts(list client.MountList) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"Path", "Kind"})
	for _, m := range list.Mounts {
		t.AppendRow(table.Row{m.Path, m.Kind})
	}
	t.Render()
	fmt.Printf("%d mounts (table version %d)\n", len(list.Mounts), list.Version)
}

func attachBackend(server, rawPath, kind string, args []string) error {
	d, err := fspath.ParseDir(rawPath)
	if err != nil {
		return fmt.Errorf("backend mounts attach to directory paths: %w", err)
	}
	kv, err := kvArgs(args)
	if err != nil {
		return err
	}
	params := backend.Params{}
	for k, v := range kv {
		params[k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()
	cfg := mount.Config{Backend: &mount.BackendConfig{Kind: kind, Params: params}}
	if err := client.New(server).Mount(ctx, d, cfg); err != nil {
		return err
	}
	fmt.Printf("mounted %s (%s)\n", d, kind)
	return nil
}

func attachView(server, rawPath, stmt string, args []string) error {
	f, err := fspath.ParseFile(rawPath)
	if err != nil {
		return fmt.Errorf("view mounts attach to file paths: %w", err)
	}
	kv, err := kvArgs(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()
	cfg := mount.Config{View: &mount.ViewConfig{Query: stmt, DefaultVars: query.Vars(kv)}}
	if err := client.New(server).Mount(ctx, f, cfg); err != nil {
		return err
	}
	fmt.Printf("mounted %s (view)\n", f)
	return nil
}

func detach(server, rawPath string) error {
	p, err := fspath.Parse(rawPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()
	warning, err := client.New(server).Unmount(ctx, p)
	if err != nil {
		return err
	}
	if warning != "" {
		fmt.Printf("warning: %s\n", warning)
	}
	fmt.Printf("unmounted %s\n", p)
	return nil
}

func listDir(server, rawPath string) error {
	d, err := fspath.ParseDir(rawPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()
	entries, err := client.New(server).List(ctx, d)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch {
		case e.Mount != "":
			fmt.Printf("%s@ (%s)\n", e.Name, e.Mount)
		case e.IsDir:
			fmt.Printf("%s/\n", e.Name)
		default:
			fmt.Println(e.Name)
		}
	}
	return nil
}

func readRecords(server, rawPath string, args []string) error {
	f, err := fspath.ParseFile(rawPath)
	if err != nil {
		return err
	}
	kv, err := kvArgs(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), bulkTimeout)
	defer cancel()
	recs, err := client.New(server).Read(ctx, f, query.Vars(kv))
	if err != nil {
		return err
	}
	return printNDJSON(recs)
}

func writeRecords(server, rawPath, localFile string, appendMode bool) error {
	f, err := fspath.ParseFile(rawPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(localFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", localFile, err)
	}
	recs, err := backend.DecodeRecords(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", localFile, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bulkTimeout)
	defer cancel()
	c := client.New(server)
	var res backend.WriteResult
	if appendMode {
		res, err = c.Append(ctx, f, recs)
	} else {
		res, err = c.Write(ctx, f, recs)
	}
	if err != nil {
		return err
	}
	fmt.Printf("stored %d records at %s\n", res.Stored, f)
	for _, fe := range res.Failed {
		fmt.Printf("  record %d rejected: %s\n", fe.Index, fe.Msg)
	}
	return nil
}

func runQuery(server, stmt, rawBase string, args []string) error {
	var base fspath.Dir
	if rawBase != "" {
		d, err := fspath.ParseDir(rawBase)
		if err != nil {
			return err
		}
		base = d
	}
	kv, err := kvArgs(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), bulkTimeout)
	defer cancel()
	recs, err := client.New(server).Query(ctx, stmt, base, query.Vars(kv))
	if err != nil {
		return err
	}
	return printNDJSON(recs)
}

func printNDJSON(recs []query.Record) error {
	enc := json.NewEncoder(os.Stdout)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func showStatus(server string) error {
	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()
	c := client.New(server)

	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	list, err := c.Mounts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nQUASAR STATUS\n")
	fmt.Printf("Server: %s\n", server)
	fmt.Printf("Table Version: %d | Mounts: %d | Open Handles: %d\n",
		stats.Version, stats.Mounts, stats.OpenHandles)
	fmt.Printf("Started: %s | Uptime: %s\n\n",
		stats.Started, time.Duration(stats.UptimeSeconds)*time.Second)
	renderMounts(list)
	return nil
}
