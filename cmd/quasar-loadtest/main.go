// Quasar load test - generate mixed read/write/query load against a
// running daemon
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Serhiy91/quasar/internal/backend"
	"github.com/Serhiy91/quasar/internal/client"
	"github.com/Serhiy91/quasar/internal/fspath"
	"github.com/Serhiy91/quasar/internal/mount"
	"github.com/Serhiy91/quasar/internal/query"
)

var (
	server      = flag.String("server", "localhost:8080", "Quasar server address")
	target      = flag.String("path", "/loadtest/", "Target directory for generated load")
	setup       = flag.Bool("setup", true, "Mount a mem backend at the target path first")
	cleanup     = flag.Bool("cleanup", true, "Unmount the target path afterwards")
	duration    = flag.Duration("duration", 60*time.Second, "Test duration")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	fileCount   = flag.Int("files", 20, "Number of files to spread load across")
	batchSize   = flag.Int("batch", 10, "Records per write")
	readRatio   = flag.Float64("read-ratio", 0.5, "Ratio of read operations (0.0-1.0)")
	appendRatio = flag.Float64("append-ratio", 0.2, "Ratio of append operations (0.0-1.0)")
	queryRatio  = flag.Float64("query-ratio", 0.1, "Ratio of query operations (0.0-1.0)")
	listRatio   = flag.Float64("list-ratio", 0.1, "Ratio of list operations (0.0-1.0)")
	verbose     = flag.Bool("verbose", false, "Log individual failures")
)

// Stats are the shared operation counters.
type Stats struct {
	reads      atomic.Int64
	writes     atomic.Int64
	appends    atomic.Int64
	queries    atomic.Int64
	lists      atomic.Int64
	errors     atomic.Int64
	totalOps   atomic.Int64
	recsRead   atomic.Int64
	recsStored atomic.Int64
}

func main() {
	flag.Parse()

	totalRatio := *readRatio + *appendRatio + *queryRatio + *listRatio
	if totalRatio > 1.0 {
		log.Fatal("Sum of all ratios must not exceed 1.0; the remainder is the write ratio")
	}
	writeRatio := 1.0 - totalRatio

	dir, err := fspath.ParseDir(*target)
	if err != nil {
		log.Fatalf("Bad target path: %v", err)
	}

	c := client.New(*server)
	ctx := context.Background()

	if *setup {
		cfg := mount.Config{Backend: &mount.BackendConfig{Kind: "mem"}}
		if err := c.Mount(ctx, dir, cfg); err != nil && !client.IsStatus(err, http.StatusConflict) {
			log.Fatalf("Mounting %s: %v", dir, err)
		}
	}
	files := make([]fspath.File, *fileCount)
	for i := range files {
		files[i] = dir.Child(fmt.Sprintf("load_%03d.json", i))
	}
	// Seed every file so reads have something to hit from the start.
	for i, f := range files {
		if _, err := c.Write(ctx, f, makeBatch(i, *batchSize)); err != nil {
			log.Fatalf("Seeding %s: %v", f, err)
		}
	}

	fmt.Printf("Quasar Load Test\n")
	fmt.Printf("================\n")
	fmt.Printf("Server:        %s\n", *server)
	fmt.Printf("Target:        %s (%d files)\n", dir, len(files))
	fmt.Printf("Duration:      %s\n", *duration)
	fmt.Printf("Concurrency:   %d workers\n", *concurrency)
	fmt.Printf("Batch Size:    %d records\n", *batchSize)
	fmt.Printf("Read Ratio:    %.2f\n", *readRatio)
	fmt.Printf("Write Ratio:   %.2f\n", writeRatio)
	fmt.Printf("Append Ratio:  %.2f\n", *appendRatio)
	fmt.Printf("Query Ratio:   %.2f\n", *queryRatio)
	fmt.Printf("List Ratio:    %.2f\n", *listRatio)
	fmt.Printf("\n")

	stats := &Stats{}
	start := time.Now()
	deadline := start.Add(*duration)

	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runWorker(ctx, c, worker, dir, files, stats, deadline)
		}(w)
	}

	stop := make(chan struct{})
	go progressLoop(stats, start, stop)

	wg.Wait()
	close(stop)
	elapsed := time.Since(start)

	if *cleanup && *setup {
		if _, err := c.Unmount(ctx, dir); err != nil {
			fmt.Fprintf(os.Stderr, "cleanup: unmounting %s: %v\n", dir, err)
		}
	}

	printReport(stats, elapsed)
	if stats.errors.Load() > 0 {
		os.Exit(1)
	}
}

func makeBatch(worker, n int) []query.Record {
	recs := make([]query.Record, n)
	for i := range recs {
		recs[i] = query.Record{
			"worker": worker,
			"seq":    i,
			"ts":     time.Now().UnixNano(),
		}
	}
	return recs
}

func runWorker(ctx context.Context, c *client.Client, worker int, dir fspath.Dir, files []fspath.File, stats *Stats, deadline time.Time) {
	for time.Now().Before(deadline) {
		f := files[rand.IntN(len(files))]
		roll := rand.Float64()
		var err error

		switch {
		case roll < *readRatio:
			var recs []query.Record
			recs, err = c.Read(ctx, f, nil)
			stats.reads.Add(1)
			stats.recsRead.Add(int64(len(recs)))

		case roll < *readRatio+*appendRatio:
			var res backend.WriteResult
			res, err = c.Append(ctx, f, makeBatch(worker, 1))
			stats.appends.Add(1)
			stats.recsStored.Add(int64(res.Stored))

		case roll < *readRatio+*appendRatio+*queryRatio:
			var recs []query.Record
			recs, err = c.Query(ctx,
				fmt.Sprintf("select worker, seq from %q where seq >= :floor limit 20", f),
				dir, query.Vars{"floor": "0"})
			stats.queries.Add(1)
			stats.recsRead.Add(int64(len(recs)))

		case roll < *readRatio+*appendRatio+*queryRatio+*listRatio:
			_, err = c.List(ctx, dir)
			stats.lists.Add(1)

		default:
			var res backend.WriteResult
			res, err = c.Write(ctx, f, makeBatch(worker, *batchSize))
			stats.writes.Add(1)
			stats.recsStored.Add(int64(res.Stored))
		}

		stats.totalOps.Add(1)
		if err != nil {
			stats.errors.Add(1)
			if *verbose {
				log.Printf("worker %d: %v", worker, err)
			}
		}
	}
}

func progressLoop(stats *Stats, start time.Time, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			ops := stats.totalOps.Load()
			fmt.Printf("  %6.0fs: %d ops (%.0f ops/sec), %d errors\n",
				elapsed, ops, float64(ops)/elapsed, stats.errors.Load())
		}
	}
}

func printReport(stats *Stats, elapsed time.Duration) {
	ops := stats.totalOps.Load()
	fmt.Printf("\nResults\n")
	fmt.Printf("=======\n")
	fmt.Printf("Elapsed:         %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Total Ops:       %d (%.0f ops/sec)\n", ops, float64(ops)/elapsed.Seconds())
	fmt.Printf("Reads:           %d\n", stats.reads.Load())
	fmt.Printf("Writes:          %d\n", stats.writes.Load())
	fmt.Printf("Appends:         %d\n", stats.appends.Load())
	fmt.Printf("Queries:         %d\n", stats.queries.Load())
	fmt.Printf("Lists:           %d\n", stats.lists.Load())
	fmt.Printf("Records Read:    %d\n", stats.recsRead.Load())
	fmt.Printf("Records Stored:  %d\n", stats.recsStored.Load())
	fmt.Printf("Errors:          %d\n", stats.errors.Load())
}
