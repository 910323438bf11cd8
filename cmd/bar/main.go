// Command bar drives one archive-creation run from the command line: it
// parses include/exclude patterns and job flags into a job.Options, wires a
// run.Controller, and prints progress to stderr as the run proceeds.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/logging"
	"github.com/bararchive/creator/pkg/monitor"
	"github.com/bararchive/creator/pkg/pattern"
	"github.com/bararchive/creator/pkg/progress"
	"github.com/bararchive/creator/pkg/run"
)

func main() {
	var (
		includes    = flag.String("include", "", "comma-separated glob patterns to include")
		excludes    = flag.String("exclude", "", "comma-separated glob patterns to exclude")
		storageURL  = flag.String("storage", "", "destination storage URL, e.g. sftp://host/backups/nightly")
		fragment    = flag.Int64("fragment-size", 64<<20, "target archive segment size in bytes")
		maxThreads  = flag.Int("threads", 0, "worker thread count (0 = runtime.NumCPU())")
		dryRun      = flag.Bool("dry-run", false, "enumerate and store nothing; report what would happen")
		archiveType = flag.String("type", "full", "archive type: full, incremental, differential, continuous")
		indexDSN    = flag.String("index-dsn", "", "postgres connection string for the index database (blank disables indexing)")
		tempDir     = flag.String("temp-dir", os.TempDir(), "directory for intermediate segment files")
		monitorAddr = flag.String("monitor-addr", "", "address to serve live progress on, e.g. :8090 (blank disables)")
	)
	flag.Parse()

	if *storageURL == "" {
		fmt.Fprintln(os.Stderr, "bar: -storage is required")
		os.Exit(2)
	}

	opts, err := buildOptions(*includes, *excludes, *storageURL, *fragment, *maxThreads, *dryRun, *archiveType)
	if err != nil {
		log.Fatalf("bar: %v", err)
	}

	logger := logging.New(logging.DefaultConfig())

	var mon *monitor.Server
	if *monitorAddr != "" {
		mon = monitor.New(*monitorAddr)
	}

	ctrl := run.New(run.Config{
		Options:  opts,
		Logger:   logger,
		Callback: printProgress,
		TempDir:  *tempDir,
		IndexDSN: *indexDSN,
		Monitor:  mon,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("received interrupt, aborting run")
		ctrl.Abort()
	}()
	defer cancel()

	result := ctrl.Run(ctx)
	if result.Aborted {
		fmt.Fprintln(os.Stderr, "bar: run aborted")
		os.Exit(130)
	}
	if result.FailErr != nil {
		fmt.Fprintf(os.Stderr, "bar: run failed: %v\n", result.FailErr)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "bar: run complete")
}

func buildOptions(includeRaw, excludeRaw, storageURL string, fragmentSize int64, maxThreads int, dryRun bool, archiveType string) (*job.Options, error) {
	includes, err := compileIncludes(includeRaw)
	if err != nil {
		return nil, fmt.Errorf("compiling include patterns: %w", err)
	}
	excludes, err := compilePatterns(excludeRaw)
	if err != nil {
		return nil, fmt.Errorf("compiling exclude patterns: %w", err)
	}
	at, err := parseArchiveType(archiveType)
	if err != nil {
		return nil, err
	}

	opts := &job.Options{
		Includes:        includes,
		Excludes:        excludes,
		FragmentSize:    fragmentSize,
		ArchiveFileMode: job.ArchiveFileRename,
		ArchiveType:     at,
		MaxThreads:      maxThreads,
		JobUUID:         uuid.NewString(),
		StorageURL:      storageURL,
		Flags: job.Flags{
			DryRun: dryRun,
		},
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func compileIncludes(raw string) ([]job.IncludeEntry, error) {
	patterns, err := compilePatterns(raw)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("at least one -include pattern is required")
	}
	entries := make([]job.IncludeEntry, len(patterns))
	for i, p := range patterns {
		entries[i] = job.IncludeEntry{Pattern: p, StoreType: job.StoreFile}
	}
	return entries, nil
}

func compilePatterns(raw string) ([]*pattern.Pattern, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*pattern.Pattern, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		compiled, err := pattern.Compile(p, pattern.KindGlob, true)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

func parseArchiveType(s string) (job.ArchiveType, error) {
	switch strings.ToLower(s) {
	case "full":
		return job.ArchiveFull, nil
	case "incremental":
		return job.ArchiveIncremental, nil
	case "differential":
		return job.ArchiveDifferential, nil
	case "continuous":
		return job.ArchiveContinuous, nil
	default:
		return 0, fmt.Errorf("unknown -type %q", s)
	}
}

func printProgress(snap progress.Snapshot) {
	fmt.Fprintf(os.Stderr, "\rdone=%d skipped=%d error=%d total=%d archive=%dB ratio=%.2f",
		snap.Done.EntryCount, snap.Skipped.EntryCount, snap.Error.EntryCount,
		snap.Total.EntryCount, snap.ArchiveSize, snap.CompressionRatio)
}
