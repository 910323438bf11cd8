// Package run implements the run controller (spec.md §4.5): the top-level
// orchestration that parses a job's storage URL, opens the index and
// storage back-end, spawns the enumerator/worker/dispatcher pipeline, and
// reports a terminal result. Grounded on the teacher's top-level session
// orchestration shape (connect/spawn-workers/join/teardown), re-expressed
// around this spec's twin-enumerator-pass and single-dispatcher pipeline.
package run

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/archivewriter"
	"github.com/bararchive/creator/pkg/dispatch"
	"github.com/bararchive/creator/pkg/entry"
	"github.com/bararchive/creator/pkg/enumerate"
	"github.com/bararchive/creator/pkg/fragment"
	"github.com/bararchive/creator/pkg/incremental"
	"github.com/bararchive/creator/pkg/index"
	"github.com/bararchive/creator/pkg/index/postgres"
	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/logging"
	"github.com/bararchive/creator/pkg/monitor"
	"github.com/bararchive/creator/pkg/progress"
	"github.com/bararchive/creator/pkg/storage"
	"github.com/bararchive/creator/pkg/worker"
)

const entryQueueCapacity = 256

// Config configures one run of the controller.
type Config struct {
	Options  *job.Options
	Logger   *logging.Logger
	Callback progress.Callback // external progress sink; throttled per pkg/progress

	TempDir       string
	IncrementalDir string // directory holding derived incremental-map files; defaults to TempDir

	// IndexDSN, if set, opens a postgres-backed index.Index for the run
	// (spec.md §4.5 step 2: "open the index handle, if available"). A
	// blank IndexDSN disables indexing altogether.
	IndexDSN string

	// Monitor, if non-nil, is started before the pipeline spawns and
	// stopped after it joins (SPEC_FULL.md expansion "step 7.5": an
	// optional HTTP/WS progress surface).
	Monitor *monitor.Server
}

// Result is what a run reports on return (spec.md §6: "Exit status ∈
// {NONE, ABORTED, various typed errors}").
type Result struct {
	FailErr *errs.Error
	Aborted bool
}

// Controller runs one job end to end.
type Controller struct {
	cfg Config

	abortFlag atomic.Bool
	pauseFlag atomic.Bool
}

// New creates a Controller for cfg.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Abort asks the run to stop at the next suspension point (spec.md §5).
func (c *Controller) Abort() { c.abortFlag.Store(true) }

// SetPaused toggles the run's pause state (spec.md §5: "pauseCreate helper").
func (c *Controller) SetPaused(paused bool) { c.pauseFlag.Store(paused) }

func (c *Controller) isAborted() bool { return c.abortFlag.Load() }
func (c *Controller) isPaused() bool  { return c.pauseFlag.Load() }

// Run executes every step of spec.md §4.5 and returns the terminal result.
func (c *Controller) Run(ctx context.Context) Result {
	opts := c.cfg.Options
	if err := opts.Validate(); err != nil {
		return Result{FailErr: errs.Wrap(errs.FileNotFound, "validating job options", err)}
	}
	log := c.cfg.Logger
	if log == nil {
		log = logging.New(logging.DefaultConfig())
	}
	log = log.WithComponent("run")

	fail := errs.NewSticky()
	prog := progress.New(c.cfg.Callback)

	// Step 1: parse the storage URL into a specifier.
	specifier, err := storage.ParseSpecifier(opts.StorageURL)
	if err != nil {
		return Result{FailErr: errs.Wrap(errs.NoStorageName, "parsing storage URL", err)}
	}

	// Step 2: open the index handle, if available.
	idx, closeIdx, err := c.openIndex(ctx)
	if err != nil {
		return Result{FailErr: errs.Wrap(errs.Index, "opening index", err)}
	}
	if closeIdx != nil {
		defer closeIdx()
	}

	// Step 3: mount configured devices. No device-mounting collaborator
	// exists in this corpus to ground an implementation on; a run that
	// names a raw-device include entry relies on it already being mounted
	// by the caller.
	log.Debug("device mount step is a no-op in this implementation")

	// Step 4: initialize the storage back-end.
	backend, err := storage.New(specifier)
	if err != nil {
		return Result{FailErr: errs.Wrap(errs.Storage, "initializing storage backend", err)}
	}
	if err := backend.Connect(ctx); err != nil {
		return Result{FailErr: errs.Wrap(errs.Storage, "connecting storage backend", err)}
	}
	defer backend.Disconnect(ctx)

	// Step 5: load or create the incremental map. Full and incremental runs
	// both rewrite it afterward (spec.md §4.3); a full run starts from an
	// empty map since it has nothing to compare against, while incremental
	// and differential runs load the map the last full/incremental run left
	// behind.
	var incMap *incremental.Map
	incPath := c.incrementalPath(specifier.ArchiveName, opts.JobUUID)
	switch opts.ArchiveType {
	case job.ArchiveFull:
		incMap = incremental.New()
	case job.ArchiveIncremental, job.ArchiveDifferential:
		incMap, err = incremental.Load(incPath)
		if err != nil {
			return Result{FailErr: err.(*errs.Error)}
		}
	}
	var incMu sync.Mutex

	// Step 6: ensure the UUID row exists; create a new, locked entity row.
	var entityID string
	if idx != nil {
		if err := idx.EnsureUUID(ctx, opts.JobUUID); err != nil {
			return Result{FailErr: errs.Wrap(errs.Index, "ensuring uuid row", err)}
		}
		entityID, err = idx.CreateEntity(ctx, opts.JobUUID)
		if err != nil {
			return Result{FailErr: errs.Wrap(errs.Index, "creating entity row", err)}
		}
	}

	entryQueue := entry.NewQueue(entryQueueCapacity)
	storageQueue := entry.NewStorageQueue()
	fragments := fragment.NewMap()
	var fragmentsMu sync.Mutex
	produced := worker.NewProducedNames()

	disp := dispatch.New(dispatch.Config{
		Backend:     backend,
		Index:       idx,
		Queue:       storageQueue,
		Options:     opts,
		Logger:      log,
		Progress:    prog,
		Fail:        fail,
		Abort:       c.isAborted,
		Pause:       c.isPaused,
		JobUUID:     opts.JobUUID,
		EntityID:    entityID,
		ArchiveName: specifier.ArchiveName,
	})

	// Step 7: create the archive writer, bound to the dispatcher's
	// getSize/store callbacks.
	writer, err := archivewriter.New(archivewriter.Config{
		TempDir:           c.cfg.TempDir,
		SegmentTargetSize: opts.FragmentSize,
		DryRun:            opts.Flags.DryRun,
	}, archivewriter.Callbacks{
		GetSize: disp.GetSize,
		Store:   disp.Store,
	})
	if err != nil {
		return Result{FailErr: errs.Wrap(errs.WriteFile, "creating archive writer", err)}
	}

	if c.cfg.Monitor != nil {
		c.cfg.Monitor.Bind(prog)
		go c.cfg.Monitor.Serve()
		defer c.cfg.Monitor.Shutdown(ctx)
	}

	// Step 8: spawn sum-enumerator, entry-enumerator, dispatcher, workers.
	var enumWG sync.WaitGroup
	enumWG.Add(2)
	go func() {
		defer enumWG.Done()
		sumCfg := enumerate.Config{Options: opts, Logger: log, Progress: prog, Incremental: incMap, IncrementalMu: &incMu, Abort: c.isAborted}
		if err := enumerate.New(sumCfg).Run(ctx, enumerate.SumPass); err != nil {
			fail.Set(toErrsError(err))
		}
	}()
	go func() {
		defer enumWG.Done()
		entryCfg := enumerate.Config{Options: opts, Logger: log, Progress: prog, Incremental: incMap, IncrementalMu: &incMu, Queue: entryQueue, Abort: c.isAborted}
		if err := enumerate.New(entryCfg).Run(ctx, enumerate.EntryPass); err != nil {
			fail.Set(toErrsError(err))
		}
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		disp.Run(ctx)
	}()

	pool := worker.New(worker.Config{
		Options:     opts,
		Logger:      log,
		Progress:    prog,
		Fragments:   fragments,
		FragmentsMu: &fragmentsMu,
		Writer:      writer,
		Queue:       entryQueue,
		TempDir:     c.cfg.TempDir,
		Produced:    produced,
		Fail:        fail,
		Abort:       c.isAborted,
		Pause:       c.isPaused,
	})
	threads := opts.MaxThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	// Step 9: join the enumerators, signal end-of-entries, join workers,
	// close the archive writer.
	enumWG.Wait()
	entryQueue.Close()
	pool.Run(ctx, threads)
	if err := writer.Close(ctx, true); err != nil {
		fail.Set(errs.Wrap(errs.WriteFile, "closing archive writer", err))
	}

	// Step 10: signal end-of-storage, join the dispatcher.
	storageQueue.Close()
	<-dispatchDone

	aborted := c.isAborted()
	failErr := fail.Get()

	// Step 11: update aggregates, unlock/delete/prune the entity.
	if idx != nil {
		idx.UpdateEntityAggregate(ctx, entityID)
		idx.UnlockEntity(ctx, entityID)
		if failErr != nil || opts.Flags.DryRun || aborted {
			idx.DeleteEntity(ctx, entityID)
		} else {
			idx.PruneEntityIfEmpty(ctx, entityID)
		}
	}

	// Step 12: write the incremental map on success and non-dry-run, for
	// full or incremental runs — a differential run never rewrites the map,
	// so the next incremental run still compares against the last full/
	// incremental baseline (spec.md §4.3).
	rewritesMap := opts.ArchiveType == job.ArchiveFull || opts.ArchiveType == job.ArchiveIncremental
	if incMap != nil && failErr == nil && !aborted && !opts.Flags.DryRun && rewritesMap {
		if err := incMap.Save(incPath); err != nil {
			log.Error("saving incremental map failed", logging.WithEvent(logging.EventError, map[string]interface{}{"error": err.Error()}))
		}
	}

	// Step 13: unmount/free/close index — Disconnect and closeIdx run via
	// their deferred calls above.
	return Result{FailErr: failErr, Aborted: aborted}
}

func (c *Controller) openIndex(ctx context.Context) (index.Index, func(), error) {
	if c.cfg.IndexDSN == "" {
		return nil, nil, nil
	}
	db, err := postgres.Open(ctx, postgres.Config{ConnectionString: c.cfg.IndexDSN})
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db.Close(closeCtx)
	}, nil
}

func (c *Controller) incrementalPath(archiveName, jobUUID string) string {
	dir := c.cfg.IncrementalDir
	if dir == "" {
		dir = c.cfg.TempDir
	}
	name := archiveName
	if name == "" {
		name = jobUUID
	}
	return filepath.Join(dir, name+".incr")
}

func toErrsError(err error) *errs.Error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.Wrap(errs.ReadFile, "enumeration", err)
}
