// Package worker implements the entry store workers (spec.md §4.2): a pool
// of goroutines draining the bounded entry queue, each dispatching by
// message type to a per-type store routine that streams content through the
// archive writer and updates the shared progress/fragment state.
package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/archivewriter"
	"github.com/bararchive/creator/pkg/entry"
	"github.com/bararchive/creator/pkg/fragment"
	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/logging"
	"github.com/bararchive/creator/pkg/progress"
)

const pausePollInterval = 500 * time.Millisecond

// entryBufferSize is the per-worker streaming buffer size (spec.md §4.2,
// Design Note §9: "each worker owns one 64 KiB buffer").
const entryBufferSize = 64 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, entryBufferSize)
		return &buf
	},
}

// AbortFunc reports whether the run has been asked to stop.
type AbortFunc func() bool

// PauseFunc reports whether the run is currently paused.
type PauseFunc func() bool

// Config bundles everything shared by every worker in a pool.
type Config struct {
	Options   *job.Options
	Logger    *logging.Logger
	Progress  *progress.Aggregator
	Fragments *fragment.Map
	// FragmentsMu guards Fragments (unlocked by design, spec.md §5: "one
	// mutex protecting the progress snapshot, the fragment map, and
	// runningInfoCurrentFragmentNode").
	FragmentsMu *sync.Mutex
	Writer      *archivewriter.Simple
	Queue       *entry.Queue
	TempDir     string
	Produced    *ProducedNames
	Fail        *errs.Sticky
	Abort       AbortFunc
	Pause       PauseFunc
}

// Pool runs worker goroutines over Config.Queue; Run takes their count.
type Pool struct {
	cfg Config
}

// New creates a worker pool. The thread count is passed to Run and must
// already be resolved (job.Options.MaxThreads==0 means "caller picks a
// default", resolved by pkg/run).
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg}
}

// Run starts count workers and blocks until the queue is closed and
// drained by all of them, or the context is canceled.
func (p *Pool) Run(ctx context.Context, count int) {
	if count <= 0 {
		count = 1
	}
	var wg sync.WaitGroup
	wg.Add(count)
	for i := 0; i < count; i++ {
		go func(workerID int) {
			defer wg.Done()
			p.loop(ctx, workerID)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	log := p.cfg.Logger
	if log != nil {
		log = log.WithComponent("worker")
	}
	for {
		if p.aborted() || p.cfg.Fail.IsSet() {
			p.cfg.Queue.Close()
			return
		}
		p.waitWhilePaused(ctx)

		msg, ok := p.cfg.Queue.Get()
		if !ok {
			return
		}

		if p.isSelfReference(msg) {
			msg.Release()
			continue
		}

		if err := p.process(ctx, msg); err != nil {
			kind := errs.KindOf(err)
			if log != nil {
				log.Error("entry store failed", logging.WithEvent(logging.EventError, map[string]interface{}{
					"error": err.Error(),
					"kind":  kind.String(),
				}))
			}
			if e, ok := err.(*errs.Error); ok {
				p.cfg.Fail.Set(e)
			} else {
				p.cfg.Fail.Set(errs.Wrap(errs.ReadFile, "entry store", err))
			}
			p.cfg.Queue.Close()
		}
		msg.Release()
	}
}

func (p *Pool) aborted() bool {
	return p.cfg.Abort != nil && p.cfg.Abort()
}

// waitWhilePaused blocks, polling every 500ms, while the run is paused
// (spec.md §5: "the explicit pauseCreate helper (polls a pause predicate
// every 500 ms until false or abort)").
func (p *Pool) waitWhilePaused(ctx context.Context) {
	if p.cfg.Pause == nil {
		return
	}
	for p.cfg.Pause() && !p.aborted() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pausePollInterval):
		}
	}
}

// isSelfReference rejects paths under the tool's temp directory or already
// produced as storage output (spec.md §4.2 step (i)).
func (p *Pool) isSelfReference(msg entry.Message) bool {
	names := namesOf(msg)
	for _, name := range names {
		if p.cfg.TempDir != "" && strings.HasPrefix(name, p.cfg.TempDir) {
			return true
		}
		if p.cfg.Produced != nil && p.cfg.Produced.Contains(name) {
			return true
		}
	}
	return false
}

func namesOf(msg entry.Message) []string {
	switch m := msg.(type) {
	case entry.FileMessage:
		return m.Names
	case entry.ImageMessage:
		return m.Names
	case entry.DirectoryMessage:
		return m.Names
	case entry.LinkMessage:
		return m.Names
	case entry.HardlinkMessage:
		return m.Names
	case entry.SpecialMessage:
		return m.Names
	default:
		return nil
	}
}

func (p *Pool) getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func (p *Pool) putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}
