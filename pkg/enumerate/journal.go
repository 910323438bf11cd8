package enumerate

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/bararchive/creator/pkg/logging"
)

// JournalRow is one pending change-journal entry: a stable row identifier
// and the path it concerns (spec.md GLOSSARY: "Continuous mode").
type JournalRow struct {
	RowID string
	Path  string
}

// Journal is the continuous-mode change source (spec.md §4.1 "Continuous
// mode variant"). Next blocks until a row is available, ctx is done, or the
// journal is closed. MarkStored records that a row's entry pass completed
// successfully.
type Journal interface {
	Next(ctx context.Context) (JournalRow, bool, error)
	MarkStored(rowID string) error
}

// FsnotifyJournal watches a set of root directories with fsnotify and turns
// write/create events into journal rows buffered in an in-memory ring.
// Durable continuous-mode persistence across process restarts is out of
// scope (SPEC_FULL.md §6.1) — this satisfies the spec literally without
// inventing a WAL.
type FsnotifyJournal struct {
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	rows   []JournalRow
	closed bool
	nextID int64
}

// NewFsnotifyJournal creates a journal watching roots recursively is not
// attempted here (fsnotify watches are non-recursive); callers add
// subdirectories discovered during the initial walk via AddRoot.
func NewFsnotifyJournal(roots []string, logger *logging.Logger) (*FsnotifyJournal, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	j := &FsnotifyJournal{watcher: watcher, logger: logger}
	j.cond = sync.NewCond(&j.mu)

	for _, root := range roots {
		if err := j.AddRoot(root); err != nil {
			watcher.Close()
			return nil, err
		}
	}
	go j.pump()
	return j, nil
}

// AddRoot registers an additional directory with the underlying watcher.
func (j *FsnotifyJournal) AddRoot(root string) error {
	return j.watcher.Add(root)
}

func (j *FsnotifyJournal) pump() {
	for {
		select {
		case ev, ok := <-j.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			j.mu.Lock()
			j.nextID++
			row := JournalRow{RowID: idString(j.nextID), Path: ev.Name}
			j.rows = append(j.rows, row)
			j.cond.Signal()
			j.mu.Unlock()
		case err, ok := <-j.watcher.Errors:
			if !ok {
				return
			}
			if j.logger != nil {
				j.logger.Warn("fsnotify watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Next returns the oldest unconsumed row, blocking until one arrives, ctx
// is canceled, or Close is called.
func (j *FsnotifyJournal) Next(ctx context.Context) (JournalRow, bool, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			j.mu.Lock()
			j.cond.Broadcast()
			j.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	j.mu.Lock()
	defer j.mu.Unlock()
	for len(j.rows) == 0 && !j.closed {
		if ctx.Err() != nil {
			return JournalRow{}, false, nil
		}
		j.cond.Wait()
	}
	if len(j.rows) == 0 {
		return JournalRow{}, false, nil
	}
	row := j.rows[0]
	j.rows = j.rows[1:]
	return row, true, nil
}

// MarkStored is a no-op for FsnotifyJournal: rows are removed from the ring
// as soon as Next returns them, so there is nothing left to mark.
func (j *FsnotifyJournal) MarkStored(rowID string) error {
	return nil
}

// Close stops the watcher and unblocks any pending Next call.
func (j *FsnotifyJournal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.cond.Broadcast()
	j.mu.Unlock()
	return j.watcher.Close()
}

func idString(n int64) string {
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
