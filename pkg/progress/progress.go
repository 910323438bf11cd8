// Package progress implements the progress aggregator (spec.md §2.2, §3):
// mutable done/skipped/error/total counters for entries and bytes, archive
// size and compression ratio, and the current-entry descriptor, all
// mutated under one lock and surfaced to external callers via a callback
// throttled to once every 500ms. Adapted from the throttling pattern in
// the teacher's pkg/core/streaming progress reporters.
package progress

import (
	"sync"
	"time"
)

const defaultCallbackInterval = 500 * time.Millisecond

// Counts tracks entry and byte totals for one bucket (done/skipped/error/
// total).
type Counts struct {
	EntryCount int64
	ByteCount  int64
}

// CurrentEntry describes the entry a worker is presently processing, for
// display in a live progress view.
type CurrentEntry struct {
	Name           string
	FragmentNumber int
	FragmentCount  int
}

// Snapshot is an immutable copy of the aggregator state, safe to hand to a
// callback or serialize to JSON (pkg/monitor does the latter).
type Snapshot struct {
	Done             Counts
	Skipped          Counts
	Error            Counts
	Total            Counts
	ArchiveSize      int64
	CompressionRatio float64
	Current          CurrentEntry
	Timestamp        time.Time
}

// Callback receives a Snapshot at most once per throttle interval.
type Callback func(Snapshot)

// Aggregator is the shared, lockable counters object. One Aggregator is
// created per run and shared by the enumerator, every worker, and the
// storage dispatcher.
type Aggregator struct {
	mu sync.Mutex

	done, skipped, errored, total Counts
	archiveSize                   int64
	uncompressedSize              int64

	current CurrentEntry

	callbacks    []Callback
	interval     time.Duration
	lastCallback time.Time
}

// New creates an Aggregator. A nil callback disables external reporting
// (counters are still maintained and can be read via Snapshot()).
func New(callback Callback) *Aggregator {
	a := &Aggregator{interval: defaultCallbackInterval}
	if callback != nil {
		a.callbacks = append(a.callbacks, callback)
	}
	return a
}

// Subscribe registers an additional callback, invoked alongside any
// callback passed to New under the same throttle (pkg/monitor uses this to
// fan a run's progress out to its HTTP/WS surface without displacing the
// caller's own callback).
func (a *Aggregator) Subscribe(callback Callback) {
	if callback == nil {
		return
	}
	a.mu.Lock()
	a.callbacks = append(a.callbacks, callback)
	a.mu.Unlock()
}

// WithInterval overrides the default 500ms throttle; intended for tests.
func (a *Aggregator) WithInterval(d time.Duration) *Aggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interval = d
	return a
}

// AddTotal increments the total bucket. Called by the enumerator's sum
// pass; total.count is monotonic non-decreasing (spec.md §4.1).
func (a *Aggregator) AddTotal(entries int64, bytes int64) {
	a.mu.Lock()
	a.total.EntryCount += entries
	a.total.ByteCount += bytes
	a.mu.Unlock()
	a.maybeNotify()
}

// AddDone increments the done bucket. Archive size and ratio are
// maintained by AddArchiveBytes.
func (a *Aggregator) AddDone(entries int64, bytes int64) {
	a.mu.Lock()
	a.done.EntryCount += entries
	a.done.ByteCount += bytes
	a.mu.Unlock()
	a.maybeNotify()
}

// AddSkipped increments the skipped bucket.
func (a *Aggregator) AddSkipped(entries int64, bytes int64) {
	a.mu.Lock()
	a.skipped.EntryCount += entries
	a.skipped.ByteCount += bytes
	a.mu.Unlock()
	a.maybeNotify()
}

// AddError increments the error bucket.
func (a *Aggregator) AddError(entries int64, bytes int64) {
	a.mu.Lock()
	a.errored.EntryCount += entries
	a.errored.ByteCount += bytes
	a.mu.Unlock()
	a.maybeNotify()
}

// AddArchiveBytes records that archiveBytes compressed/encrypted bytes were written to
// the archive, used to maintain the running compression ratio against
// uncompressedBytes read from source data.
func (a *Aggregator) AddArchiveBytes(archiveBytes, uncompressedBytes int64) {
	a.mu.Lock()
	a.archiveSize += archiveBytes
	a.uncompressedSize += uncompressedBytes
	a.mu.Unlock()
	a.maybeNotify()
}

// SetCurrent records the entry currently being streamed, for display.
func (a *Aggregator) SetCurrent(entry CurrentEntry) {
	a.mu.Lock()
	a.current = entry
	a.mu.Unlock()
	a.maybeNotify()
}

// Snapshot returns a consistent copy of all counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	ratio := 1.0
	if a.uncompressedSize > 0 {
		ratio = float64(a.archiveSize) / float64(a.uncompressedSize)
	}
	return Snapshot{
		Done:             a.done,
		Skipped:          a.skipped,
		Error:            a.errored,
		Total:            a.total,
		ArchiveSize:      a.archiveSize,
		CompressionRatio: ratio,
		Current:          a.current,
		Timestamp:        time.Now(),
	}
}

// maybeNotify invokes the callback if one is set and the throttle interval
// has elapsed since the last invocation (spec.md §2.2, §5: "throttled to one
// external callback every 500ms").
func (a *Aggregator) maybeNotify() {
	a.mu.Lock()
	if len(a.callbacks) == 0 {
		a.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(a.lastCallback) < a.interval {
		a.mu.Unlock()
		return
	}
	a.lastCallback = now
	snap := a.snapshotLocked()
	callbacks := a.callbacks
	a.mu.Unlock()

	for _, cb := range callbacks {
		cb(snap)
	}
}

// Flush forces an immediate callback invocation regardless of the throttle,
// used by the run controller to deliver the final snapshot.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if len(a.callbacks) == 0 {
		a.mu.Unlock()
		return
	}
	a.lastCallback = time.Now()
	snap := a.snapshotLocked()
	callbacks := a.callbacks
	a.mu.Unlock()
	for _, cb := range callbacks {
		cb(snap)
	}
}

// EmittedCount returns skipped+error+done entry counts, which spec.md §8
// requires to equal the number of entries the enumerator emitted.
func (s Snapshot) EmittedCount() int64 {
	return s.Skipped.EntryCount + s.Error.EntryCount + s.Done.EntryCount
}
