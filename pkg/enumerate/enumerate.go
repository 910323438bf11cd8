// Package enumerate implements the two-pass enumerator (spec.md §4.1): the
// same traversal algorithm run once to accumulate totals (SumPass) and once
// to emit work messages (EntryPass), so that a live progress consumer always
// observes done <= total.
package enumerate

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/entry"
	"github.com/bararchive/creator/pkg/incremental"
	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/logging"
	"github.com/bararchive/creator/pkg/pattern"
	"github.com/bararchive/creator/pkg/progress"
)

// Pass selects which of the two twin traversal passes runs.
type Pass int

const (
	SumPass Pass = iota
	EntryPass
)

// AbortFunc reports whether the run has been asked to stop (spec.md §5).
type AbortFunc func() bool

// Config bundles everything one enumerator run needs. The same Config,
// modulo Pass, drives both passes so their decisions are identical by
// construction (spec.md §4.1: "identical between the two passes; only the
// terminal effect differs").
type Config struct {
	Options     *job.Options
	Logger      *logging.Logger
	Progress    *progress.Aggregator
	Incremental *incremental.Map // set for full, incremental and differential runs; nil for continuous runs
	// IncrementalMu guards Incremental. The run controller spawns the
	// SumPass and EntryPass enumerators concurrently over the same map
	// (spec.md §4.5 step 8), and incremental.Map has no internal locking,
	// so every Changed/Set call must take this mutex when it is set
	// (mirrors pkg/worker.Config's Fragments/FragmentsMu pairing).
	IncrementalMu *sync.Mutex
	Queue         *entry.Queue // required for EntryPass, unused for SumPass
	Abort       AbortFunc
	// Journal switches the entry pass to continuous mode (spec.md §4.1
	// "Continuous mode variant"); nil means walk the filesystem.
	Journal Journal
}

// Enumerator runs one pass of the traversal algorithm over a Config's
// include entries. A fresh Enumerator is created per pass: the exact
// duplicate-suppression set and hardlink groups are pass-local, matching
// the source's twin-pass design (each pass walks independently).
type Enumerator struct {
	cfg Config

	bloom   *bloom.BloomFilter // probabilistic front-filter, SPEC_FULL §2
	visited map[string]struct{}

	hardlinks map[uint64]*hardlinkGroup

	matched []bool // per include index, whether anything matched (strict mode)
}

// New creates an Enumerator for one pass.
func New(cfg Config) *Enumerator {
	return &Enumerator{
		cfg:       cfg,
		bloom:     bloom.NewWithEstimates(1_000_000, 0.01),
		visited:   make(map[string]struct{}),
		hardlinks: make(map[uint64]*hardlinkGroup),
		matched:   make([]bool, len(cfg.Options.Includes)),
	}
}

type fileClass int

const (
	classFile fileClass = iota
	classDirectory
	classLink
	classHardlink
	classBlockDevice
	classSpecial
)

// Run walks every include entry (or, if cfg.Journal is set, the continuous
// change journal) and dispatches each visited name. For EntryPass it also
// enforces the strict-include-match failure at the end.
func (e *Enumerator) Run(ctx context.Context, pass Pass) error {
	if e.cfg.Journal != nil {
		return e.runContinuous(ctx, pass)
	}
	for idx, inc := range e.cfg.Options.Includes {
		if e.aborted() {
			return errs.New(errs.Aborted, "enumeration aborted")
		}
		if err := e.walkInclude(ctx, pass, idx, inc); err != nil {
			return err
		}
	}
	e.emitRemainingHardlinkGroups(pass)

	if pass == EntryPass && e.cfg.Options.Flags.StrictIncludeMatch {
		for idx, ok := range e.matched {
			if !ok {
				return errs.New(errs.FileNotFound, "include pattern matched nothing: "+e.cfg.Options.Includes[idx].Pattern.String())
			}
		}
	}
	return nil
}

func (e *Enumerator) aborted() bool {
	return e.cfg.Abort != nil && e.cfg.Abort()
}

// walkInclude performs the explicit-stack depth-first traversal of one
// include entry's base path (spec.md §4.1 steps 1-2).
func (e *Enumerator) walkInclude(ctx context.Context, pass Pass, idx int, inc job.IncludeEntry) error {
	base := pattern.BasePath(inc.Pattern.String())
	stack := []string{base}

	for len(stack) > 0 {
		if e.aborted() {
			return errs.New(errs.Aborted, "enumeration aborted")
		}
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		info, err := os.Lstat(name)
		if err != nil {
			if e.cfg.Options.Flags.SkipUnreadable {
				e.logSkip(pass, name, logging.EventEntryAccessDenied, "stat failed")
				continue
			}
			return errs.Wrap(errs.FileNotFound, "stat "+name, err)
		}

		children, handled, err := e.visit(ctx, pass, idx, inc, name, info)
		if err != nil {
			return err
		}
		if handled {
			e.matched[idx] = true
		}
		stack = append(stack, children...)
	}
	return nil
}

// visit applies the no-dump/duplicate/nobackup/include-exclude/classify
// chain to one name (spec.md §4.1 step 3) and dispatches it (step 4).
// It returns the directory children to push (if name is a traversable
// directory) and whether the name was accepted as part of this include.
//
// A directory's children are pushed for traversal regardless of whether the
// directory itself matches the include pattern — the base path reached by
// pattern.BasePath is, by construction, a literal prefix of the glob and
// will usually not match the glob itself, yet still must be descended into
// to reach the names that do. Exclude patterns and .nobackup still prune
// the whole subtree.
func (e *Enumerator) visit(ctx context.Context, pass Pass, idx int, inc job.IncludeEntry, name string, info os.FileInfo) ([]string, bool, error) {
	if e.cfg.Options.Flags.IgnoreNoDump && noDumpSet(name) {
		e.logSkip(pass, name, logging.EventEntryExcluded, "no-dump attribute set")
		return nil, false, nil
	}

	if e.isDuplicate(name) {
		return nil, false, nil
	}

	if pattern.MatchAny(e.cfg.Options.Excludes, name) {
		e.logSkip(pass, name, logging.EventEntryExcluded, "excluded by pattern")
		return nil, false, nil
	}

	dirMarkerExcluded := false
	if info.IsDir() {
		if _, err := os.Lstat(filepath.Join(name, ".nobackup")); err == nil {
			dirMarkerExcluded = true
		}
	}

	e.markVisited(name)
	class := classify(info)
	matchesPattern := inc.Pattern.Match(name)

	var children []string
	if class == classDirectory {
		if dirMarkerExcluded {
			e.logSkip(pass, name, logging.EventEntryExcluded, ".nobackup marker")
		} else {
			entries, err := os.ReadDir(name)
			if err != nil {
				if e.cfg.Options.Flags.SkipUnreadable {
					e.logSkip(pass, name, logging.EventEntryAccessDenied, "readdir failed")
				} else {
					return nil, false, errs.Wrap(errs.FileNotFound, "readdir "+name, err)
				}
			} else {
				children = make([]string, 0, len(entries))
				for _, de := range entries {
					children = append(children, filepath.Join(name, de.Name()))
				}
			}
		}
	}

	if !matchesPattern {
		return children, false, nil
	}

	if err := e.dispatch(ctx, pass, inc.StoreType, class, name, info); err != nil {
		return children, true, err
	}
	return children, true, nil
}

func (e *Enumerator) isDuplicate(name string) bool {
	key := []byte(name)
	if !e.bloom.Test(key) {
		e.bloom.Add(key)
		e.visited[name] = struct{}{}
		return false
	}
	_, exact := e.visited[name]
	return exact
}

func (e *Enumerator) markVisited(name string) {
	e.visited[name] = struct{}{}
	e.bloom.Add([]byte(name))
}

func classify(info os.FileInfo) fileClass {
	mode := info.Mode()
	switch {
	case mode&os.ModeSymlink != 0:
		return classLink
	case info.IsDir():
		return classDirectory
	case mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0:
		return classBlockDevice
	case mode&(os.ModeNamedPipe|os.ModeSocket|os.ModeCharDevice) != 0:
		return classSpecial
	case mode.IsRegular():
		if linkCount(info) > 1 {
			return classHardlink
		}
		return classFile
	default:
		return classSpecial
	}
}

func linkCount(info os.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 1
	}
	return uint64(st.Nlink)
}

func inodeID(info os.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return st.Ino
}

func fragmentSizes(total, fragmentSize int64) []fragmentBounds {
	if fragmentSize <= 0 || total <= fragmentSize {
		return []fragmentBounds{{offset: 0, size: total}}
	}
	var out []fragmentBounds
	for offset := int64(0); offset < total; offset += fragmentSize {
		size := fragmentSize
		if offset+size > total {
			size = total - offset
		}
		out = append(out, fragmentBounds{offset: offset, size: size})
	}
	return out
}

type fragmentBounds struct {
	offset int64
	size   int64
}

func (e *Enumerator) logSkip(pass Pass, name string, event logging.Event, reason string) {
	if e.cfg.Logger != nil {
		e.cfg.Logger.Info(reason, logging.WithEvent(event, map[string]interface{}{"path": name}))
	}
	if pass == EntryPass && e.cfg.Progress != nil {
		e.cfg.Progress.AddSkipped(1, 0)
	}
}

// emitRemainingHardlinkGroups flushes hardlink groups that never reached
// their expected link count (spec.md §4.1 step 5).
func (e *Enumerator) emitRemainingHardlinkGroups(pass Pass) {
	ids := make([]uint64, 0, len(e.hardlinks))
	for id := range e.hardlinks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		group := e.hardlinks[id]
		delete(e.hardlinks, id)
		e.emitHardlinkGroup(pass, group)
	}
}
