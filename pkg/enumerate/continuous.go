package enumerate

import (
	"context"
	"os"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/logging"
	"github.com/bararchive/creator/pkg/pattern"
)

// runContinuous iterates the change journal instead of walking the
// filesystem (spec.md §4.1 "Continuous mode variant"): each row is stat'd
// and processed through the same visit/dispatch chain; on successful
// emission in the entry pass the row is marked stored; a size cap
// (continuousMaxSize) filters large files.
func (e *Enumerator) runContinuous(ctx context.Context, pass Pass) error {
	for {
		if e.aborted() {
			return errs.New(errs.Aborted, "enumeration aborted")
		}
		row, ok, err := e.cfg.Journal.Next(ctx)
		if err != nil {
			return errs.Wrap(errs.ReadFile, "reading continuous change journal", err)
		}
		if !ok {
			return nil
		}

		info, err := os.Lstat(row.Path)
		if err != nil {
			if e.cfg.Options.Flags.SkipUnreadable {
				e.logSkip(pass, row.Path, logging.EventEntryAccessDenied, "stat failed")
				continue
			}
			return errs.Wrap(errs.FileNotFound, "stat "+row.Path, err)
		}

		maxSize := e.cfg.Options.ContinuousMaxSize
		if maxSize > 0 && info.Size() > maxSize {
			e.logSkip(pass, row.Path, logging.EventEntryExcluded, "exceeds continuous mode size cap")
			continue
		}

		inc, idx := e.matchingInclude(row.Path)
		if idx < 0 {
			continue
		}
		if pattern.MatchAny(e.cfg.Options.Excludes, row.Path) {
			e.logSkip(pass, row.Path, logging.EventEntryExcluded, "excluded by pattern")
			continue
		}
		if e.isDuplicate(row.Path) {
			continue
		}
		e.markVisited(row.Path)

		class := classify(info)
		if err := e.dispatch(ctx, pass, inc.StoreType, class, row.Path, info); err != nil {
			return err
		}
		e.matched[idx] = true

		if pass == EntryPass {
			if err := e.cfg.Journal.MarkStored(row.RowID); err != nil {
				return errs.Wrap(errs.WriteFile, "marking continuous journal row stored", err)
			}
		}
	}
}

func (e *Enumerator) matchingInclude(path string) (job.IncludeEntry, int) {
	for idx, inc := range e.cfg.Options.Includes {
		if inc.Pattern.Match(path) {
			return inc, idx
		}
	}
	return job.IncludeEntry{}, -1
}
