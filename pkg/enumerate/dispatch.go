package enumerate

import (
	"context"
	"os"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/entry"
	"github.com/bararchive/creator/pkg/imagefs"
	"github.com/bararchive/creator/pkg/incremental"
	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/logging"
)

// dispatch implements spec.md §4.1 step 4's (fileClass, storeType) table.
func (e *Enumerator) dispatch(ctx context.Context, pass Pass, storeType job.StoreType, class fileClass, name string, info os.FileInfo) error {
	switch {
	case class == classFile && storeType == job.StoreFile:
		return e.dispatchFile(pass, name, info)
	case class == classFile && storeType == job.StoreImage:
		e.logSkip(pass, name, logging.EventEntryTypeUnknown, "not a device")
		return nil
	case class == classLink && storeType == job.StoreImage:
		return e.dispatchImageViaLink(pass, name, info)
	case class == classBlockDevice && storeType == job.StoreImage:
		return e.dispatchImage(pass, name, info)
	case class == classDirectory && storeType == job.StoreFile:
		return e.dispatchDirectory(pass, name, info)
	case class == classLink && storeType == job.StoreFile:
		return e.dispatchLink(pass, name, info)
	case class == classHardlink && storeType == job.StoreFile:
		return e.dispatchHardlink(pass, name, info)
	case class == classSpecial && storeType == job.StoreFile:
		return e.dispatchSpecial(pass, name, info)
	default:
		e.logSkip(pass, name, logging.EventEntryTypeUnknown, "unsupported entry type for store type")
		return nil
	}
}

func (e *Enumerator) dispatchFile(pass Pass, name string, info os.FileInfo) error {
	cast := castOf(info)
	if e.cfg.Options.ArchiveType.IsPartial() && e.cfg.Incremental != nil {
		if !e.incrementalChanged(name, cast) {
			return nil
		}
	}

	// Full and incremental runs rewrite the map with this pass's view so the
	// next incremental run compares against it (spec.md §4.3: the map is
	// rewritten "for full or incremental runs (not differential)").
	archiveType := e.cfg.Options.ArchiveType
	if pass == EntryPass && e.cfg.Incremental != nil &&
		(archiveType == job.ArchiveFull || archiveType == job.ArchiveIncremental) {
		e.setIncremental(name, cast)
	}

	bounds := fragmentSizes(info.Size(), e.cfg.Options.FragmentSize)
	for i, b := range bounds {
		if pass == SumPass {
			e.cfg.Progress.AddTotal(boolToInt64(i == 0), b.size)
			continue
		}
		msg := entry.FileMessage{
			Names: []string{name},
			Info:  info,
			Fragment: entry.FragmentInfo{
				FragmentNumber: i,
				FragmentCount:  len(bounds),
				FragmentOffset: b.offset,
				FragmentSize:   b.size,
			},
		}
		e.cfg.Queue.Put(msg)
	}
	return nil
}

func (e *Enumerator) dispatchImageViaLink(pass Pass, name string, info os.FileInfo) error {
	target, err := os.Readlink(name)
	if err != nil {
		if e.cfg.Options.Flags.SkipUnreadable {
			e.logSkip(pass, name, logging.EventEntryAccessDenied, "readlink failed")
			return nil
		}
		return errs.Wrap(errs.FileNotFound, "readlink "+name, err)
	}
	targetInfo, err := os.Stat(target)
	if err != nil {
		if e.cfg.Options.Flags.SkipUnreadable {
			e.logSkip(pass, name, logging.EventEntryAccessDenied, "stat link target failed")
			return nil
		}
		return errs.Wrap(errs.FileNotFound, "stat link target "+target, err)
	}
	return e.emitImageFragments(pass, name, targetInfo)
}

func (e *Enumerator) dispatchImage(pass Pass, name string, info os.FileInfo) error {
	return e.emitImageFragments(pass, name, info)
}

func (e *Enumerator) emitImageFragments(pass Pass, name string, info os.FileInfo) error {
	blockSize := int64(4096)
	size := info.Size()

	// spec.md §4.2 "Image": when rawImages is unset, probe the filesystem
	// type and use its block-used bitmap to skip unused blocks (zeroed-block
	// substitution happens in the store worker; here we just attach the
	// bitmap and adopt its block size).
	var bitmap imagefs.Bitmap
	if !e.cfg.Options.Flags.RawImages {
		if bm := e.probeImage(pass, name, size); bm != nil {
			bitmap = bm
			blockSize = bm.BlockSize()
		}
	}
	if blockSize <= 0 || blockSize > 64*1024 {
		return errs.New(errs.InvalidDeviceBlockSize, "device block size out of range")
	}
	bounds := fragmentSizes(size, e.cfg.Options.FragmentSize)
	for i, b := range bounds {
		if pass == SumPass {
			e.cfg.Progress.AddTotal(boolToInt64(i == 0), b.size)
			continue
		}
		msg := entry.ImageMessage{
			Names: []string{name},
			Device: entry.DeviceInfo{
				Path:      name,
				BlockSize: blockSize,
				Size:      size,
				Bitmap:    bitmap,
			},
			Fragment: entry.FragmentInfo{
				FragmentNumber: i,
				FragmentCount:  len(bounds),
				FragmentOffset: b.offset,
				FragmentSize:   b.size,
			},
		}
		e.cfg.Queue.Put(msg)
	}
	return nil
}

// probeImage opens name and probes it for a recognized filesystem type,
// returning its block-used bitmap (nil if unrecognized, unparseable, or the
// device could not be opened). Logging happens only on the entry pass, so
// the concurrently-running sum pass doesn't duplicate the log line.
func (e *Enumerator) probeImage(pass Pass, name string, size int64) imagefs.Bitmap {
	f, err := os.Open(name)
	if err != nil {
		return nil
	}
	defer f.Close()

	typ, bm, probeErr := imagefs.Probe(f, size)
	if pass == EntryPass && e.cfg.Logger != nil && typ != imagefs.TypeUnknown {
		e.cfg.Logger.Info("probed image filesystem", logging.WithEvent(logging.EventImageProbe, map[string]interface{}{
			"path": name,
			"type": typ.String(),
		}))
	}
	if probeErr != nil || bm == nil {
		return nil
	}
	return bm
}

func (e *Enumerator) dispatchDirectory(pass Pass, name string, info os.FileInfo) error {
	if pass == SumPass {
		e.cfg.Progress.AddTotal(1, 0)
		return nil
	}
	e.cfg.Queue.Put(entry.DirectoryMessage{Names: []string{name}, Info: info})
	return nil
}

func (e *Enumerator) dispatchLink(pass Pass, name string, info os.FileInfo) error {
	target, err := os.Readlink(name)
	if err != nil {
		if e.cfg.Options.Flags.SkipUnreadable {
			e.logSkip(pass, name, logging.EventEntryAccessDenied, "readlink failed")
			return nil
		}
		return errs.Wrap(errs.FileNotFound, "readlink "+name, err)
	}
	if pass == SumPass {
		e.cfg.Progress.AddTotal(1, 0)
		return nil
	}
	e.cfg.Queue.Put(entry.LinkMessage{Names: []string{name}, Target: target, Info: info})
	return nil
}

func (e *Enumerator) dispatchSpecial(pass Pass, name string, info os.FileInfo) error {
	if pass == SumPass {
		e.cfg.Progress.AddTotal(1, 0)
		return nil
	}
	e.cfg.Queue.Put(entry.SpecialMessage{Names: []string{name}, Info: info})
	return nil
}

// incrementalChanged and setIncremental serialize access to e.cfg.Incremental
// with e.cfg.IncrementalMu: the run controller drives SumPass and EntryPass
// concurrently over the same map, and incremental.Map has no internal lock.
func (e *Enumerator) incrementalChanged(name string, cast incremental.Cast) bool {
	if e.cfg.IncrementalMu != nil {
		e.cfg.IncrementalMu.Lock()
		defer e.cfg.IncrementalMu.Unlock()
	}
	return e.cfg.Incremental.Changed(name, cast)
}

func (e *Enumerator) setIncremental(name string, cast incremental.Cast) {
	if e.cfg.IncrementalMu != nil {
		e.cfg.IncrementalMu.Lock()
		defer e.cfg.IncrementalMu.Unlock()
	}
	e.cfg.Incremental.Set(name, cast)
}

func castOf(info os.FileInfo) incremental.Cast {
	mtime := info.ModTime().Unix()
	ctime := mtime
	if st, ok := statTimes(info); ok {
		ctime = st
	}
	return incremental.Cast{Mtime: mtime, Ctime: ctime}
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
