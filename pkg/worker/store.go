package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/pkg/xattr"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/archivewriter"
	"github.com/bararchive/creator/pkg/entry"
	"github.com/bararchive/creator/pkg/imagefs"
	"github.com/bararchive/creator/pkg/logging"
	"github.com/bararchive/creator/pkg/pattern"
)

// process dispatches msg to its per-type store routine (spec.md §4.2 step
// (iii)). Every routine shares the contract described at the top of §4.2:
// if NoStorage is set, update progress only; otherwise read extended
// attributes, then acquire an archive entry and stream content, updating
// fragment/progress state per chunk.
func (p *Pool) process(ctx context.Context, msg entry.Message) error {
	switch m := msg.(type) {
	case entry.FileMessage:
		return p.storeFile(ctx, m)
	case entry.ImageMessage:
		return p.storeImage(ctx, m)
	case entry.DirectoryMessage:
		return p.storeDirectory(ctx, m)
	case entry.LinkMessage:
		return p.storeLink(ctx, m)
	case entry.HardlinkMessage:
		return p.storeHardlink(ctx, m)
	case entry.SpecialMessage:
		return p.storeSpecial(ctx, m)
	default:
		return errs.New(errs.ReadFile, "unknown entry message type")
	}
}

func (p *Pool) compressDecision(size int64, path string) archivewriter.EntryParams {
	cfg := p.cfg.Options.Compress
	aboveThreshold := size > cfg.MinFileSize
	params := archivewriter.EntryParams{
		TryDeltaCompress: aboveThreshold && cfg.DeltaAlgorithm != "",
		TryByteCompress:  aboveThreshold && !pattern.MatchAny(cfg.ExcludePatterns, path),
	}
	// Only the first configured crypt algorithm is ever used (SPEC_FULL.md
	// open-question decision 1).
	params.CryptAlgorithm = p.cfg.Options.Crypt.Algorithms[0]
	return params
}

func (p *Pool) logEntry(event logging.Event, name string, fields map[string]interface{}) {
	if p.cfg.Logger == nil {
		return
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["path"] = name
	p.cfg.Logger.Info(string(event), logging.WithEvent(event, fields))
}

// readAttributes reads every extended attribute on path via lstat-based
// lookups (spec.md §4.2 shared store contract: "read extended attributes").
func readAttributes(path string) (map[string][]byte, error) {
	names, err := xattr.LList(path)
	if err != nil {
		// A filesystem that doesn't support extended attributes at all
		// (common for tmpfs/overlay mounts) is not an unreadable entry; it
		// simply carries none.
		if errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP) {
			return nil, nil
		}
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	attrs := make(map[string][]byte, len(names))
	for _, n := range names {
		v, err := xattr.LGet(path, n)
		if err != nil {
			return nil, err
		}
		attrs[n] = v
	}
	return attrs, nil
}

// readAttributesOrDecide applies the shared failure-handling rule for
// extended-attribute reads (spec.md §4.2: "on failure obey
// noStopOnAttributeError/skipUnreadable"): continue without attributes when
// NoStopOnAttributeError is set, skip the whole entry when SkipUnreadable is
// set, else fail the entry hard.
func (p *Pool) readAttributesOrDecide(path, name string) (attrs map[string][]byte, skip bool, err error) {
	attrs, rerr := readAttributes(path)
	if rerr == nil {
		return attrs, false, nil
	}
	if p.cfg.Options.Flags.NoStopOnAttributeError {
		p.logEntry(logging.EventError, name, map[string]interface{}{
			"reason": "reading extended attributes failed, continuing without them",
			"error":  rerr.Error(),
		})
		return nil, false, nil
	}
	if p.cfg.Options.Flags.SkipUnreadable {
		p.logEntry(logging.EventEntryAccessDenied, name, map[string]interface{}{"reason": "extended attributes unreadable"})
		p.cfg.Progress.AddSkipped(1, 0)
		return nil, true, nil
	}
	return nil, false, errs.Wrap(errs.ReadFile, "reading extended attributes "+name, rerr)
}

// storeFile implements spec.md §4.2 "File/Hardlink": open read-only, seek
// to the fragment offset, stream in 64 KiB buffers, honoring short reads.
func (p *Pool) storeFile(ctx context.Context, m entry.FileMessage) error {
	name := m.Names[0]

	if p.cfg.Options.Flags.NoStorage {
		p.updateProgressOnly(name, m.Info.Size(), m.Fragment)
		return nil
	}

	attrs, skip, err := p.readAttributesOrDecide(name, name)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	f, err := os.Open(name)
	if err != nil {
		return p.recoverableOrFatal(err, name, "open failed")
	}
	defer f.Close()

	if _, err := f.Seek(m.Fragment.FragmentOffset, io.SeekStart); err != nil {
		return errs.Wrap(errs.ReadFile, "seek "+name, err)
	}

	handle := p.cfg.Writer.NewFileEntry([]string{name}, p.compressDecision(m.Info.Size(), name))
	handle.SetAttributes(attrs)
	n, err := p.streamFragment(ctx, handle, f, m.Fragment.FragmentSize, name)
	if err != nil {
		return err
	}
	if err := handle.CloseEntry(ctx); err != nil {
		return errs.Wrap(errs.WriteFile, "close entry "+name, err)
	}

	p.completeFragment(name, m.Info.Size(), m.Fragment, n)
	p.logEntry(logging.EventEntryOK, name, map[string]interface{}{"bytes": n})
	return nil
}

// storeHardlink is storeFile with the "hardlink" entry type and the full
// path list; progress.done.count advances by the number of paths, not by
// one, when the fragment completes (spec.md §4.2 "Hardlink").
func (p *Pool) storeHardlink(ctx context.Context, m entry.HardlinkMessage) error {
	if p.cfg.Options.Flags.NoStorage {
		p.updateProgressOnlyCount(m.Names[0], int64(len(m.Names)), m.Info.Size(), m.Fragment)
		return nil
	}

	primary := m.Names[0]

	attrs, skip, err := p.readAttributesOrDecide(primary, primary)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	f, err := os.Open(primary)
	if err != nil {
		return p.recoverableOrFatal(err, primary, "open failed")
	}
	defer f.Close()

	if _, err := f.Seek(m.Fragment.FragmentOffset, io.SeekStart); err != nil {
		return errs.Wrap(errs.ReadFile, "seek "+primary, err)
	}

	handle := p.cfg.Writer.NewHardLinkEntry(m.Names, p.compressDecision(m.Info.Size(), primary))
	handle.SetAttributes(attrs)
	n, err := p.streamFragment(ctx, handle, f, m.Fragment.FragmentSize, primary)
	if err != nil {
		return err
	}
	if err := handle.CloseEntry(ctx); err != nil {
		return errs.Wrap(errs.WriteFile, "close entry "+primary, err)
	}

	complete, covered := p.insertFragment(primary, m.Info.Size(), m.Fragment, n)
	if complete {
		p.cfg.Progress.AddDone(int64(len(m.Names)), covered)
	}
	p.logEntry(logging.EventEntryOK, primary, map[string]interface{}{"bytes": n, "paths": len(m.Names)})
	return nil
}

// storeImage implements spec.md §4.2 "Image": when the entry carries a
// probed filesystem bitmap, stream only its used blocks and substitute
// zeroed blocks for free space; otherwise (rawImages, or no recognized
// filesystem) stream the whole fragment as-is.
func (p *Pool) storeImage(ctx context.Context, m entry.ImageMessage) error {
	name := m.Names[0]
	if m.Device.BlockSize <= 0 || m.Device.BlockSize > 64*1024 {
		return errs.New(errs.InvalidDeviceBlockSize, "device block size out of range for "+name)
	}
	if p.cfg.Options.Flags.NoStorage {
		p.updateProgressOnly(name, m.Device.Size, m.Fragment)
		return nil
	}

	attrs, skip, err := p.readAttributesOrDecide(m.Device.Path, name)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	f, err := os.Open(m.Device.Path)
	if err != nil {
		return p.recoverableOrFatal(err, name, "open device failed")
	}
	defer f.Close()

	handle := p.cfg.Writer.NewImageEntry([]string{name}, p.compressDecision(m.Fragment.FragmentSize, name))
	handle.SetAttributes(attrs)

	var n int64
	if m.Device.Bitmap != nil {
		n, err = p.streamImageBitmap(ctx, handle, f, m.Device.Bitmap, m.Fragment, name)
	} else {
		if _, serr := f.Seek(m.Fragment.FragmentOffset, io.SeekStart); serr != nil {
			return errs.Wrap(errs.ReadFile, "seek device "+name, serr)
		}
		n, err = p.streamFragment(ctx, handle, f, m.Fragment.FragmentSize, name)
	}
	if err != nil {
		return err
	}
	if err := handle.CloseEntry(ctx); err != nil {
		return errs.Wrap(errs.WriteFile, "close entry "+name, err)
	}

	p.completeFragment(name, m.Device.Size, m.Fragment, n)
	p.logEntry(logging.EventEntryOK, name, map[string]interface{}{"bytes": n})
	return nil
}

// streamImageBitmap walks the fragment's byte range one filesystem block at
// a time, reading and writing blocks the bitmap marks used and substituting
// zeroed blocks for the rest (spec.md §4.2 "Image": "use the recognized
// type's block-used bitmap to skip unused blocks, substituting zeroed
// blocks").
func (p *Pool) streamImageBitmap(ctx context.Context, handle *archivewriter.EntryHandle, f *os.File, bm imagefs.Bitmap, frag entry.FragmentInfo, name string) (int64, error) {
	blockSize := bm.BlockSize()
	if blockSize <= 0 {
		blockSize = frag.FragmentSize
	}

	var total int64
	offset := frag.FragmentOffset
	end := frag.FragmentOffset + frag.FragmentSize
	for offset < end {
		if p.aborted() {
			return total, errs.New(errs.Aborted, "entry store aborted")
		}
		blockStart := (offset / blockSize) * blockSize
		blockEnd := blockStart + blockSize
		if blockEnd > end {
			blockEnd = end
		}
		want := blockEnd - offset

		if !bm.Used(blockStart) {
			if err := writeZeroRun(ctx, handle, want, name); err != nil {
				return total, err
			}
			total += want
			p.cfg.Progress.AddArchiveBytes(want, want)
			offset = blockEnd
			continue
		}

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return total, errs.Wrap(errs.ReadFile, "seek device "+name, err)
		}
		buf := make([]byte, want)
		read, err := io.ReadFull(f, buf)
		if read > 0 {
			if werr := handle.WriteData(ctx, buf[:read], 0); werr != nil {
				return total, errs.Wrap(errs.WriteFile, "write entry data "+name, werr)
			}
			total += int64(read)
			p.cfg.Progress.AddArchiveBytes(int64(read), int64(read))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break // short read: device shrank since stat, end fragment early
		}
		if err != nil {
			return total, errs.Wrap(errs.ReadFile, "read device "+name, err)
		}
		offset = blockEnd
	}
	return total, nil
}

// writeZeroRun pads handle with n zeroed bytes, in fixed-size chunks, for
// the blocks a bitmap reports free.
func writeZeroRun(ctx context.Context, handle *archivewriter.EntryHandle, n int64, name string) error {
	const chunkSize = entryBufferSize
	zero := make([]byte, chunkSize)
	for n > 0 {
		chunk := int64(len(zero))
		if chunk > n {
			chunk = n
		}
		if err := handle.WriteData(ctx, zero[:chunk], 0); err != nil {
			return errs.Wrap(errs.WriteFile, "write entry data "+name, err)
		}
		n -= chunk
	}
	return nil
}

// storeDirectory, storeLink, storeSpecial are metadata-only entries: open,
// write, close (spec.md §4.2 "Directory, Link, Special").
func (p *Pool) storeDirectory(ctx context.Context, m entry.DirectoryMessage) error {
	name := m.Names[0]
	if p.cfg.Options.Flags.NoStorage {
		p.cfg.Progress.AddDone(1, 0)
		return nil
	}
	attrs, skip, err := p.readAttributesOrDecide(name, name)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	handle := p.cfg.Writer.NewDirectoryEntry([]string{name})
	handle.SetAttributes(attrs)
	if err := handle.CloseEntry(ctx); err != nil {
		return errs.Wrap(errs.WriteFile, "close directory entry "+name, err)
	}
	p.cfg.Progress.AddDone(1, 0)
	p.logEntry(logging.EventEntryOK, name, nil)
	return nil
}

func (p *Pool) storeLink(ctx context.Context, m entry.LinkMessage) error {
	name := m.Names[0]
	if p.cfg.Options.Flags.NoStorage {
		p.cfg.Progress.AddDone(1, 0)
		return nil
	}
	attrs, skip, err := p.readAttributesOrDecide(name, name)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	handle := p.cfg.Writer.NewLinkEntry([]string{name})
	handle.SetAttributes(attrs)
	if err := handle.CloseEntry(ctx); err != nil {
		return errs.Wrap(errs.WriteFile, "close link entry "+name, err)
	}
	p.cfg.Progress.AddDone(1, 0)
	p.logEntry(logging.EventEntryOK, name, map[string]interface{}{"target": m.Target})
	return nil
}

func (p *Pool) storeSpecial(ctx context.Context, m entry.SpecialMessage) error {
	name := m.Names[0]
	if p.cfg.Options.Flags.NoStorage {
		p.cfg.Progress.AddDone(1, 0)
		return nil
	}
	attrs, skip, err := p.readAttributesOrDecide(name, name)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}
	handle := p.cfg.Writer.NewSpecialEntry([]string{name})
	handle.SetAttributes(attrs)
	if err := handle.CloseEntry(ctx); err != nil {
		return errs.Wrap(errs.WriteFile, "close special entry "+name, err)
	}
	p.cfg.Progress.AddDone(1, 0)
	p.logEntry(logging.EventEntryOK, name, nil)
	return nil
}

// streamFragment copies up to fragmentSize bytes from r to handle in 64 KiB
// chunks, updating the fragment map after every chunk (spec.md §4.2: "On
// each successful data chunk, atomically update the entry's fragment
// range"). A short read (file shrank since stat) ends the fragment early
// without error, per spec.md §4.2.
func (p *Pool) streamFragment(ctx context.Context, handle *archivewriter.EntryHandle, r io.Reader, fragmentSize int64, name string) (int64, error) {
	bufPtr := p.getBuffer()
	defer p.putBuffer(bufPtr)
	buf := *bufPtr

	var total int64
	for total < fragmentSize {
		if p.aborted() {
			return total, errs.New(errs.Aborted, "entry store aborted")
		}
		want := int64(len(buf))
		if remaining := fragmentSize - total; remaining < want {
			want = remaining
		}
		n, err := r.Read(buf[:want])
		if n > 0 {
			if werr := handle.WriteData(ctx, buf[:n], 0); werr != nil {
				return total, errs.Wrap(errs.WriteFile, "write entry data "+name, werr)
			}
			total += int64(n)
			p.cfg.Progress.AddArchiveBytes(int64(n), int64(n))
		}
		if err == io.EOF {
			break // short read: file shrank since stat, end fragment early
		}
		if err != nil {
			return total, errs.Wrap(errs.ReadFile, "read "+name, err)
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// insertFragment records n bytes written at the fragment's offset in the
// shared fragment map (keyed by name, sized by totalSize — the entry's full
// size, independent of which fragment happens to arrive first), returning
// whether the entry's coverage is now complete and, if so, its covered
// size. Callers decide how many progress.done entries that completion is
// worth (1 for a plain file, len(paths) for a hardlink group).
func (p *Pool) insertFragment(name string, totalSize int64, frag entry.FragmentInfo, n int64) (complete bool, covered int64) {
	p.cfg.FragmentsMu.Lock()
	defer p.cfg.FragmentsMu.Unlock()
	node := p.cfg.Fragments.GetOrCreate(name, totalSize)
	node.Insert(frag.FragmentOffset, n)
	complete = node.Complete()
	covered = node.CoveredSize()
	if complete {
		p.cfg.Fragments.Discard(name)
	}
	return complete, covered
}

// completeFragment is insertFragment for the common one-entry-per-completion
// case (file, image): it reports the completion to progress.done itself.
func (p *Pool) completeFragment(name string, totalSize int64, frag entry.FragmentInfo, n int64) bool {
	complete, covered := p.insertFragment(name, totalSize, frag, n)
	if complete {
		p.cfg.Progress.AddDone(1, covered)
	}
	return complete
}

func (p *Pool) updateProgressOnly(name string, totalSize int64, frag entry.FragmentInfo) {
	p.completeFragment(name, totalSize, frag, frag.FragmentSize)
}

// updateProgressOnlyCount is updateProgressOnly for a hardlink group under
// NoStorage: each fragment is recorded in the fragment map as if fully
// stored, and progress.done advances by count (len(paths)) once the group's
// last fragment completes it.
func (p *Pool) updateProgressOnlyCount(name string, count int64, totalSize int64, frag entry.FragmentInfo) {
	complete, covered := p.insertFragment(name, totalSize, frag, frag.FragmentSize)
	if complete {
		p.cfg.Progress.AddDone(count, covered)
	}
}

func (p *Pool) recoverableOrFatal(err error, name, reason string) error {
	if p.cfg.Options.Flags.SkipUnreadable {
		p.logEntry(logging.EventEntryAccessDenied, name, map[string]interface{}{"reason": reason})
		p.cfg.Progress.AddSkipped(1, 0)
		return nil
	}
	return errs.Wrap(errs.FileNotFound, reason+": "+name, err)
}
