// Package archivewriter defines the archive-writer contract treated as an
// external black box per spec.md §1/§6: it emits typed entries, applies
// delta+byte compression and encryption (not implemented here — that's the
// excluded collaborator), and invokes a segment-store callback once an
// intermediate archive segment reaches its target size.
//
// EntryHandle/Writer model the operations the entry store workers and the
// run controller drive: newFileEntry/newImageEntry/.../writeData/
// closeEntry/create/close (spec.md §6). Simple is a minimal reference
// implementation good enough to exercise pkg/worker and pkg/run in tests:
// it frames entries with a length-prefixed TLV instead of real compression
// and calls the segment callback every SegmentTargetSize bytes.
package archivewriter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// EntryType tags the kind of archive entry being written.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryImage
	EntryDirectory
	EntryLink
	EntryHardlink
	EntrySpecial
)

// EntryHandle is returned by New*Entry and consumed by WriteData/Close.
type EntryHandle struct {
	entryType EntryType
	names     []string
	params    EntryParams
	w         *Simple
	buf       bytes.Buffer
	written   int64
	attrs     map[string][]byte
}

// EntryParams carries the per-entry compression/crypt decisions the worker
// makes before acquiring an archive entry (spec.md §4.2: "acquire a new
// archive entry from the archive writer, parameterized by compression algos
// and the first crypt algorithm"). Simple does not itself compress or
// encrypt (spec.md §1 — out of scope); it records these for introspection
// and test assertions only.
type EntryParams struct {
	TryDeltaCompress bool
	TryByteCompress  bool
	CryptAlgorithm   string
}

// Params returns the parameters the entry was created with.
func (h *EntryHandle) Params() EntryParams { return h.params }

// SetAttributes attaches extended attributes read from the source entry
// (spec.md §4.2 shared store contract: "read extended attributes") so they
// are framed alongside the entry's content on CloseEntry.
func (h *EntryHandle) SetAttributes(attrs map[string][]byte) {
	h.attrs = attrs
}

// Callbacks bound the writer to the run's storage dispatch and size
// bookkeeping (spec.md §6: "create(... {getSize, store, ...})").
type Callbacks struct {
	// GetSize reports the accumulated size of all segments stored so far
	// for this run. Simple does not call it.
	GetSize func() int64
	// Store is invoked once per completed intermediate segment. The
	// callee owns moving/consuming the file at path; Simple does not
	// touch it again after invoking Store.
	Store func(ctx context.Context, path string, size int64) error
}

// Config configures a Simple writer.
type Config struct {
	TempDir           string
	SegmentTargetSize int64 // 0 disables segment splitting (one segment total)
	DryRun            bool
}

// Simple is the reference archive-writer implementation.
type Simple struct {
	mu        sync.Mutex
	cfg       Config
	callbacks Callbacks

	segFile   *os.File
	segWriter *segmentWriter
	segSize   int64
}

// New creates a Simple writer bound to callbacks (spec.md §6: "create").
func New(cfg Config, callbacks Callbacks) (*Simple, error) {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	w := &Simple{cfg: cfg, callbacks: callbacks}
	if !cfg.DryRun {
		if err := w.rotateSegment(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Simple) rotateSegment() error {
	f, err := os.CreateTemp(w.cfg.TempDir, "barc-segment-*.tmp")
	if err != nil {
		return fmt.Errorf("archivewriter: creating segment file: %w", err)
	}
	w.segFile = f
	w.segWriter = newSegmentWriter(f)
	w.segSize = 0
	return nil
}

// newFileEntry et al. all share this constructor; the type distinguishes
// them for the TLV framing and for tests asserting which New*Entry was
// called.
func (w *Simple) newEntry(t EntryType, names []string, params EntryParams) *EntryHandle {
	return &EntryHandle{entryType: t, names: names, params: params, w: w}
}

func (w *Simple) NewFileEntry(names []string, params EntryParams) *EntryHandle {
	return w.newEntry(EntryFile, names, params)
}
func (w *Simple) NewImageEntry(names []string, params EntryParams) *EntryHandle {
	return w.newEntry(EntryImage, names, params)
}
func (w *Simple) NewDirectoryEntry(names []string) *EntryHandle {
	return w.newEntry(EntryDirectory, names, EntryParams{})
}
func (w *Simple) NewLinkEntry(names []string) *EntryHandle {
	return w.newEntry(EntryLink, names, EntryParams{})
}
func (w *Simple) NewHardLinkEntry(names []string, params EntryParams) *EntryHandle {
	return w.newEntry(EntryHardlink, names, params)
}
func (w *Simple) NewSpecialEntry(names []string) *EntryHandle {
	return w.newEntry(EntrySpecial, names, EntryParams{})
}

// WriteData appends buf to the entry's content. blockAlignment is accepted
// for interface parity with the spec'd signature (image entries use it to
// preserve device block geometry) but Simple does not itself align writes.
func (h *EntryHandle) WriteData(ctx context.Context, buf []byte, blockAlignment int) error {
	h.buf.Write(buf)
	h.written += int64(len(buf))
	return nil
}

// CloseEntry flushes the buffered entry as one TLV record into the current
// segment, rotating to a new segment and invoking the store callback once
// SegmentTargetSize is reached (spec.md §5: "invoke the storage-store
// callback once a segment reaches target size").
func (h *EntryHandle) CloseEntry(ctx context.Context) error {
	w := h.w
	if w.cfg.DryRun {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.segWriter.WriteRecord(h.entryType, h.names, h.buf.Bytes(), h.attrs)
	if err != nil {
		return fmt.Errorf("archivewriter: writing entry record: %w", err)
	}
	w.segSize += int64(n)

	if w.cfg.SegmentTargetSize > 0 && w.segSize >= w.cfg.SegmentTargetSize {
		return w.flushSegmentLocked(ctx)
	}
	return nil
}

func (w *Simple) flushSegmentLocked(ctx context.Context) error {
	if w.segFile == nil || w.segSize == 0 {
		return nil
	}
	if err := w.segFile.Sync(); err != nil {
		return fmt.Errorf("archivewriter: syncing segment: %w", err)
	}
	path := w.segFile.Name()
	size := w.segSize
	if err := w.segFile.Close(); err != nil {
		return fmt.Errorf("archivewriter: closing segment: %w", err)
	}
	if w.callbacks.Store != nil {
		if err := w.callbacks.Store(ctx, path, size); err != nil {
			return err
		}
	}
	return w.rotateSegment()
}

// Close flushes any pending segment when finalFlag is true (spec.md §6:
// "close(writer, finalFlag) — final flag flushes any pending segment").
func (w *Simple) Close(ctx context.Context, finalFlag bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cfg.DryRun {
		return nil
	}
	if finalFlag {
		return w.flushSegmentLocked(ctx)
	}
	return nil
}

// segmentWriter frames entries as length-prefixed TLV records: 1 byte
// entry type, 2-byte name count, names (2-byte length + bytes each), 8-byte
// payload length, payload bytes, 2-byte attribute count, then per attribute
// a 2-byte key length + key bytes + 4-byte value length + value bytes. It
// stands in for real compression/crypto, which are out of scope (spec.md
// §1).
type segmentWriter struct {
	f *os.File
}

func newSegmentWriter(f *os.File) *segmentWriter {
	return &segmentWriter{f: f}
}

func (s *segmentWriter) WriteRecord(t EntryType, names []string, payload []byte, attrs map[string][]byte) (int, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(t))
	writeUint16(&buf, uint16(len(names)))
	for _, n := range names {
		writeUint16(&buf, uint16(len(n)))
		buf.WriteString(n)
	}
	writeUint64(&buf, uint64(len(payload)))
	buf.Write(payload)
	writeUint16(&buf, uint16(len(attrs)))
	for k, v := range attrs {
		writeUint16(&buf, uint16(len(k)))
		buf.WriteString(k)
		buf.Write(writeUint32Bytes(uint32(len(v))))
		buf.Write(v)
	}
	return s.f.Write(buf.Bytes())
}

func writeUint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	for i := 7; i >= 0; i-- {
		buf.WriteByte(byte(v >> (8 * uint(i))))
	}
}

// NewSegmentName returns an opaque, collision-resistant intermediate
// segment file name rooted at dir (spec.md §6: "filename opaque").
func NewSegmentName(dir string) string {
	return filepath.Join(dir, "barc-segment-"+uuid.NewString()+".tmp")
}
