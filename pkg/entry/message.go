// Package entry defines the work-message sum type emitted by the
// enumerator and consumed by entry store workers (spec.md §3, §9: "the
// current code uses an anonymous union with an external tag; re-express as
// a sum type with one variant per entry kind"), plus the storage message
// produced by the archive writer's segment callback and consumed by the
// storage dispatcher.
package entry

import (
	"os"
	"time"

	"github.com/bararchive/creator/pkg/imagefs"
)

// Message is implemented by every work-message variant. The unexported
// marker method closes the sum type to this package.
type Message interface {
	isEntryMessage()
	// Release returns any per-message resources. It is a no-op for these
	// value types today but gives queue teardown a single call site to
	// invoke on every residual message (spec.md §3: "queue teardown must
	// invoke the per-message destructor for all residual messages").
	Release()
}

// DeviceInfo describes a raw block device for image entries.
type DeviceInfo struct {
	Path      string
	BlockSize int64
	Size      int64
	// Bitmap is the probed filesystem's block-used bitmap, or nil when
	// rawImages is set, no recognized filesystem was found, or the
	// recognized type's allocation structures aren't decoded by pkg/imagefs
	// (spec.md §4.2 "Image"). A nil Bitmap means stream every block as-is.
	Bitmap imagefs.Bitmap
}

// FragmentInfo locates one fragment of a larger logical entry.
type FragmentInfo struct {
	FragmentNumber int
	FragmentCount  int
	FragmentOffset int64
	FragmentSize   int64
}

// FileMessage is one fragment of a regular file.
type FileMessage struct {
	Names    []string // len==1 for a plain file
	Info     os.FileInfo
	Fragment FragmentInfo
}

func (FileMessage) isEntryMessage() {}
func (FileMessage) Release()        {}

// ImageMessage is one fragment of a raw device/image.
type ImageMessage struct {
	Names    []string
	Device   DeviceInfo
	Fragment FragmentInfo
}

func (ImageMessage) isEntryMessage() {}
func (ImageMessage) Release()        {}

// DirectoryMessage is a metadata-only directory entry.
type DirectoryMessage struct {
	Names []string
	Info  os.FileInfo
}

func (DirectoryMessage) isEntryMessage() {}
func (DirectoryMessage) Release()        {}

// LinkMessage is a metadata-only symlink entry.
type LinkMessage struct {
	Names  []string
	Target string
	Info   os.FileInfo
}

func (LinkMessage) isEntryMessage() {}
func (LinkMessage) Release()        {}

// HardlinkMessage carries every path that shares one inode (spec.md §4.1
// step 4, hardlink group assembly).
type HardlinkMessage struct {
	Names    []string // all collected paths, in visit order
	Info     os.FileInfo
	Fragment FragmentInfo
}

func (HardlinkMessage) isEntryMessage() {}
func (HardlinkMessage) Release()        {}

// SpecialMessage is a metadata-only entry for special files other than
// block devices (FIFOs, sockets, character devices).
type SpecialMessage struct {
	Names []string
	Info  os.FileInfo
}

func (SpecialMessage) isEntryMessage() {}
func (SpecialMessage) Release()        {}

// StorageMessage is produced by the archive writer's segment-store
// callback and consumed, strictly in FIFO order, by the storage dispatcher
// (spec.md §3, §4.4).
type StorageMessage struct {
	UUIDID                string
	EntityID              string
	StorageID             string
	IntermediateFileName  string
	IntermediateFileSize  int64
	ArchiveName           string
	CreatedDateTime       time.Time
}

// Release removes the owned file-name strings from further use. The
// intermediate file itself is removed by whichever dispatcher path
// consumes the message (normal completion, drain-on-abort).
func (m *StorageMessage) Release() {
	m.IntermediateFileName = ""
	m.ArchiveName = ""
}
