// Package errs defines the error-kind taxonomy shared by every component of
// the archive creation core, and the sticky-failure helper the run
// controller uses to latch the first fatal error while letting queues drain.
package errs

import (
	"fmt"
	"sync"
)

// Kind enumerates the error categories a run can terminate with.
type Kind int

const (
	None Kind = iota
	Aborted
	FileNotFound
	WriteFile
	ReadFile
	NotADirectory
	NoStorageName
	InvalidDeviceBlockSize
	NotAnIncrementalFile
	WrongIncrementalFileVersion
	DeltaSourceNotFound
	Deflate
	Inflate
	InitCompress
	Storage
	Index
)

func (k Kind) String() string {
	switch k {
	case None:
		return "NONE"
	case Aborted:
		return "ABORTED"
	case FileNotFound:
		return "FILE_NOT_FOUND"
	case WriteFile:
		return "WRITE_FILE"
	case ReadFile:
		return "READ_FILE"
	case NotADirectory:
		return "NOT_A_DIRECTORY"
	case NoStorageName:
		return "NO_STORAGE_NAME"
	case InvalidDeviceBlockSize:
		return "INVALID_DEVICE_BLOCK_SIZE"
	case NotAnIncrementalFile:
		return "NOT_AN_INCREMENTAL_FILE"
	case WrongIncrementalFileVersion:
		return "WRONG_INCREMENTAL_FILE_VERSION"
	case DeltaSourceNotFound:
		return "DELTA_SOURCE_NOT_FOUND"
	case Deflate:
		return "DEFLATE"
	case Inflate:
		return "INFLATE"
	case InitCompress:
		return "INIT_COMPRESS"
	case Storage:
		return "STORAGE"
	case Index:
		return "INDEX"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type carried through the pipeline. It wraps an
// optional cause and always reports a Kind so callers can branch on it
// without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the Kind from err. It returns None if err is nil or if
// err carries no *Error in its chain.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return None
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sticky latches the first non-nil fatal error reported to it. Subsequent
// reports are ignored: the run's return value is always the first failure,
// matching §7's "first error stored in failError by any task" rule.
type Sticky struct {
	mu  sync.Mutex
	err *Error
}

// NewSticky returns a ready-to-use Sticky.
func NewSticky() *Sticky {
	return &Sticky{}
}

// Set latches err if no error has been latched yet. A nil err is ignored.
func (s *Sticky) Set(err *Error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Get returns the latched error, or nil if none has been set.
func (s *Sticky) Get() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// IsSet reports whether a failure has been latched.
func (s *Sticky) IsSet() bool {
	return s.Get() != nil
}
