// Package job holds the declarative, immutable-during-a-run description of
// a backup job: include/exclude entries, compression and crypt policy, and
// the behavioral flags from spec.md §3's "Job options" row.
package job

import (
	"fmt"
	"os"

	"github.com/bararchive/creator/pkg/pattern"
	"golang.org/x/term"
)

// StoreType tags an include entry as targeting regular files or raw devices.
type StoreType int

const (
	StoreFile StoreType = iota
	StoreImage
)

func (t StoreType) String() string {
	if t == StoreImage {
		return "image"
	}
	return "file"
}

// ArchiveFileMode controls how the storage dispatcher reacts to a name
// collision on the back-end (spec.md §4.4).
type ArchiveFileMode int

const (
	ArchiveFileOverwrite ArchiveFileMode = iota
	ArchiveFileAppend
	ArchiveFileRename
)

// ArchiveType distinguishes full runs from partial (incremental/
// differential) and continuous-mode runs (spec.md §4.1, §4.3).
type ArchiveType int

const (
	ArchiveFull ArchiveType = iota
	ArchiveIncremental
	ArchiveDifferential
	ArchiveContinuous
)

// IsPartial reports whether the archive type consults the incremental map.
func (t ArchiveType) IsPartial() bool {
	return t == ArchiveIncremental || t == ArchiveDifferential
}

// PasswordMode controls how a crypt password is obtained.
type PasswordMode int

const (
	PasswordNone PasswordMode = iota
	PasswordConfig
	PasswordPrompt
)

// CryptConfig is the (up to 4) configured crypt layers plus the active
// password mode. Only CryptAlgorithms[0] is ever handed to the archive
// writer (see SPEC_FULL.md open-question decision 1) — the remaining
// entries are carried for parity with the source job format only.
type CryptConfig struct {
	Algorithms   [4]string
	Type         string
	PasswordMode PasswordMode
	Password     string // used when PasswordMode == PasswordConfig
	Keys         [][]byte
}

// ResolvePassword returns the crypt password to use, prompting on the
// terminal when PasswordMode is PasswordPrompt (golang.org/x/term).
func (c *CryptConfig) ResolvePassword() (string, error) {
	switch c.PasswordMode {
	case PasswordNone:
		return "", nil
	case PasswordConfig:
		return c.Password, nil
	case PasswordPrompt:
		fmt.Print("Enter archive password: ")
		data, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unknown password mode %d", c.PasswordMode)
	}
}

// CompressConfig describes the delta+byte compression policy.
type CompressConfig struct {
	DeltaAlgorithm      string
	ByteAlgorithm       string
	MinFileSize         int64
	ExcludePatterns     []*pattern.Pattern
	DeltaSources        []string
}

// Flags are the behavioral switches enumerated in spec.md §3.
type Flags struct {
	SkipUnreadable          bool
	NoStorage               bool
	DryRun                  bool
	NoStopOnAttributeError  bool
	IgnoreNoDump            bool
	RawImages               bool
	TestCreated             bool
	StrictIncludeMatch      bool // fail run with FILE_NOT_FOUND_ if an include matches nothing
}

// Options is the full, immutable-during-a-run job description.
type Options struct {
	Includes          []IncludeEntry
	Excludes          []*pattern.Pattern
	Compress          CompressConfig
	Crypt             CryptConfig
	FragmentSize      int64
	MaxStorageSize    int64
	MaxServerSize     int64
	ArchiveFileMode   ArchiveFileMode
	ArchiveType       ArchiveType
	Flags             Flags
	MaxThreads        int // 0 = runtime.NumCPU()
	MaxTmpSize        int64
	ContinuousMaxSize int64
	JobUUID           string
	StorageURL        string
}

// IncludeEntry pairs a compiled pattern with its store-type tag.
type IncludeEntry struct {
	Pattern   *pattern.Pattern
	StoreType StoreType
}

// Validate performs the structural checks a run controller must make
// before starting (spec.md §4.5 step 1 onward rely on these holding).
func (o *Options) Validate() error {
	if len(o.Includes) == 0 {
		return fmt.Errorf("job options: at least one include entry is required")
	}
	if o.FragmentSize < 0 {
		return fmt.Errorf("job options: fragment size must be >= 0")
	}
	if o.MaxThreads < 0 {
		return fmt.Errorf("job options: max threads must be >= 0")
	}
	return nil
}
