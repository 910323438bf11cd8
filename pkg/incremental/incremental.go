// Package incremental implements the on-disk incremental/differential
// state map (spec.md §3, §4.3): path -> (mtime, ctime), used to decide
// "unchanged since last backup". The on-disk format is byte-exact per
// spec.md §4.3 and is load-bearing for spec.md §8's round-trip property.
package incremental

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bararchive/creator/internal/errs"
)

const (
	magicID     = "BAR incremental list"
	magicIDSize = 32 // zero-padded
	formatVersion = uint16(1)
	maxKeyLength  = 65535
)

// Cast is the (mtime, ctime) fingerprint pair (GLOSSARY: "Cast").
type Cast struct {
	Mtime int64
	Ctime int64
}

// Map is a case-sensitive path -> Cast table (spec.md §3).
type Map struct {
	entries map[string]Cast
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]Cast)}
}

// Changed reports whether path must be backed up: absent from the map, or
// present with a differing Cast (spec.md §4.3).
func (m *Map) Changed(path string, current Cast) bool {
	stored, ok := m.entries[path]
	if !ok {
		return true
	}
	return stored != current
}

// Set records path's current Cast, overwriting any previous entry.
func (m *Map) Set(path string, cast Cast) {
	m.entries[path] = cast
}

// Len returns the number of tracked paths.
func (m *Map) Len() int {
	return len(m.entries)
}

// Equal reports whether m and other contain exactly the same entries,
// used by round-trip tests (spec.md §8).
func (m *Map) Equal(other *Map) bool {
	if len(m.entries) != len(other.entries) {
		return false
	}
	for k, v := range m.entries {
		ov, ok := other.entries[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Load reads a Map from path. A missing file is not an error — the run
// controller treats it as "no prior incremental map" (spec.md §4.5 step 5).
func Load(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, errs.Wrap(errs.ReadFile, "opening incremental map "+path, err)
	}
	defer f.Close()
	return Read(bufio.NewReader(f))
}

// Read parses the binary incremental-map format from r.
func Read(r io.Reader) (*Map, error) {
	idBuf := make([]byte, magicIDSize)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return nil, errs.Wrap(errs.NotAnIncrementalFile, "reading incremental map header", err)
	}
	id := trimZero(idBuf)
	if id != magicID {
		return nil, errs.New(errs.NotAnIncrementalFile, fmt.Sprintf("unexpected incremental map id %q", id))
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, errs.Wrap(errs.NotAnIncrementalFile, "reading incremental map version", err)
	}
	if version != formatVersion {
		return nil, errs.New(errs.WrongIncrementalFileVersion, fmt.Sprintf("got version %d, want %d", version, formatVersion))
	}

	m := New()
	for {
		var mtime, ctime int64
		if err := binary.Read(r, binary.LittleEndian, &mtime); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errs.Wrap(errs.ReadFile, "reading incremental map record mtime", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &ctime); err != nil {
			return nil, errs.Wrap(errs.ReadFile, "reading incremental map record ctime", err)
		}
		var keyLen uint16
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, errs.Wrap(errs.ReadFile, "reading incremental map record key length", err)
		}
		keyBuf := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			return nil, errs.Wrap(errs.ReadFile, "reading incremental map record key", err)
		}
		m.entries[string(keyBuf)] = Cast{Mtime: mtime, Ctime: ctime}
	}
	return m, nil
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Save atomically rewrites path: write to a temp file alongside it, fsync,
// then rename (spec.md §4.3).
func (m *Map) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.WriteFile, "creating incremental map temp file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := m.Write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.WriteFile, "fsyncing incremental map temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.WriteFile, "closing incremental map temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Wrap(errs.WriteFile, "renaming incremental map into place", err)
	}
	return nil
}

// Write serializes m in the binary incremental-map format to w.
func (m *Map) Write(w io.Writer) error {
	idBuf := make([]byte, magicIDSize)
	copy(idBuf, magicID)
	if _, err := w.Write(idBuf); err != nil {
		return errs.Wrap(errs.WriteFile, "writing incremental map header", err)
	}
	if err := binary.Write(w, binary.LittleEndian, formatVersion); err != nil {
		return errs.Wrap(errs.WriteFile, "writing incremental map version", err)
	}
	for key, cast := range m.entries {
		if len(key) > maxKeyLength {
			return errs.New(errs.WriteFile, fmt.Sprintf("incremental map key %q exceeds %d bytes", key, maxKeyLength))
		}
		if err := binary.Write(w, binary.LittleEndian, cast.Mtime); err != nil {
			return errs.Wrap(errs.WriteFile, "writing incremental map record mtime", err)
		}
		if err := binary.Write(w, binary.LittleEndian, cast.Ctime); err != nil {
			return errs.Wrap(errs.WriteFile, "writing incremental map record ctime", err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(key))); err != nil {
			return errs.Wrap(errs.WriteFile, "writing incremental map record key length", err)
		}
		if _, err := io.WriteString(w, key); err != nil {
			return errs.Wrap(errs.WriteFile, "writing incremental map record key", err)
		}
	}
	return nil
}
