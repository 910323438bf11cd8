package incremental

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/bararchive/creator/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestRoundTripByteExact(t *testing.T) {
	m := New()
	m.Set("/t/a", Cast{Mtime: 100, Ctime: 100})
	m.Set("/t/b", Cast{Mtime: 200, Ctime: 201})
	m.Set("", Cast{Mtime: 0, Ctime: 0})

	var buf bytes.Buffer
	require.NoError(t, m.Write(&buf))

	got, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.True(t, m.Equal(got))
}

func TestChangedDecision(t *testing.T) {
	m := New()
	m.Set("/t/a", Cast{Mtime: 100, Ctime: 100})

	require.False(t, m.Changed("/t/a", Cast{Mtime: 100, Ctime: 100}))
	require.True(t, m.Changed("/t/a", Cast{Mtime: 101, Ctime: 100}))
	require.True(t, m.Changed("/t/missing", Cast{Mtime: 1, Ctime: 1}))
}

func TestSaveLoadAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "incremental.map")

	m := New()
	m.Set("/t/a", Cast{Mtime: 42, Ctime: 42})
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, m.Equal(loaded))
}

func TestLoadMissingFileIsEmptyNotError(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Equal(t, 0, m.Len())
}

func TestRejectsWrongMagic(t *testing.T) {
	_, err := Read(bytes.NewReader(make([]byte, 40)))
	require.Error(t, err)
	require.Equal(t, errs.NotAnIncrementalFile, errs.KindOf(err))
}

func TestRejectsWrongVersion(t *testing.T) {
	var buf bytes.Buffer
	idBuf := make([]byte, magicIDSize)
	copy(idBuf, magicID)
	buf.Write(idBuf)
	buf.Write([]byte{99, 0}) // version 99, little-endian

	_, err := Read(&buf)
	require.Error(t, err)
	require.Equal(t, errs.WrongIncrementalFileVersion, errs.KindOf(err))
}
