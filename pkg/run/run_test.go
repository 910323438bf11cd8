package run

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/pattern"
	_ "github.com/bararchive/creator/pkg/storage/backends"
)

func TestRunFailsValidationWithNoIncludes(t *testing.T) {
	ctrl := New(Config{
		Options: &job.Options{StorageURL: "file:///tmp/archive"},
		TempDir: t.TempDir(),
	})

	result := ctrl.Run(context.Background())
	require.NotNil(t, result.FailErr)
	assert.Equal(t, errs.FileNotFound, result.FailErr.Kind)
	assert.False(t, result.Aborted)
}

func TestRunFailsOnUnparsableStorageURL(t *testing.T) {
	includes := []job.IncludeEntry{{Pattern: nil, StoreType: job.StoreFile}}
	ctrl := New(Config{
		Options: &job.Options{Includes: includes, StorageURL: "not a url"},
		TempDir: t.TempDir(),
	})

	result := ctrl.Run(context.Background())
	require.NotNil(t, result.FailErr)
	assert.Equal(t, errs.NoStorageName, result.FailErr.Kind)
}

func TestAbortFlagIsObservedByIsAborted(t *testing.T) {
	ctrl := New(Config{Options: &job.Options{}})
	assert.False(t, ctrl.isAborted())
	ctrl.Abort()
	assert.True(t, ctrl.isAborted())
}

func TestSetPausedTogglesIsPaused(t *testing.T) {
	ctrl := New(Config{Options: &job.Options{}})
	assert.False(t, ctrl.isPaused())
	ctrl.SetPaused(true)
	assert.True(t, ctrl.isPaused())
	ctrl.SetPaused(false)
	assert.False(t, ctrl.isPaused())
}

// TestIncrementalRunSkipsUnchangedFileOnSecondPass runs the pipeline twice
// against the same source file and job UUID, full then incremental, and
// asserts the second run's incremental map comparison skips the unchanged
// file — no new segment is ever transferred, so the archive directory gains
// no new object on the second run (spec.md §4.3: the incremental map is
// consulted on partial runs and rewritten for full/incremental ones).
func TestIncrementalRunSkipsUnchangedFileOnSecondPass(t *testing.T) {
	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "a.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("hello world"), 0o644))

	archiveDir := t.TempDir()
	incDir := t.TempDir()
	workDir := t.TempDir()

	newOpts := func(archiveType job.ArchiveType) *job.Options {
		p, err := pattern.Compile(srcPath, pattern.KindExact, true)
		require.NoError(t, err)
		return &job.Options{
			Includes:    []job.IncludeEntry{{Pattern: p, StoreType: job.StoreFile}},
			StorageURL:  "file://" + filepath.Join(archiveDir, "nightly"),
			ArchiveType: archiveType,
			JobUUID:     "uuid-1",
			Crypt:       job.CryptConfig{Algorithms: [4]string{"none", "", "", ""}},
		}
	}

	first := New(Config{Options: newOpts(job.ArchiveFull), TempDir: workDir, IncrementalDir: incDir})
	res := first.Run(context.Background())
	require.Nil(t, res.FailErr)
	require.False(t, res.Aborted)

	entriesAfterFirst, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	require.Len(t, entriesAfterFirst, 1, "first run must have transferred exactly one segment")

	second := New(Config{Options: newOpts(job.ArchiveIncremental), TempDir: workDir, IncrementalDir: incDir})
	res = second.Run(context.Background())
	require.Nil(t, res.FailErr)
	require.False(t, res.Aborted)

	entriesAfterSecond, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	assert.Len(t, entriesAfterSecond, 1, "second run must not transfer a new segment for the unchanged file")
}
