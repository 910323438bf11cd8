package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/archivewriter"
	"github.com/bararchive/creator/pkg/entry"
	"github.com/bararchive/creator/pkg/fragment"
	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/progress"
)

func newTestWriter(t *testing.T) (*archivewriter.Simple, *[]string) {
	t.Helper()
	var stored []string
	w, err := archivewriter.New(archivewriter.Config{
		TempDir:           t.TempDir(),
		SegmentTargetSize: 0, // never rotate mid-test; Close(ctx, true) flushes
	}, archivewriter.Callbacks{
		GetSize: func() int64 { return 0 },
		Store: func(ctx context.Context, path string, size int64) error {
			stored = append(stored, path)
			return nil
		},
	})
	require.NoError(t, err)
	return w, &stored
}

func newPool(t *testing.T, q *entry.Queue) (*Pool, *progress.Aggregator) {
	t.Helper()
	w, _ := newTestWriter(t)
	prog := progress.New(nil)
	cfg := Config{
		Options: &job.Options{
			Crypt: job.CryptConfig{Algorithms: [4]string{"none", "", "", ""}},
		},
		Progress:    prog,
		Fragments:   fragment.NewMap(),
		FragmentsMu: &sync.Mutex{},
		Writer:      w,
		Queue:       q,
		Produced:    NewProducedNames(),
		Fail:        errs.NewSticky(),
	}
	return New(cfg), prog
}

func TestStoreFileSingleFragmentCompletesProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))
	info, err := os.Lstat(path)
	require.NoError(t, err)

	q := entry.NewQueue(4)
	p, prog := newPool(t, q)

	q.Put(entry.FileMessage{
		Names: []string{path},
		Info:  info,
		Fragment: entry.FragmentInfo{
			FragmentNumber: 0,
			FragmentCount:  1,
			FragmentOffset: 0,
			FragmentSize:   info.Size(),
		},
	})
	q.Close()

	p.Run(context.Background(), 1)

	snap := prog.Snapshot()
	require.Equal(t, int64(1), snap.Done.EntryCount)
	require.Equal(t, int64(len("hello world")), snap.Done.ByteCount)
	require.Equal(t, 0, p.cfg.Fragments.Len())
}

// TestStoreFileOutOfOrderFragmentsCompleteOnlyOnce exercises the fix that
// threads the entry's true total size through completeFragment rather than
// deriving it from whichever fragment happens to be processed first: two
// fragments of one 10-byte file, delivered in reverse order, must still
// report exactly one progress.done entry once both have landed.
func TestStoreFileOutOfOrderFragmentsCompleteOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b")
	data := []byte("0123456789")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	info, err := os.Lstat(path)
	require.NoError(t, err)

	q := entry.NewQueue(4)
	p, prog := newPool(t, q)

	second := entry.FragmentInfo{FragmentNumber: 1, FragmentCount: 2, FragmentOffset: 5, FragmentSize: 5}
	first := entry.FragmentInfo{FragmentNumber: 0, FragmentCount: 2, FragmentOffset: 0, FragmentSize: 5}

	// Deliver the second half first: if completeFragment ever seeded the
	// fragment map's TotalSize from this fragment's own bounds (offset+size
	// == 10) instead of info.Size(), the bug would be masked here by
	// coincidence, so also assert the node isn't prematurely marked
	// complete after only one insert.
	q.Put(entry.FileMessage{Names: []string{path}, Info: info, Fragment: second})
	q.Close()
	p.Run(context.Background(), 1)

	require.Equal(t, int64(0), prog.Snapshot().Done.EntryCount, "must not complete after only one of two fragments")
	require.Equal(t, 1, p.cfg.Fragments.Len())

	q2 := entry.NewQueue(4)
	p.cfg.Queue = q2
	q2.Put(entry.FileMessage{Names: []string{path}, Info: info, Fragment: first})
	q2.Close()
	p.Run(context.Background(), 1)

	snap := prog.Snapshot()
	require.Equal(t, int64(1), snap.Done.EntryCount)
	require.Equal(t, int64(10), snap.Done.ByteCount)
	require.Equal(t, 0, p.cfg.Fragments.Len())
}

func TestStoreHardlinkAdvancesDoneByPathCount(t *testing.T) {
	dir := t.TempDir()
	primary := filepath.Join(dir, "h1")
	require.NoError(t, os.WriteFile(primary, []byte("xy"), 0o644))
	info, err := os.Lstat(primary)
	require.NoError(t, err)

	names := []string{primary, filepath.Join(dir, "h2"), filepath.Join(dir, "h3")}

	q := entry.NewQueue(4)
	p, prog := newPool(t, q)

	q.Put(entry.HardlinkMessage{
		Names: names,
		Info:  info,
		Fragment: entry.FragmentInfo{
			FragmentNumber: 0,
			FragmentCount:  1,
			FragmentOffset: 0,
			FragmentSize:   info.Size(),
		},
	})
	q.Close()

	p.Run(context.Background(), 1)

	snap := prog.Snapshot()
	require.Equal(t, int64(len(names)), snap.Done.EntryCount)
}

func TestSelfReferenceGuardSkipsTempDirAndProduced(t *testing.T) {
	dir := t.TempDir()
	tempDir := filepath.Join(dir, "tmp")
	require.NoError(t, os.Mkdir(tempDir, 0o755))
	selfPath := filepath.Join(tempDir, "segment-0.tmp")
	require.NoError(t, os.WriteFile(selfPath, []byte("x"), 0o644))
	selfInfo, err := os.Lstat(selfPath)
	require.NoError(t, err)

	producedPath := filepath.Join(dir, "already-produced")
	require.NoError(t, os.WriteFile(producedPath, []byte("y"), 0o644))
	producedInfo, err := os.Lstat(producedPath)
	require.NoError(t, err)

	q := entry.NewQueue(4)
	p, prog := newPool(t, q)
	p.cfg.TempDir = tempDir
	p.cfg.Produced.Add(producedPath)

	q.Put(entry.FileMessage{
		Names:    []string{selfPath},
		Info:     selfInfo,
		Fragment: entry.FragmentInfo{FragmentCount: 1, FragmentSize: selfInfo.Size()},
	})
	q.Put(entry.FileMessage{
		Names:    []string{producedPath},
		Info:     producedInfo,
		Fragment: entry.FragmentInfo{FragmentCount: 1, FragmentSize: producedInfo.Size()},
	})
	q.Close()

	p.Run(context.Background(), 1)

	require.Equal(t, int64(0), prog.Snapshot().Done.EntryCount, "both messages should have been rejected as self-references")
}

func TestStoreFileNoStorageSkipsIO(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing-but-fine")
	info := fakeFileInfo{name: path, size: 42}

	q := entry.NewQueue(4)
	p, prog := newPool(t, q)
	p.cfg.Options.Flags.NoStorage = true

	q.Put(entry.FileMessage{
		Names: []string{path},
		Info:  info,
		Fragment: entry.FragmentInfo{
			FragmentCount: 1,
			FragmentSize:  info.Size(),
		},
	})
	q.Close()

	p.Run(context.Background(), 1)

	snap := prog.Snapshot()
	require.Equal(t, int64(1), snap.Done.EntryCount)
	require.Equal(t, int64(42), snap.Done.ByteCount)
}

// fakeFileInfo lets TestStoreFileNoStorageSkipsIO assert the NoStorage path
// never opens the underlying file.
type fakeFileInfo struct {
	name string
	size int64
}

func (f fakeFileInfo) Name() string      { return f.name }
func (f fakeFileInfo) Size() int64       { return f.size }
func (f fakeFileInfo) Mode() os.FileMode { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool       { return false }
func (f fakeFileInfo) Sys() interface{}  { return nil }
