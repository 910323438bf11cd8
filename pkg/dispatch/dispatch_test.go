package dispatch

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bararchive/creator/internal/errs"
	"github.com/bararchive/creator/pkg/entry"
	"github.com/bararchive/creator/pkg/index"
	"github.com/bararchive/creator/pkg/job"
	"github.com/bararchive/creator/pkg/logging"
	"github.com/bararchive/creator/pkg/progress"
	"github.com/bararchive/creator/pkg/storage"
)

// fakeBackend is an in-memory storage.Backend recording every call, for
// exercising the dispatcher without a real back-end.
type fakeBackend struct {
	mu sync.Mutex

	objects map[string][]byte
	exists  map[string]bool // names pre-seeded as already present
	deleted []string

	transferErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte), exists: make(map[string]bool)}
}

func (b *fakeBackend) Connect(ctx context.Context) error    { return nil }
func (b *fakeBackend) Disconnect(ctx context.Context) error { return nil }
func (b *fakeBackend) PreProcess(ctx context.Context, archiveName string) error  { return nil }
func (b *fakeBackend) PostProcess(ctx context.Context, archiveName string, finalFlag bool) error {
	return nil
}

func (b *fakeBackend) Exists(ctx context.Context, name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exists[name] {
		return true, nil
	}
	_, ok := b.objects[name]
	return ok, nil
}

func (b *fakeBackend) Transfer(ctx context.Context, localPath string, name string) error {
	if b.transferErr != nil {
		return b.transferErr
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[name] = data
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	b.mu.Lock()
	data, ok := b.objects[name]
	b.mu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBackend) Stat(ctx context.Context, name string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[name]
	if !ok {
		return 0, os.ErrNotExist
	}
	return int64(len(data)), nil
}

func (b *fakeBackend) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, name)
	b.deleted = append(b.deleted, name)
	return nil
}

func (b *fakeBackend) Info() *storage.BackendInfo {
	return &storage.BackendInfo{Type: "fake", Endpoint: "memory"}
}

func (b *fakeBackend) PrintableName(name string) string { return name }

// fakeIndex is an in-memory index.Index for exercising pkg/dispatch's
// append-mode reassignment and pruning paths.
type fakeIndex struct {
	mu       sync.Mutex
	nextID   int
	rows     map[string]index.StorageRow
	purged   []string
	assigned map[string]string // storageID -> entityID
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{rows: make(map[string]index.StorageRow), assigned: make(map[string]string)}
}

func (f *fakeIndex) EnsureUUID(ctx context.Context, uuid string) error       { return nil }
func (f *fakeIndex) CreateEntity(ctx context.Context, uuid string) (string, error) {
	return "entity-1", nil
}
func (f *fakeIndex) UnlockEntity(ctx context.Context, entityID string) error      { return nil }
func (f *fakeIndex) DeleteEntity(ctx context.Context, entityID string) error      { return nil }
func (f *fakeIndex) PruneEntityIfEmpty(ctx context.Context, entityID string) error { return nil }
func (f *fakeIndex) UpdateEntityAggregate(ctx context.Context, entityID string) error {
	return nil
}

func (f *fakeIndex) FindStorageByName(ctx context.Context, uuid, dir, name string) (*index.StorageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.UUID == uuid && row.Dir == dir && row.Name == name {
			r := row
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeIndex) CreateStorage(ctx context.Context, row index.StorageRow) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := filepath.Join("row", itoa(f.nextID))
	row.ID = id
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Unix(int64(f.nextID), 0)
	}
	f.rows[id] = row
	return id, nil
}

func (f *fakeIndex) AssignEntity(ctx context.Context, storageID, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned[storageID] = entityID
	if row, ok := f.rows[storageID]; ok {
		row.EntityID = entityID
		f.rows[storageID] = row
	}
	return nil
}

func (f *fakeIndex) PurgeStorage(ctx context.Context, storageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, storageID)
	f.purged = append(f.purged, storageID)
	return nil
}

func (f *fakeIndex) SiblingStorages(ctx context.Context, uuid, dir, exceptID string) ([]index.StorageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []index.StorageRow
	for id, row := range f.rows {
		if id != exceptID && row.UUID == uuid && row.Dir == dir {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeIndex) OldestPrunable(ctx context.Context, uuid string, states []index.State) (*index.StorageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *index.StorageRow
	for _, row := range f.rows {
		if row.UUID != uuid || !containsState(states, row.State) {
			continue
		}
		r := row
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = &r
		}
	}
	return oldest, nil
}

func (f *fakeIndex) AggregateSize(ctx context.Context, uuid string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, row := range f.rows {
		if row.UUID == uuid {
			total += row.Size
		}
	}
	return total, nil
}

func containsState(states []index.State, s index.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func (f *fakeIndex) UpdateStorageState(ctx context.Context, storageID string, state index.State, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[storageID]; ok {
		row.State = state
		row.Size = size
		f.rows[storageID] = row
	}
	return nil
}

func (f *fakeIndex) Close(ctx context.Context) error { return nil }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func newTestDispatcher(t *testing.T, backend *fakeBackend, idx index.Index, opts *job.Options) *Dispatcher {
	t.Helper()
	if opts == nil {
		opts = &job.Options{}
	}
	return New(Config{
		Backend:     backend,
		Index:       idx,
		Queue:       entry.NewStorageQueue(),
		Options:     opts,
		Logger:      logging.New(logging.DefaultConfig()),
		Progress:    progress.New(nil),
		Fail:        errs.NewSticky(),
		Abort:       func() bool { return false },
		JobUUID:     "uuid-1",
		EntityID:    "entity-1",
		ArchiveName: "nightly",
	})
}

func writeTempSegment(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDispatcherTransfersAndIndexesSegment(t *testing.T) {
	backend := newFakeBackend()
	idx := newFakeIndex()
	d := newTestDispatcher(t, backend, idx, nil)

	segPath := writeTempSegment(t, "hello world")
	require.NoError(t, d.Store(context.Background(), segPath, 11))
	d.cfg.Queue.Close()
	d.Run(context.Background())

	assert.Equal(t, int64(11), d.GetSize())
	backend.mu.Lock()
	_, ok := backend.objects["nightly-0001"]
	backend.mu.Unlock()
	assert.True(t, ok, "expected segment transferred under its computed name")
	_, err := os.Stat(segPath)
	assert.True(t, os.IsNotExist(err), "intermediate file should be removed after dispatch")

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.rows, 1)
	for _, row := range idx.rows {
		assert.Equal(t, index.StateOK, row.State)
		assert.Equal(t, int64(11), row.Size)
	}
}

func TestDispatcherRenamesOnCollision(t *testing.T) {
	backend := newFakeBackend()
	backend.exists["nightly-0001"] = true
	idx := newFakeIndex()
	opts := &job.Options{ArchiveFileMode: job.ArchiveFileRename}
	d := newTestDispatcher(t, backend, idx, opts)

	segPath := writeTempSegment(t, "data")
	require.NoError(t, d.Store(context.Background(), segPath, 4))
	d.cfg.Queue.Close()
	d.Run(context.Background())

	backend.mu.Lock()
	defer backend.mu.Unlock()
	_, collided := backend.objects["nightly-0001"]
	_, renamed := backend.objects["nightly-0001-1"]
	assert.False(t, collided, "original name was pre-occupied and must not be overwritten")
	assert.True(t, renamed, "expected the collision to be resolved with a -1 suffix")
}

func TestDispatcherDrainsResidualOnAbort(t *testing.T) {
	backend := newFakeBackend()
	idx := newFakeIndex()
	d := newTestDispatcher(t, backend, idx, nil)
	d.cfg.Abort = func() bool { return true }

	segPath := writeTempSegment(t, "data")
	require.NoError(t, d.Store(context.Background(), segPath, 4))
	d.cfg.Queue.Close()
	d.Run(context.Background())

	assert.Equal(t, int64(0), d.GetSize())
	backend.mu.Lock()
	assert.Empty(t, backend.objects)
	backend.mu.Unlock()
	_, err := os.Stat(segPath)
	assert.True(t, os.IsNotExist(err), "residual intermediate file should still be cleaned up")
}

func TestPruneForSpaceDeletesOldestUntilUnderLimit(t *testing.T) {
	backend := newFakeBackend()
	idx := newFakeIndex()
	opts := &job.Options{MaxStorageSize: 500}
	d := newTestDispatcher(t, backend, idx, opts)
	ctx := context.Background()

	sizes := []struct {
		name string
		size int64
	}{
		{"nightly-0001", 100},
		{"nightly-0002", 200},
		{"nightly-0003", 300},
	}
	for _, s := range sizes {
		backend.objects[s.name] = make([]byte, s.size)
		_, err := idx.CreateStorage(ctx, index.StorageRow{
			UUID: "uuid-1", Name: s.name, Size: s.size, State: index.StateOK,
		})
		require.NoError(t, err)
	}

	d.pruneForSpace(ctx, 150)

	assert.ElementsMatch(t, []string{"nightly-0001", "nightly-0002"}, backend.deleted)

	idx.mu.Lock()
	var remaining int64
	for _, row := range idx.rows {
		remaining += row.Size
	}
	idx.mu.Unlock()
	assert.Equal(t, int64(300), remaining)
}

func TestVerifyReadsTransferredSegmentEndToEnd(t *testing.T) {
	backend := newFakeBackend()
	backend.objects["nightly-0001"] = []byte("payload")
	d := newTestDispatcher(t, backend, nil, nil)

	d.verify(context.Background(), "nightly-0001")
	// verify only logs on failure; a present object with no error is the
	// success path, asserted here by confirming it didn't panic and the
	// object is still intact for a subsequent read.
	r, err := backend.Open(context.Background(), "nightly-0001")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
