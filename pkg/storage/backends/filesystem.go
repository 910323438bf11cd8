package backends

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/bararchive/creator/pkg/storage"
)

// Filesystem stores archive segments as plain files under a root directory
// (storage URL scheme "file"). This is the reference back-end exercised by
// pkg/dispatch and pkg/run's tests — it needs no network, no credentials.
type Filesystem struct {
	root string
}

func init() {
	storage.Register("file", func(cfg storage.BackendConfig) (storage.Backend, error) {
		return NewFilesystem(cfg.Path), nil
	})
}

// NewFilesystem creates a Filesystem backend rooted at root.
func NewFilesystem(root string) *Filesystem {
	return &Filesystem{root: root}
}

func (f *Filesystem) Connect(ctx context.Context) error {
	return os.MkdirAll(f.root, 0o755)
}

func (f *Filesystem) Disconnect(ctx context.Context) error { return nil }

func (f *Filesystem) PreProcess(ctx context.Context, archiveName string) error {
	return os.MkdirAll(filepath.Dir(f.path(archiveName)), 0o755)
}

func (f *Filesystem) PostProcess(ctx context.Context, archiveName string, finalFlag bool) error {
	return nil
}

func (f *Filesystem) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(f.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (f *Filesystem) Transfer(ctx context.Context, localPath, name string) error {
	dst := f.path(name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "creating destination directory", "file", name, err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "opening source", "file", name, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return storage.NewError(classifyErr(err), "creating destination", "file", name, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return storage.NewError(classifyErr(err), "copying segment", "file", name, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return storage.NewError(classifyErr(err), "closing destination", "file", name, err)
	}
	return nil
}

func (f *Filesystem) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := os.Open(f.path(name))
	if err != nil {
		return nil, storage.NewError(storage.ErrCodeNotFound, "opening segment", "file", name, err)
	}
	return r, nil
}

func (f *Filesystem) Stat(ctx context.Context, name string) (int64, error) {
	info, err := os.Stat(f.path(name))
	if err != nil {
		return 0, storage.NewError(storage.ErrCodeNotFound, "stat segment", "file", name, err)
	}
	return info.Size(), nil
}

func (f *Filesystem) Delete(ctx context.Context, name string) error {
	if err := os.Remove(f.path(name)); err != nil && !os.IsNotExist(err) {
		return storage.NewError(storage.ErrCodeTransferFailed, "deleting segment", "file", name, err)
	}
	return nil
}

func (f *Filesystem) Info() *storage.BackendInfo {
	return &storage.BackendInfo{Type: "file", Endpoint: f.root}
}

func (f *Filesystem) PrintableName(name string) string {
	return f.path(name)
}

func (f *Filesystem) path(name string) string {
	return filepath.Join(f.root, name)
}

// classifyErr maps an os-level error to a storage.Error code, most notably
// ENOSPC so the dispatcher's retry loop (spec.md §4.4 step 6) can recognize
// it without string matching.
func classifyErr(err error) string {
	if errors.Is(err, syscall.ENOSPC) {
		return storage.ErrCodeNoSpace
	}
	return storage.ErrCodeTransferFailed
}
