package backends

import (
	"context"
	"io"
	"os"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/bararchive/creator/pkg/storage"
)

// IPFS stores archive segments in the go-ipfs MFS (Mutable File System)
// under a root path (storage URL scheme "ipfs"), so archive names keep
// their directory structure the same way every other back-end does —
// plain content-addressed `ipfs add` would lose the name entirely, which
// the rename-collision and retention-pruning steps in spec.md §4.4 need.
type IPFS struct {
	root  string
	shell *shell.Shell
}

func init() {
	storage.Register("ipfs", func(cfg storage.BackendConfig) (storage.Backend, error) {
		endpoint := cfg.Host
		if endpoint == "" {
			endpoint = "127.0.0.1:5001"
		}
		return NewIPFS(endpoint, cfg.Path), nil
	})
}

// NewIPFS creates an IPFS backend talking to the node at endpoint, rooted
// at mfsRoot within MFS.
func NewIPFS(endpoint, mfsRoot string) *IPFS {
	return &IPFS{root: strings.TrimRight(mfsRoot, "/"), shell: shell.NewShell(endpoint)}
}

func (i *IPFS) Connect(ctx context.Context) error {
	if _, _, err := i.shell.Version(); err != nil {
		return storage.NewError(storage.ErrCodeConnectionFailed, "contacting ipfs daemon", "ipfs", i.root, err)
	}
	return i.shell.FilesMkdir(ctx, i.root, shell.FilesMkdir.Parents(true))
}

func (i *IPFS) Disconnect(ctx context.Context) error { return nil }

func (i *IPFS) PreProcess(ctx context.Context, archiveName string) error {
	dir := mfsDir(i.path(archiveName))
	return i.shell.FilesMkdir(ctx, dir, shell.FilesMkdir.Parents(true))
}

func (i *IPFS) PostProcess(ctx context.Context, archiveName string, finalFlag bool) error { return nil }

func (i *IPFS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := i.shell.FilesStat(ctx, i.path(name))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return false, nil
		}
		return false, storage.NewError(storage.ErrCodeConnectionFailed, "stat mfs entry", "ipfs", name, err)
	}
	return true, nil
}

func (i *IPFS) Transfer(ctx context.Context, localPath, name string) error {
	r, err := os.Open(localPath)
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "opening source", "ipfs", name, err)
	}
	defer r.Close()

	dst := i.path(name)
	if err := i.shell.FilesMkdir(ctx, mfsDir(dst), shell.FilesMkdir.Parents(true)); err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "creating mfs directory", "ipfs", name, err)
	}
	if err := i.shell.FilesWrite(ctx, dst, r, shell.FilesWrite.Create(true), shell.FilesWrite.Truncate(true)); err != nil {
		i.shell.FilesRm(ctx, dst, true)
		return storage.NewError(storage.ErrCodeTransferFailed, "writing mfs entry", "ipfs", name, err)
	}
	return nil
}

func (i *IPFS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := i.shell.FilesRead(ctx, i.path(name))
	if err != nil {
		return nil, storage.NewError(storage.ErrCodeNotFound, "reading mfs entry", "ipfs", name, err)
	}
	return r, nil
}

func (i *IPFS) Stat(ctx context.Context, name string) (int64, error) {
	st, err := i.shell.FilesStat(ctx, i.path(name))
	if err != nil {
		return 0, storage.NewError(storage.ErrCodeNotFound, "stat mfs entry", "ipfs", name, err)
	}
	return int64(st.Size), nil
}

func (i *IPFS) Delete(ctx context.Context, name string) error {
	if err := i.shell.FilesRm(ctx, i.path(name), true); err != nil && !strings.Contains(err.Error(), "does not exist") {
		return storage.NewError(storage.ErrCodeTransferFailed, "removing mfs entry", "ipfs", name, err)
	}
	return nil
}

func (i *IPFS) Info() *storage.BackendInfo {
	return &storage.BackendInfo{Type: "ipfs", Endpoint: i.root}
}

func (i *IPFS) PrintableName(name string) string {
	return "ipfs://" + i.path(name)
}

func (i *IPFS) path(name string) string {
	return i.root + "/" + strings.TrimLeft(name, "/")
}

func mfsDir(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

