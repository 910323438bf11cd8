package backends

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/bararchive/creator/pkg/storage"
)

// SFTP stores archive segments on a remote host over SSH (storage URL
// scheme "sftp"), using pkg/sftp over an x/crypto/ssh connection.
type SFTP struct {
	addr     string
	user     string
	password string
	rootDir  string

	conn   *ssh.Client
	client *sftp.Client
}

func init() {
	storage.Register("sftp", func(cfg storage.BackendConfig) (storage.Backend, error) {
		return NewSFTP(cfg.Host, cfg.User, cfg.Password, cfg.Path), nil
	})
}

// NewSFTP creates an SFTP backend. addr is "host:port" (port defaults to 22
// if absent).
func NewSFTP(addr, user, password, rootDir string) *SFTP {
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	return &SFTP{addr: addr, user: user, password: password, rootDir: rootDir}
}

func (s *SFTP) Connect(ctx context.Context) error {
	cfg := &ssh.ClientConfig{
		User:            s.user,
		Auth:            []ssh.AuthMethod{ssh.Password(s.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // no pack example carries host-key pinning; see DESIGN.md
		Timeout:         30 * time.Second,
	}
	conn, err := ssh.Dial("tcp", s.addr, cfg)
	if err != nil {
		return storage.NewError(storage.ErrCodeConnectionFailed, "dialing sftp host", "sftp", s.addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return storage.NewError(storage.ErrCodeConnectionFailed, "starting sftp session", "sftp", s.addr, err)
	}
	s.conn = conn
	s.client = client
	return nil
}

func (s *SFTP) Disconnect(ctx context.Context) error {
	if s.client != nil {
		s.client.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *SFTP) PreProcess(ctx context.Context, archiveName string) error {
	return s.client.MkdirAll(path.Dir(s.path(archiveName)))
}

func (s *SFTP) PostProcess(ctx context.Context, archiveName string, finalFlag bool) error { return nil }

func (s *SFTP) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.Stat(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *SFTP) Transfer(ctx context.Context, localPath, name string) error {
	remote := s.path(name)
	if err := s.client.MkdirAll(path.Dir(remote)); err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "creating remote directory", "sftp", name, err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "opening source", "sftp", name, err)
	}
	defer src.Close()

	dst, err := s.client.Create(remote)
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "creating remote file", "sftp", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		s.client.Remove(remote)
		return storage.NewError(sftpErrCode(err), "uploading segment", "sftp", name, err)
	}
	if err := dst.Close(); err != nil {
		s.client.Remove(remote)
		return storage.NewError(sftpErrCode(err), "closing remote file", "sftp", name, err)
	}
	return nil
}

func (s *SFTP) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	f, err := s.client.Open(s.path(name))
	if err != nil {
		return nil, storage.NewError(storage.ErrCodeNotFound, "opening remote segment", "sftp", name, err)
	}
	return f, nil
}

func (s *SFTP) Stat(ctx context.Context, name string) (int64, error) {
	info, err := s.client.Stat(s.path(name))
	if err != nil {
		return 0, storage.NewError(storage.ErrCodeNotFound, "stat remote segment", "sftp", name, err)
	}
	return info.Size(), nil
}

func (s *SFTP) Delete(ctx context.Context, name string) error {
	if err := s.client.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return storage.NewError(storage.ErrCodeTransferFailed, "deleting remote segment", "sftp", name, err)
	}
	return nil
}

func (s *SFTP) Info() *storage.BackendInfo {
	return &storage.BackendInfo{Type: "sftp", Endpoint: s.addr}
}

func (s *SFTP) PrintableName(name string) string {
	return s.user + "@" + s.addr + ":" + s.path(name)
}

func (s *SFTP) path(name string) string {
	return path.Join(s.rootDir, name)
}

// sftp's status-code errors don't satisfy errors.Is(syscall.ENOSPC)
// portably across servers; without a reliable signal we classify every
// write failure as a plain transfer failure rather than guess at ENOSPC.
func sftpErrCode(err error) string {
	return storage.ErrCodeTransferFailed
}
