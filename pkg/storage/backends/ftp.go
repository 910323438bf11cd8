package backends

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bararchive/creator/pkg/storage"
)

// FTP stores archive segments over a plain FTP control+data connection
// (storage URL scheme "ftp"). No pack example carries a dedicated FTP
// client library, so this is built directly on net/textproto's line-based
// RFC 959 client helper the way the standard library intends it to be
// used (see DESIGN.md: "FTP back-end" entry).
type FTP struct {
	addr     string
	user     string
	password string
	rootDir  string

	conn *textproto.Conn
	raw  net.Conn
}

func init() {
	storage.Register("ftp", func(cfg storage.BackendConfig) (storage.Backend, error) {
		return NewFTP(cfg.Host, cfg.User, cfg.Password, cfg.Path), nil
	})
}

// NewFTP creates an FTP backend. addr is "host:port" (port defaults to 21).
func NewFTP(addr, user, password, rootDir string) *FTP {
	if !strings.Contains(addr, ":") {
		addr += ":21"
	}
	return &FTP{addr: addr, user: user, password: password, rootDir: rootDir}
}

func (f *FTP) Connect(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", f.addr, 30*time.Second)
	if err != nil {
		return storage.NewError(storage.ErrCodeConnectionFailed, "dialing ftp host", "ftp", f.addr, err)
	}
	f.raw = conn
	f.conn = textproto.NewConn(conn)
	if _, _, err := f.conn.ReadResponse(220); err != nil {
		f.conn.Close()
		return storage.NewError(storage.ErrCodeConnectionFailed, "reading ftp greeting", "ftp", f.addr, err)
	}
	if err := f.cmd(331, "USER %s", f.user); err != nil {
		return err
	}
	if err := f.cmd(230, "PASS %s", f.password); err != nil {
		return err
	}
	if f.rootDir != "" {
		if err := f.cmd(250, "CWD %s", f.rootDir); err != nil {
			return err
		}
	}
	return nil
}

func (f *FTP) Disconnect(ctx context.Context) error {
	if f.conn == nil {
		return nil
	}
	f.conn.Cmd("QUIT")
	return f.conn.Close()
}

func (f *FTP) PreProcess(ctx context.Context, archiveName string) error {
	// FTP has no portable recursive mkdir; the reference run assumes the
	// configured root directory already exists (mirrors spec.md's notion
	// that archiveName is a flat name, not a nested path).
	return nil
}

func (f *FTP) PostProcess(ctx context.Context, archiveName string, finalFlag bool) error { return nil }

func (f *FTP) Exists(ctx context.Context, name string) (bool, error) {
	id, err := f.conn.Cmd("SIZE %s", name)
	if err != nil {
		return false, err
	}
	f.conn.StartResponse(id)
	defer f.conn.EndResponse(id)
	code, _, err := f.conn.ReadCodeLine(213)
	if err != nil {
		if code == 550 {
			return false, nil
		}
		return false, nil
	}
	return true, nil
}

func (f *FTP) Transfer(ctx context.Context, localPath, name string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "opening source", "ftp", name, err)
	}
	defer src.Close()

	data, err := f.passiveData()
	if err != nil {
		return storage.NewError(storage.ErrCodeConnectionFailed, "entering passive mode", "ftp", name, err)
	}
	id, err := f.conn.Cmd("STOR %s", name)
	if err != nil {
		data.Close()
		return storage.NewError(storage.ErrCodeTransferFailed, "sending STOR", "ftp", name, err)
	}
	f.conn.StartResponse(id)
	if _, _, err := f.conn.ReadCodeLine(150); err != nil {
		f.conn.EndResponse(id)
		data.Close()
		return storage.NewError(storage.ErrCodeTransferFailed, "STOR not accepted", "ftp", name, err)
	}
	f.conn.EndResponse(id)

	_, copyErr := io.Copy(data, src)
	data.Close()
	if copyErr != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "uploading segment", "ftp", name, copyErr)
	}
	if _, _, err := f.conn.ReadCodeLine(226); err != nil {
		f.conn.Cmd("DELE %s", name)
		return storage.NewError(storage.ErrCodeTransferFailed, "STOR did not complete", "ftp", name, err)
	}
	return nil
}

func (f *FTP) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	data, err := f.passiveData()
	if err != nil {
		return nil, storage.NewError(storage.ErrCodeConnectionFailed, "entering passive mode", "ftp", name, err)
	}
	id, err := f.conn.Cmd("RETR %s", name)
	if err != nil {
		data.Close()
		return nil, storage.NewError(storage.ErrCodeNotFound, "sending RETR", "ftp", name, err)
	}
	f.conn.StartResponse(id)
	if _, _, err := f.conn.ReadCodeLine(150); err != nil {
		f.conn.EndResponse(id)
		data.Close()
		return nil, storage.NewError(storage.ErrCodeNotFound, "RETR not accepted", "ftp", name, err)
	}
	return &ftpReadCloser{data: data, finish: func() {
		f.conn.ReadCodeLine(226)
		f.conn.EndResponse(id)
	}}, nil
}

type ftpReadCloser struct {
	data   net.Conn
	finish func()
}

func (r *ftpReadCloser) Read(p []byte) (int, error) { return r.data.Read(p) }
func (r *ftpReadCloser) Close() error {
	err := r.data.Close()
	r.finish()
	return err
}

func (f *FTP) Stat(ctx context.Context, name string) (int64, error) {
	id, err := f.conn.Cmd("SIZE %s", name)
	if err != nil {
		return 0, err
	}
	f.conn.StartResponse(id)
	defer f.conn.EndResponse(id)
	_, line, err := f.conn.ReadCodeLine(213)
	if err != nil {
		return 0, storage.NewError(storage.ErrCodeNotFound, "SIZE failed", "ftp", name, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return 0, err
	}
	return size, nil
}

func (f *FTP) Delete(ctx context.Context, name string) error {
	if err := f.cmd(250, "DELE %s", name); err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "deleting segment", "ftp", name, err)
	}
	return nil
}

func (f *FTP) Info() *storage.BackendInfo {
	return &storage.BackendInfo{Type: "ftp", Endpoint: f.addr}
}

func (f *FTP) PrintableName(name string) string {
	return "ftp://" + f.addr + "/" + strings.TrimLeft(name, "/")
}

func (f *FTP) cmd(expectCode int, format string, args ...interface{}) error {
	id, err := f.conn.Cmd(format, args...)
	if err != nil {
		return err
	}
	f.conn.StartResponse(id)
	defer f.conn.EndResponse(id)
	_, _, err = f.conn.ReadCodeLine(expectCode)
	return err
}

// passiveData issues PASV and dials the data connection it advertises.
func (f *FTP) passiveData() (net.Conn, error) {
	id, err := f.conn.Cmd("PASV")
	if err != nil {
		return nil, err
	}
	f.conn.StartResponse(id)
	_, line, err := f.conn.ReadCodeLine(227)
	f.conn.EndResponse(id)
	if err != nil {
		return nil, err
	}
	addr, err := parsePASV(line)
	if err != nil {
		return nil, err
	}
	return net.DialTimeout("tcp", addr, 30*time.Second)
}

// parsePASV extracts "h1,h2,h3,h4,p1,p2" from a PASV response like
// "Entering Passive Mode (127,0,0,1,200,13)." into "127.0.0.1:51213".
func parsePASV(line string) (string, error) {
	start := strings.Index(line, "(")
	end := strings.Index(line, ")")
	if start < 0 || end < 0 || end < start {
		return "", fmt.Errorf("ftp: malformed PASV response %q", line)
	}
	parts := strings.Split(line[start+1:end], ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("ftp: malformed PASV address %q", line)
	}
	p1, err := strconv.Atoi(parts[4])
	if err != nil {
		return "", err
	}
	p2, err := strconv.Atoi(parts[5])
	if err != nil {
		return "", err
	}
	port := p1*256 + p2
	host := strings.Join(parts[:4], ".")
	return fmt.Sprintf("%s:%d", host, port), nil
}
