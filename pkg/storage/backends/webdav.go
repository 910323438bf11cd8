package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/net/webdav"

	"github.com/bararchive/creator/pkg/storage"
)

// WebDAV stores archive segments on a remote WebDAV share (storage URL
// scheme "webdav"), issuing MKCOL/HEAD/PUT/GET/DELETE requests through a
// plain stdlib http.Client; x/net/webdav supplies only the StatusLocked
// status code.
type WebDAV struct {
	baseURL string
	client  *http.Client
}

func init() {
	storage.Register("webdav", func(cfg storage.BackendConfig) (storage.Backend, error) {
		scheme := "http"
		if cfg.Options["tls"] == "true" {
			scheme = "https"
		}
		base := fmt.Sprintf("%s://%s%s", scheme, cfg.Host, cfg.Path)
		return NewWebDAV(base, cfg.User, cfg.Password), nil
	})
}

// NewWebDAV creates a WebDAV backend rooted at baseURL.
func NewWebDAV(baseURL, user, password string) *WebDAV {
	return &WebDAV{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &basicAuthTransport{user: user, password: password, base: http.DefaultTransport},
		},
	}
}

func (w *WebDAV) Connect(ctx context.Context) error    { return nil }
func (w *WebDAV) Disconnect(ctx context.Context) error { return nil }

func (w *WebDAV) PreProcess(ctx context.Context, archiveName string) error {
	dir := path.Dir(w.url(archiveName))
	req, err := http.NewRequestWithContext(ctx, "MKCOL", dir, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return storage.NewError(storage.ErrCodeConnectionFailed, "creating remote collection", "webdav", archiveName, err)
	}
	defer resp.Body.Close()
	// 405/409 mean the collection already exists, which is fine.
	return nil
}

func (w *WebDAV) PostProcess(ctx context.Context, archiveName string, finalFlag bool) error { return nil }

func (w *WebDAV) Exists(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "HEAD", w.url(name), nil)
	if err != nil {
		return false, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return false, storage.NewError(storage.ErrCodeConnectionFailed, "checking remote segment", "webdav", name, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (w *WebDAV) Transfer(ctx context.Context, localPath, name string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "opening source", "webdav", name, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "stat source", "webdav", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, "PUT", w.url(name), src)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	resp, err := w.client.Do(req)
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "uploading segment", "webdav", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusInsufficientStorage {
		w.Delete(ctx, name)
		return storage.NewError(storage.ErrCodeNoSpace, "remote out of space", "webdav", name, nil)
	}
	if resp.StatusCode == webdav.StatusLocked {
		return storage.NewError(storage.ErrCodeTransferFailed, "remote collection locked", "webdav", name, nil)
	}
	if resp.StatusCode >= 300 {
		w.Delete(ctx, name)
		return storage.NewError(storage.ErrCodeTransferFailed, fmt.Sprintf("unexpected status %d", resp.StatusCode), "webdav", name, nil)
	}
	return nil
}

func (w *WebDAV) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", w.url(name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, storage.NewError(storage.ErrCodeNotFound, "fetching remote segment", "webdav", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, storage.NewError(storage.ErrCodeNotFound, fmt.Sprintf("unexpected status %d", resp.StatusCode), "webdav", name, nil)
	}
	return resp.Body, nil
}

func (w *WebDAV) Stat(ctx context.Context, name string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "HEAD", w.url(name), nil)
	if err != nil {
		return 0, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, storage.NewError(storage.ErrCodeNotFound, "stat remote segment", "webdav", name, err)
	}
	defer resp.Body.Close()
	return resp.ContentLength, nil
}

func (w *WebDAV) Delete(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", w.url(name), nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return storage.NewError(storage.ErrCodeTransferFailed, "deleting remote segment", "webdav", name, err)
	}
	defer resp.Body.Close()
	return nil
}

func (w *WebDAV) Info() *storage.BackendInfo {
	return &storage.BackendInfo{Type: "webdav", Endpoint: w.baseURL}
}

func (w *WebDAV) PrintableName(name string) string {
	return w.url(name)
}

func (w *WebDAV) url(name string) string {
	return w.baseURL + "/" + strings.TrimLeft(url.PathEscape(name), "/")
}

type basicAuthTransport struct {
	user, password string
	base           http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.user != "" {
		req.SetBasicAuth(t.user, t.password)
	}
	return t.base.RoundTrip(req)
}
