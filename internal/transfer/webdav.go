package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"

	"github.com/studio-b12/gowebdav"

	"github.com/halvorsen/reelsmith/internal/reelerr"
)

// WebDAVConfig names the connection parameters from config.WebDAVConfig.
type WebDAVConfig struct {
	URL      string
	Username string
	Password string
}

// WebDAVClient implements Client over github.com/studio-b12/gowebdav.
//
// WebDAV has no native rename primitive with the same atomicity
// guarantee sftp's does, but gowebdav's Rename issues a MOVE request,
// which is what the safe-replace protocol relies on being atomic on
// the server side; servers that can't honor that are outside this
// layer's control.
type WebDAVClient struct {
	cfg WebDAVConfig

	mu        sync.Mutex
	client    *gowebdav.Client
	connected bool

	// writableOnce records a 403-triggered read-only downgrade for the
	// process lifetime, per spec §9's WebDAV open question.
	writableOnce sync.Once
	writable     bool
}

// NewWebDAVClient returns a client that is not yet connected.
func NewWebDAVClient(cfg WebDAVConfig) *WebDAVClient {
	return &WebDAVClient{cfg: cfg, writable: true}
}

func (w *WebDAVClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected {
		return nil
	}
	c := gowebdav.NewClient(w.cfg.URL, w.cfg.Username, w.cfg.Password)
	if err := c.Connect(); err != nil {
		return reelerr.Wrap(reelerr.KindNetworkTransient, "connect webdav", err)
	}
	w.client = c
	w.connected = true
	return nil
}

func (w *WebDAVClient) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.client = nil
	w.connected = false
	return nil
}

func (w *WebDAVClient) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Writable reports whether uploads/renames/deletes are still believed
// to be permitted against this endpoint, after accounting for any
// remembered 403 downgrade.
func (w *WebDAVClient) Writable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writable
}

func (w *WebDAVClient) rememberDowngrade() {
	w.writableOnce.Do(func() {
		w.mu.Lock()
		w.writable = false
		w.mu.Unlock()
	})
}

func (w *WebDAVClient) List(ctx context.Context, dir string) ([]FileInfo, error) {
	entries, err := w.client.ReadDir(dir)
	if err != nil {
		return nil, w.classify("list", dir, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{Name: e.Name(), Size: e.Size(), IsDir: e.IsDir(), ModTime: e.ModTime()})
	}
	return out, nil
}

func (w *WebDAVClient) Stat(ctx context.Context, p string) (FileInfo, error) {
	info, err := w.client.Stat(p)
	if err != nil {
		return FileInfo{}, w.classify("stat", p, err)
	}
	return FileInfo{Name: path.Base(p), Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

func (w *WebDAVClient) Exists(ctx context.Context, p string) (bool, error) {
	_, err := w.client.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, w.classify("stat", p, err)
}

func (w *WebDAVClient) Download(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) error {
	info, err := w.client.Stat(remotePath)
	if err != nil {
		return w.classify("stat", remotePath, err)
	}

	stream, err := w.client.ReadStream(remotePath)
	if err != nil {
		return w.classify("download", remotePath, err)
	}
	defer stream.Close()

	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create local dir for %s: %w", localPath, err)
	}
	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file %s: %w", localPath, err)
	}
	defer local.Close()

	tracker := NewTracker()
	reader := newCountingReader(stream, info.Size(), tracker, onProgress)
	if _, err := copyWithContext(ctx, local, reader); err != nil {
		return w.classify("download", remotePath, err)
	}
	return nil
}

func (w *WebDAVClient) Upload(ctx context.Context, localPath, remotePath string, onProgress ProgressFunc) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("stat local file %s: %w", localPath, err)
	}

	if err := w.client.MkdirAll(path.Dir(remotePath), 0o755); err != nil {
		return w.classify("mkdirall", path.Dir(remotePath), err)
	}

	partPath := remotePath + ".part"
	tracker := NewTracker()
	reader := newCountingReader(local, info.Size(), tracker, onProgress)
	if err := w.client.WriteStream(partPath, reader, 0o644); err != nil {
		w.client.Remove(partPath)
		return w.classify("upload", remotePath, err)
	}

	if err := w.client.Rename(partPath, remotePath, true); err != nil {
		return w.classify("rename", partPath, err)
	}
	return nil
}

func (w *WebDAVClient) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := w.client.Rename(oldPath, newPath, true); err != nil {
		return w.classify("rename", oldPath, err)
	}
	return nil
}

func (w *WebDAVClient) Delete(ctx context.Context, p string) error {
	if err := w.client.Remove(p); err != nil {
		return w.classify("delete", p, err)
	}
	return nil
}

func (w *WebDAVClient) MkdirAll(ctx context.Context, dir string) error {
	if err := w.client.MkdirAll(dir, 0o755); err != nil {
		return w.classify("mkdirall", dir, err)
	}
	return nil
}

func (w *WebDAVClient) ReadFile(ctx context.Context, p string) ([]byte, error) {
	data, err := w.client.Read(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, reelerr.Wrap(reelerr.KindNotFound, p, err)
		}
		return nil, w.classify("read", p, err)
	}
	return data, nil
}

func (w *WebDAVClient) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := w.client.MkdirAll(path.Dir(p), 0o755); err != nil {
		return w.classify("mkdirall", path.Dir(p), err)
	}
	if err := w.client.Write(p, data, 0o644); err != nil {
		return w.classify("write", p, err)
	}
	return nil
}

// classify maps gowebdav's *gowebdav.StatusError into reelerr kinds,
// recording a write-capability downgrade on 403 per spec §9.
func (w *WebDAVClient) classify(op, p string, err error) error {
	if se, ok := err.(*gowebdav.StatusError); ok {
		switch se.StatusCode {
		case 401:
			return reelerr.Wrap(reelerr.KindAuthFailed, fmt.Sprintf("%s %s", op, p), err)
		case 403:
			w.rememberDowngrade()
			return reelerr.Wrap(reelerr.KindProtocolCapabilityMissing, fmt.Sprintf("%s %s", op, p), err)
		case 404:
			return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("%s %s", op, p), err)
		}
	}
	if os.IsNotExist(err) {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("%s %s", op, p), err)
	}
	return reelerr.Wrap(reelerr.KindNetworkTransient, fmt.Sprintf("%s %s", op, p), err)
}
