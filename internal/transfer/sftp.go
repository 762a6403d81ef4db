package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/halvorsen/reelsmith/internal/reelerr"
)

// SFTPConfig names the connection parameters from
// config.RemoteConfig.
type SFTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// SFTPClient implements Client over github.com/pkg/sftp.
type SFTPClient struct {
	cfg SFTPConfig

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

// NewSFTPClient returns a client that is not yet connected.
func NewSFTPClient(cfg SFTPConfig) *SFTPClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SFTPClient{cfg: cfg}
}

func (s *SFTPClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	sshCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(s.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // no known_hosts store in this deployment model
		Timeout:         s.cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return classifyDialErr(err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return reelerr.Wrap(reelerr.KindNetworkFatal, "open sftp session", err)
	}

	s.conn = conn
	s.client = client
	return nil
}

func classifyDialErr(err error) error {
	// ssh.Dial reports a rejected login with an "unable to authenticate"
	// message rather than a distinct error type; anything else at dial
	// time is treated as a transient network condition so the queue's
	// retry policy gets a chance to recover from it.
	if strings.Contains(err.Error(), "unable to authenticate") {
		return reelerr.Wrap(reelerr.KindAuthFailed, "sftp authentication", err)
	}
	return reelerr.Wrap(reelerr.KindNetworkTransient, "dial sftp host", err)
}

func (s *SFTPClient) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *SFTPClient) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *SFTPClient) List(ctx context.Context, dir string) ([]FileInfo, error) {
	entries, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, wrapSFTPErr("list", dir, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{
			Name:    e.Name(),
			Size:    e.Size(),
			IsDir:   e.IsDir(),
			ModTime: e.ModTime(),
		})
	}
	return out, nil
}

func (s *SFTPClient) Stat(ctx context.Context, p string) (FileInfo, error) {
	info, err := s.client.Stat(p)
	if err != nil {
		return FileInfo{}, wrapSFTPErr("stat", p, err)
	}
	return FileInfo{Name: path.Base(p), Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

func (s *SFTPClient) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapSFTPErr("stat", p, err)
}

func (s *SFTPClient) Download(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) error {
	info, err := s.client.Stat(remotePath)
	if err != nil {
		return wrapSFTPErr("stat", remotePath, err)
	}

	remote, err := s.client.Open(remotePath)
	if err != nil {
		return wrapSFTPErr("open", remotePath, err)
	}
	defer remote.Close()

	if err := os.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create local dir for %s: %w", localPath, err)
	}
	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file %s: %w", localPath, err)
	}
	defer local.Close()

	tracker := NewTracker()
	reader := newCountingReader(remote, info.Size(), tracker, onProgress)
	if _, err := copyWithContext(ctx, local, reader); err != nil {
		return wrapSFTPErr("download", remotePath, err)
	}
	return nil
}

func (s *SFTPClient) Upload(ctx context.Context, localPath, remotePath string, onProgress ProgressFunc) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("stat local file %s: %w", localPath, err)
	}

	if err := s.client.MkdirAll(path.Dir(remotePath)); err != nil {
		return wrapSFTPErr("mkdirall", path.Dir(remotePath), err)
	}

	partPath := remotePath + ".part"
	remote, err := s.client.Create(partPath)
	if err != nil {
		return wrapSFTPErr("create", partPath, err)
	}

	tracker := NewTracker()
	reader := newCountingReader(local, info.Size(), tracker, onProgress)
	if _, err := copyWithContext(ctx, remote, reader); err != nil {
		remote.Close()
		s.client.Remove(partPath)
		return wrapSFTPErr("upload", remotePath, err)
	}
	if err := remote.Close(); err != nil {
		s.client.Remove(partPath)
		return wrapSFTPErr("close", partPath, err)
	}

	if err := s.client.Rename(partPath, remotePath); err != nil {
		return wrapSFTPErr("rename", partPath, err)
	}
	return nil
}

func (s *SFTPClient) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := s.client.Rename(oldPath, newPath); err != nil {
		return wrapSFTPErr("rename", oldPath, err)
	}
	return nil
}

func (s *SFTPClient) Delete(ctx context.Context, p string) error {
	if err := s.client.Remove(p); err != nil {
		return wrapSFTPErr("delete", p, err)
	}
	return nil
}

func (s *SFTPClient) MkdirAll(ctx context.Context, dir string) error {
	if err := s.client.MkdirAll(dir); err != nil {
		return wrapSFTPErr("mkdirall", dir, err)
	}
	return nil
}

func (s *SFTPClient) ReadFile(ctx context.Context, p string) ([]byte, error) {
	f, err := s.client.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, reelerr.Wrap(reelerr.KindNotFound, p, err)
		}
		return nil, wrapSFTPErr("open", p, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *SFTPClient) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := s.client.MkdirAll(path.Dir(p)); err != nil {
		return wrapSFTPErr("mkdirall", path.Dir(p), err)
	}
	f, err := s.client.Create(p)
	if err != nil {
		return wrapSFTPErr("create", p, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return wrapSFTPErr("write", p, err)
	}
	return nil
}

func wrapSFTPErr(op, p string, err error) error {
	if os.IsNotExist(err) {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("%s %s", op, p), err)
	}
	return reelerr.Wrap(reelerr.KindNetworkTransient, fmt.Sprintf("%s %s", op, p), err)
}

// copyWithContext is io.Copy that aborts promptly when ctx is
// cancelled, so stop() can interrupt a long-running transfer instead of
// waiting for the next read to fail on its own.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	done := make(chan struct{})
	var n int64
	var err error
	go func() {
		n, err = io.Copy(dst, src)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return n, ctx.Err()
	case <-done:
		return n, err
	}
}
