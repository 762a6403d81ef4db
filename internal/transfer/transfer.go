// Package transfer is the Remote Transfer Layer: a single capability
// interface backed by either SFTP or WebDAV, selected by a facade per
// the configured transfer_method, with one shared progress tracker and
// the rename-based backup/restore helpers the safe-replace protocol
// needs.
package transfer

import (
	"context"
	"time"
)

// FileInfo is a protocol-neutral view of a remote directory entry.
type FileInfo struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Client is the capability set both backends implement. Every method
// takes a context so callers can cancel an in-flight transfer; stop()
// upstream cancels whichever context is threaded through the active
// call.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	List(ctx context.Context, dir string) ([]FileInfo, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)

	Download(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) error
	Upload(ctx context.Context, localPath, remotePath string, onProgress ProgressFunc) error

	Rename(ctx context.Context, oldPath, newPath string) error
	Delete(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, dir string) error

	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}

// ProgressFunc is invoked at the tracker's cadence with bytes moved so
// far and the total, when known (0 if the total is not knowable ahead
// of time).
type ProgressFunc func(transferred, total int64)

// Method names the facade's transfer_method config values.
type Method string

const (
	MethodAuto         Method = "auto"
	MethodSFTP         Method = "sftp"
	MethodWebDAV       Method = "webdav"
	MethodPreferSFTP   Method = "prefer_sftp"
	MethodPreferWebDAV Method = "prefer_webdav"
)
