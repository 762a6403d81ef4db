package transfer

import (
	"context"

	"github.com/halvorsen/reelsmith/internal/reelerr"
)

// Facade selects between an SFTP and a WebDAV backend per the
// configured Method, remembering a WebDAV write-downgrade for the
// process lifetime per spec §9's resolved open question.
type Facade struct {
	method Method
	sftp   *SFTPClient
	webdav *WebDAVClient

	// persistDowngrade, when set, asks the caller-supplied callback to
	// persist a remembered 403 downgrade into the Config Store instead
	// of keeping it in memory only (remember_webdav_downgrade_persist).
	persistDowngrade func(writable bool)
}

// NewFacade builds a facade. Either backend may be nil if that
// transfer method isn't configured; methods that require a missing
// backend fail with KindProtocolCapabilityMissing.
func NewFacade(method Method, sftpClient *SFTPClient, webdavClient *WebDAVClient) *Facade {
	return &Facade{method: method, sftp: sftpClient, webdav: webdavClient}
}

// OnWriteDowngrade registers a callback invoked every time a write
// fails with KindProtocolCapabilityMissing (a WebDAV 403 downgrade),
// so the caller can persist the downgrade if
// remember_webdav_downgrade_persist is set.
func (f *Facade) OnWriteDowngrade(fn func(writable bool)) {
	f.persistDowngrade = fn
}

// active picks the backend to use for this call, given the facade's
// method and (for writes) any remembered WebDAV downgrade.
func (f *Facade) active(write bool) (Client, error) {
	switch f.method {
	case MethodSFTP:
		if f.sftp == nil {
			return nil, reelerr.New(reelerr.KindProtocolCapabilityMissing, "sftp not configured")
		}
		return f.sftp, nil
	case MethodWebDAV:
		return f.webdavOrError(write)
	case MethodPreferSFTP:
		if f.sftp != nil {
			return f.sftp, nil
		}
		return f.webdavOrError(write)
	case MethodPreferWebDAV:
		if c, err := f.webdavOrError(write); err == nil {
			return c, nil
		}
		if f.sftp != nil {
			return f.sftp, nil
		}
		return nil, reelerr.New(reelerr.KindProtocolCapabilityMissing, "neither sftp nor webdav configured")
	case MethodAuto:
		fallthrough
	default:
		// auto reads via the read-optimized backend (WebDAV, typically
		// fronted by a CDN/cache) and writes via SFTP, falling back to
		// the other backend when the preferred one isn't configured.
		if !write {
			if c, err := f.webdavOrError(write); err == nil {
				return c, nil
			}
			if f.sftp != nil {
				return f.sftp, nil
			}
			return nil, reelerr.New(reelerr.KindProtocolCapabilityMissing, "neither sftp nor webdav configured")
		}
		if f.sftp != nil {
			return f.sftp, nil
		}
		return f.webdavOrError(write)
	}
}

func (f *Facade) webdavOrError(write bool) (Client, error) {
	if f.webdav == nil {
		return nil, reelerr.New(reelerr.KindProtocolCapabilityMissing, "webdav not configured")
	}
	if write && !f.webdav.Writable() {
		return nil, reelerr.New(reelerr.KindProtocolCapabilityMissing, "webdav endpoint downgraded to read-only")
	}
	return f.webdav, nil
}

// Connect dials whichever backend(s) are configured. Backends do not
// connect lazily: every other operation needs Connect to have
// succeeded first. A dial error is returned only when the method names
// that backend alone (sftp or webdav).
func (f *Facade) Connect(ctx context.Context) error {
	if f.sftp != nil {
		if err := f.sftp.Connect(ctx); err != nil && f.method == MethodSFTP {
			return err
		}
	}
	if f.webdav != nil {
		if err := f.webdav.Connect(ctx); err != nil && f.method == MethodWebDAV {
			return err
		}
	}
	return nil
}

func (f *Facade) Disconnect() error {
	var firstErr error
	if f.sftp != nil {
		if err := f.sftp.Disconnect(); err != nil {
			firstErr = err
		}
	}
	if f.webdav != nil {
		if err := f.webdav.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Facade) List(ctx context.Context, dir string) ([]FileInfo, error) {
	c, err := f.active(false)
	if err != nil {
		return nil, err
	}
	return c.List(ctx, dir)
}

func (f *Facade) Stat(ctx context.Context, path string) (FileInfo, error) {
	c, err := f.active(false)
	if err != nil {
		return FileInfo{}, err
	}
	return c.Stat(ctx, path)
}

func (f *Facade) Exists(ctx context.Context, path string) (bool, error) {
	c, err := f.active(false)
	if err != nil {
		return false, err
	}
	return c.Exists(ctx, path)
}

func (f *Facade) Download(ctx context.Context, remotePath, localPath string, onProgress ProgressFunc) error {
	c, err := f.active(false)
	if err != nil {
		return err
	}
	return c.Download(ctx, remotePath, localPath, onProgress)
}

func (f *Facade) Upload(ctx context.Context, localPath, remotePath string, onProgress ProgressFunc) error {
	c, err := f.writeClient()
	if err != nil {
		return err
	}
	err = c.Upload(ctx, localPath, remotePath, onProgress)
	f.afterWrite(err)
	return err
}

func (f *Facade) Rename(ctx context.Context, oldPath, newPath string) error {
	c, err := f.writeClient()
	if err != nil {
		return err
	}
	err = c.Rename(ctx, oldPath, newPath)
	f.afterWrite(err)
	return err
}

func (f *Facade) Delete(ctx context.Context, path string) error {
	c, err := f.writeClient()
	if err != nil {
		return err
	}
	err = c.Delete(ctx, path)
	f.afterWrite(err)
	return err
}

func (f *Facade) MkdirAll(ctx context.Context, dir string) error {
	c, err := f.writeClient()
	if err != nil {
		return err
	}
	return c.MkdirAll(ctx, dir)
}

func (f *Facade) ReadFile(ctx context.Context, path string) ([]byte, error) {
	c, err := f.active(false)
	if err != nil {
		return nil, err
	}
	return c.ReadFile(ctx, path)
}

func (f *Facade) WriteFile(ctx context.Context, path string, data []byte) error {
	c, err := f.writeClient()
	if err != nil {
		return err
	}
	err = c.WriteFile(ctx, path, data)
	f.afterWrite(err)
	return err
}

func (f *Facade) writeClient() (Client, error) {
	return f.active(true)
}

// afterWrite notifies the persistence callback if this write is the
// one that just triggered (or confirmed) a WebDAV downgrade.
func (f *Facade) afterWrite(err error) {
	if f.webdav == nil || f.persistDowngrade == nil {
		return
	}
	if kind, ok := reelerr.KindOf(err); ok && kind == reelerr.KindProtocolCapabilityMissing {
		f.persistDowngrade(f.webdav.Writable())
	}
}

// BackupRemote and RestoreRemote operate through whichever backend is
// currently selected for writes, so the safe-replace protocol doesn't
// need to know which transport is live.
func (f *Facade) BackupRemote(ctx context.Context, path string) (string, error) {
	c, err := f.writeClient()
	if err != nil {
		return "", err
	}
	return BackupRemote(ctx, c, path)
}

func (f *Facade) RestoreRemote(ctx context.Context, backupPath, originalPath string) error {
	c, err := f.writeClient()
	if err != nil {
		return err
	}
	return RestoreRemote(ctx, c, backupPath, originalPath)
}

func (f *Facade) DiscardBackup(ctx context.Context, backupPath string) error {
	c, err := f.writeClient()
	if err != nil {
		return err
	}
	return DiscardBackup(ctx, c, backupPath)
}
