package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/halvorsen/reelsmith/internal/reelerr"
)

// BackupName computes the backup name for a remote path: for
// "dir/name.ext" the backup is "dir/name.bak.ext", matching the
// teacher lineage's own `filePath + ".av1backup"` idea but keeping the
// extension intact so the backup still opens in anything that sniffs
// by suffix.
func BackupName(remotePath string) string {
	dir, file := splitPath(remotePath)
	ext := ""
	stem := file
	if i := strings.LastIndex(file, "."); i > 0 {
		stem, ext = file[:i], file[i:]
	}
	backupFile := stem + ".bak" + ext
	if dir == "" {
		return backupFile
	}
	return dir + "/" + backupFile
}

func splitPath(p string) (dir, file string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// BackupRemote renames path to its backup name and returns that name.
// This single rename is the safe-replace protocol's point of no
// return: once it succeeds, a failure downstream must roll back by
// renaming the backup back into place, never by re-deriving the
// original content.
func BackupRemote(ctx context.Context, c Client, path string) (string, error) {
	backupPath := BackupName(path)
	if err := c.Rename(ctx, path, backupPath); err != nil {
		return "", reelerr.Wrap(reelerr.KindBackupFailed, fmt.Sprintf("backup %s", path), err)
	}
	return backupPath, nil
}

// RestoreRemote renames a previously created backup back to its
// original path. A failure here is the one unrecoverable outcome in
// the protocol: both the backup and the original name may now be
// missing or duplicated, so callers surface KindRollbackFailed as a
// distinct, louder failure than an ordinary upload error.
func RestoreRemote(ctx context.Context, c Client, backupPath, originalPath string) error {
	if err := c.Rename(ctx, backupPath, originalPath); err != nil {
		return reelerr.Wrap(reelerr.KindRollbackFailed, fmt.Sprintf("restore %s from %s", originalPath, backupPath), err)
	}
	return nil
}

// DiscardBackup removes a backup once the replacement upload has
// succeeded, completing the protocol.
func DiscardBackup(ctx context.Context, c Client, backupPath string) error {
	return c.Delete(ctx, backupPath)
}
