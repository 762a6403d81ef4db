package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halvorsen/reelsmith/internal/reelerr"
)

func TestBackupNameInsertsBakBeforeExtension(t *testing.T) {
	require.Equal(t, "movies/Show S01E01.bak.mkv", BackupName("movies/Show S01E01.mkv"))
	require.Equal(t, "movie.bak.mp4", BackupName("movie.mp4"))
	require.Equal(t, "deep/nested/dir/clip.bak.mov", BackupName("deep/nested/dir/clip.mov"))
}

// fakeRenameClient exercises BackupRemote/RestoreRemote/DiscardBackup
// without a real SFTP or WebDAV endpoint.
type fakeRenameClient struct {
	Client
	files map[string]bool
}

func (f *fakeRenameClient) Rename(ctx context.Context, oldPath, newPath string) error {
	if !f.files[oldPath] {
		return errNotFoundTransfer{oldPath}
	}
	delete(f.files, oldPath)
	f.files[newPath] = true
	return nil
}

func (f *fakeRenameClient) Delete(ctx context.Context, path string) error {
	delete(f.files, path)
	return nil
}

type errNotFoundTransfer struct{ path string }

func (e errNotFoundTransfer) Error() string { return "not found: " + e.path }

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := &fakeRenameClient{files: map[string]bool{"movies/Show.mkv": true}}

	backupPath, err := BackupRemote(ctx, c, "movies/Show.mkv")
	require.NoError(t, err)
	require.Equal(t, "movies/Show.bak.mkv", backupPath)
	require.False(t, c.files["movies/Show.mkv"])
	require.True(t, c.files[backupPath])

	require.NoError(t, RestoreRemote(ctx, c, backupPath, "movies/Show.mkv"))
	require.True(t, c.files["movies/Show.mkv"])
	require.False(t, c.files[backupPath])
}

func TestRestoreRemoteFailureIsClassifiedAsRollbackFailed(t *testing.T) {
	ctx := context.Background()
	c := &fakeRenameClient{files: map[string]bool{}} // backup absent: rename fails

	err := RestoreRemote(ctx, c, "movies/Show.bak.mkv", "movies/Show.mkv")
	require.Error(t, err)
	kind, ok := reelerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, reelerr.KindRollbackFailed, kind)
}
