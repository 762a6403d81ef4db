package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory stand-in for transfer.Client, enough to
// exercise the ledger's read/write/rename sequence without a real
// remote endpoint.
type fakeClient struct {
	files map[string][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{files: make(map[string][]byte)}
}

func (f *fakeClient) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, errNotFound{path}
	}
	return data, nil
}

func (f *fakeClient) WriteFile(ctx context.Context, path string, data []byte) error {
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeClient) Rename(ctx context.Context, oldPath, newPath string) error {
	data, ok := f.files[oldPath]
	if !ok {
		return errNotFound{oldPath}
	}
	f.files[newPath] = data
	delete(f.files, oldPath)
	return nil
}

type errNotFound struct{ path string }

func (e errNotFound) Error() string { return "not found: " + e.path }

func TestLoadMissingDocumentReturnsEmpty(t *testing.T) {
	l := New(newFakeClient())
	doc, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, doc.Jobs)
	require.Equal(t, ledgerVersion, doc.Meta.Version)
}

func TestUpsertThenLoadRoundTrips(t *testing.T) {
	l := New(newFakeClient())
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, Entry{RemotePath: "/media/a.mkv", State: "encoding", PercentComplete: 42}))

	doc, err := l.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Jobs, 1)
	require.Equal(t, float64(42), doc.Jobs["/media/a.mkv"].PercentComplete)
}

func TestSaveWritesThroughTempThenRename(t *testing.T) {
	fc := newFakeClient()
	l := New(fc)
	ctx := context.Background()

	require.NoError(t, l.Save(ctx, emptyDocument()))

	_, hasFinal := fc.files[remotePath]
	require.True(t, hasFinal)
	for path := range fc.files {
		require.NotContains(t, path, ".tmp.", "temp file should have been renamed away, not left behind")
	}
}

func TestLoadCorruptDocumentArchivesAndReinitializes(t *testing.T) {
	fc := newFakeClient()
	fc.files[remotePath] = []byte("{not valid json")
	l := New(fc)

	doc, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, doc.Jobs)

	foundArchive := false
	for path := range fc.files {
		if path != remotePath {
			foundArchive = true
		}
	}
	require.True(t, foundArchive, "corrupt document should be archived under a sibling path")
}

func TestPruneOlderThanRemovesStaleEntries(t *testing.T) {
	l := New(newFakeClient())
	ctx := context.Background()

	require.NoError(t, l.Upsert(ctx, Entry{RemotePath: "/media/old.mkv", State: "completed"}))
	doc, err := l.Load(ctx)
	require.NoError(t, err)
	stale := doc.Jobs["/media/old.mkv"]
	stale.UpdatedAt = time.Now().Add(-200 * 24 * time.Hour)
	doc.Jobs["/media/old.mkv"] = stale
	require.NoError(t, l.Save(ctx, doc))

	require.NoError(t, l.Upsert(ctx, Entry{RemotePath: "/media/fresh.mkv", State: "encoding"}))

	removed, err := l.PruneOlderThan(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	final, err := l.Load(ctx)
	require.NoError(t, err)
	require.Len(t, final.Jobs, 1)
	require.Contains(t, final.Jobs, "/media/fresh.mkv")
}
