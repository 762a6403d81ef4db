package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halvorsen/reelsmith/internal/config"
	"github.com/halvorsen/reelsmith/internal/events"
	"github.com/halvorsen/reelsmith/internal/job"
	"github.com/halvorsen/reelsmith/internal/reelerr"
	"github.com/halvorsen/reelsmith/internal/store"
	"github.com/halvorsen/reelsmith/internal/transfer"
)

type fakeJobStore struct {
	mu     sync.Mutex
	jobs   map[int64]*job.Job
	nextID int64
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[int64]*job.Job)}
}

func (f *fakeJobStore) Insert(j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	j.ID = f.nextID
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeJobStore) Update(j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeJobStore) Get(id int64) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, sqlNoRows{}
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) GetByRemotePath(remotePath string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.RemotePath == remotePath {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeJobStore) List(filter store.ListFilter) ([]*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*job.Job
	for _, j := range f.jobs {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeJobStore) Delete(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeJobStore) Count() (map[job.State]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[job.State]int)
	for _, j := range f.jobs {
		out[j.State]++
	}
	return out, nil
}

type sqlNoRows struct{}

func (sqlNoRows) Error() string { return "not found" }

type fakeRemote struct {
	size int64
}

func (f *fakeRemote) Stat(ctx context.Context, path string) (transfer.FileInfo, error) {
	return transfer.FileInfo{Name: path, Size: f.size}, nil
}
func (f *fakeRemote) Download(ctx context.Context, remotePath, localPath string, onProgress transfer.ProgressFunc) error {
	return nil
}
func (f *fakeRemote) Upload(ctx context.Context, localPath, remotePath string, onProgress transfer.ProgressFunc) error {
	return nil
}
func (f *fakeRemote) BackupRemote(ctx context.Context, path string) (string, error) {
	return path + ".bak", nil
}
func (f *fakeRemote) RestoreRemote(ctx context.Context, backupPath, originalPath string) error {
	return nil
}
func (f *fakeRemote) DiscardBackup(ctx context.Context, backupPath string) error { return nil }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeJobStore) {
	t.Helper()
	cfgStore, err := config.Open(t.TempDir() + "/config.json")
	require.NoError(t, err)
	jobs := newFakeJobStore()
	remote := &fakeRemote{size: 1000}
	bus := events.New(zap.NewNop())
	o := New(cfgStore, jobs, remote, nil, nil, bus, nil, zap.NewNop(), func() string { return "/usr/bin/ffmpeg" })
	return o, jobs
}

func TestAddJobRejectsDuplicateRemotePath(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.AddJob(ctx, "movies/Show.mkv")
	require.NoError(t, err)

	_, err = o.AddJob(ctx, "movies/Show.mkv")
	require.Error(t, err)
}

func TestAddJobRejectsUnstableRemoteFile(t *testing.T) {
	t.Helper()
	cfgStore, err := config.Open(t.TempDir() + "/config.json")
	require.NoError(t, err)
	patch := cfgStore.Snapshot()
	patch.Advanced.StabilityWaitSec = 1
	_, err = cfgStore.Update(patch)
	require.NoError(t, err)

	jobs := newFakeJobStore()
	// AddJob's own Stat reads the first size; the stability check then
	// sees 100 before the wait and 250 after it.
	remote := &growingRemote{sizes: []int64{100, 100, 250}}
	bus := events.New(zap.NewNop())
	o := New(cfgStore, jobs, remote, nil, nil, bus, nil, zap.NewNop(), func() string { return "/usr/bin/ffmpeg" })

	_, err = o.AddJob(context.Background(), "movies/Show.mkv")
	require.Error(t, err)
}

type growingRemote struct {
	fakeRemote
	calls int
	sizes []int64
}

func (g *growingRemote) Stat(ctx context.Context, path string) (transfer.FileInfo, error) {
	size := g.sizes[g.calls]
	if g.calls < len(g.sizes)-1 {
		g.calls++
	}
	return transfer.FileInfo{Name: path, Size: size}, nil
}

func TestRemoveJobOnlyAppliesToWaitingJobs(t *testing.T) {
	o, jobs := newTestOrchestrator(t)
	ctx := context.Background()

	j, err := o.AddJob(ctx, "movies/Show.mkv")
	require.NoError(t, err)

	stored, _ := jobs.Get(j.ID)
	stored.State = job.StateEncoding
	jobs.Update(stored)

	err = o.RemoveJob(j.ID)
	require.Error(t, err)
}

func TestPauseJobThenResumeRestoresLane(t *testing.T) {
	o, jobs := newTestOrchestrator(t)
	ctx := context.Background()

	j, err := o.AddJob(ctx, "movies/Show.mkv")
	require.NoError(t, err)

	stored, _ := jobs.Get(j.ID)
	stored.State = job.StateEncoding
	jobs.Update(stored)

	require.NoError(t, o.PauseJob(j.ID))
	paused, _ := jobs.Get(j.ID)
	require.Equal(t, job.StatePaused, paused.State)

	require.NoError(t, o.ResumeJob(j.ID))
	resumed, _ := jobs.Get(j.ID)
	require.Equal(t, job.StateEncoding, resumed.State)
}

func TestRetryJobResetsErrorAndReadmits(t *testing.T) {
	o, jobs := newTestOrchestrator(t)
	ctx := context.Background()

	j, err := o.AddJob(ctx, "movies/Show.mkv")
	require.NoError(t, err)
	stored, _ := jobs.Get(j.ID)
	stored.Fail("EncoderFailed", "boom")
	jobs.Update(stored)

	require.NoError(t, o.RetryJob(j.ID))
	retried, _ := jobs.Get(j.ID)
	require.Equal(t, job.StateWaiting, retried.State)
	require.Empty(t, retried.ErrorMessage)
	require.Equal(t, 1, retried.RetryCount)
}

func TestRunDownloadFailsWithInsufficientSpaceForHugeRemoteFile(t *testing.T) {
	cfgStore, err := config.Open(t.TempDir() + "/config.json")
	require.NoError(t, err)
	patch := cfgStore.Snapshot()
	patch.Storage.LocalTemp = t.TempDir()
	_, err = cfgStore.Update(patch)
	require.NoError(t, err)

	jobs := newFakeJobStore()
	remote := &fakeRemote{size: 1 << 62}
	bus := events.New(zap.NewNop())
	o := New(cfgStore, jobs, remote, nil, nil, bus, nil, zap.NewNop(), func() string { return "/usr/bin/ffmpeg" })

	j, err := o.AddJob(context.Background(), "movies/Show.mkv")
	require.NoError(t, err)

	err = o.runDownload(context.Background(), j.ID)
	require.Error(t, err)

	failed, _ := jobs.Get(j.ID)
	require.Equal(t, job.StateFailed, failed.State)
	require.Equal(t, reelerr.KindInsufficientSpace, failed.ErrorKind)
}

// backupTrackingRemote records every BackupRemote/DiscardBackup call so
// tests can assert the remote .bak is discarded unconditionally on a
// successful upload, independent of keep_original.
type backupTrackingRemote struct {
	fakeRemote
	discarded []string
}

func (b *backupTrackingRemote) BackupRemote(ctx context.Context, path string) (string, error) {
	return path + ".bak", nil
}

func (b *backupTrackingRemote) DiscardBackup(ctx context.Context, backupPath string) error {
	b.discarded = append(b.discarded, backupPath)
	return nil
}

func newUploadTestOrchestrator(t *testing.T, remote *backupTrackingRemote) (*Orchestrator, *fakeJobStore, config.PipelineConfiguration) {
	t.Helper()
	cfgStore, err := config.Open(t.TempDir() + "/config.json")
	require.NoError(t, err)
	patch := cfgStore.Snapshot()
	patch.Storage.LocalTemp = t.TempDir()
	patch.Storage.LocalBackup = t.TempDir()
	patch.Advanced.KeepOriginal = true
	_, err = cfgStore.Update(patch)
	require.NoError(t, err)
	cfg := cfgStore.Snapshot()

	jobs := newFakeJobStore()
	bus := events.New(zap.NewNop())
	o := New(cfgStore, jobs, remote, nil, nil, bus, nil, zap.NewNop(), func() string { return "/usr/bin/ffmpeg" })
	return o, jobs, cfg
}

// prepareUploadJob seeds a ready_upload job with a real local download and
// encoded file on disk, as runUpload expects to find them.
func prepareUploadJob(t *testing.T, o *Orchestrator, jobs *fakeJobStore, cfg config.PipelineConfiguration) *job.Job {
	t.Helper()
	j, err := o.AddJob(context.Background(), "movies/Show.mkv")
	require.NoError(t, err)

	stored, _ := jobs.Get(j.ID)
	paths := o.pathsFor(cfg, stored)
	require.NoError(t, os.MkdirAll(filepath.Dir(paths.download), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(paths.encoded), 0o755))
	require.NoError(t, os.WriteFile(paths.download, []byte("original bytes"), 0o644))
	require.NoError(t, os.WriteFile(paths.encoded, []byte("encoded bytes"), 0o644))

	stored.LocalDownload = paths.download
	stored.LocalEncoded = paths.encoded
	stored.State = job.StateReadyUpload
	jobs.Update(stored)
	return stored
}

func TestRunUploadDiscardsRemoteBackupEvenWhenKeepOriginalSet(t *testing.T) {
	remote := &backupTrackingRemote{}
	o, jobs, cfg := newUploadTestOrchestrator(t, remote)
	j := prepareUploadJob(t, o, jobs, cfg)

	require.NoError(t, o.runUpload(context.Background(), j.ID))

	require.Len(t, remote.discarded, 1)
	require.Equal(t, j.RemotePath+".bak", remote.discarded[0])

	done, _ := jobs.Get(j.ID)
	require.Equal(t, job.StateCompleted, done.State)
	require.NotEmpty(t, done.LocalOriginalBackup)
	if _, err := os.Stat(done.LocalOriginalBackup); err != nil {
		t.Fatalf("expected local original backup to survive keep_original=true: %v", err)
	}
}

func TestRunUploadCreatesDatedLocalOriginalBackup(t *testing.T) {
	remote := &backupTrackingRemote{}
	o, jobs, cfg := newUploadTestOrchestrator(t, remote)
	j := prepareUploadJob(t, o, jobs, cfg)

	require.NoError(t, o.runUpload(context.Background(), j.ID))

	done, _ := jobs.Get(j.ID)
	data, err := os.ReadFile(done.LocalOriginalBackup)
	require.NoError(t, err)
	require.Equal(t, "original bytes", string(data))
}

func TestRunUploadRemovesLocalOriginalBackupWhenKeepOriginalFalse(t *testing.T) {
	remote := &backupTrackingRemote{}
	o, jobs, cfg := newUploadTestOrchestrator(t, remote)
	patch := cfg
	patch.Advanced.KeepOriginal = false
	_, err := o.cfg.Update(patch)
	require.NoError(t, err)

	j := prepareUploadJob(t, o, jobs, cfg)

	require.NoError(t, o.runUpload(context.Background(), j.ID))

	done, _ := jobs.Get(j.ID)
	require.Empty(t, done.LocalOriginalBackup)
	require.Len(t, remote.discarded, 1)
}

// transientThenOKRemote fails the configured number of Download/Upload
// calls with a transient error before succeeding, to exercise the
// orchestrator's retry/backoff loop.
type transientThenOKRemote struct {
	fakeRemote
	failuresLeft int
}

func (r *transientThenOKRemote) Download(ctx context.Context, remotePath, localPath string, onProgress transfer.ProgressFunc) error {
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return reelerr.New(reelerr.KindNetworkTransient, "connection reset")
	}
	return os.WriteFile(localPath, []byte("downloaded"), 0o644)
}

func TestWithTransientRetryRetriesTransientDownloadFailureUntilSuccess(t *testing.T) {
	cfgStore, err := config.Open(t.TempDir() + "/config.json")
	require.NoError(t, err)
	patch := cfgStore.Snapshot()
	patch.Storage.LocalTemp = t.TempDir()
	patch.Advanced.RetryAttempts = 3
	_, err = cfgStore.Update(patch)
	require.NoError(t, err)

	jobs := newFakeJobStore()
	remote := &transientThenOKRemote{fakeRemote: fakeRemote{size: 1000}, failuresLeft: 1}
	bus := events.New(zap.NewNop())
	o := New(cfgStore, jobs, remote, nil, nil, bus, nil, zap.NewNop(), func() string { return "/usr/bin/ffmpeg" })

	j, err := o.AddJob(context.Background(), "movies/Show.mkv")
	require.NoError(t, err)

	err = o.withTransientRetry(context.Background(), cfgStore.Snapshot(), j, func() error {
		return remote.Download(context.Background(), j.RemotePath, t.TempDir()+"/out", nil)
	})
	require.NoError(t, err)
	require.Equal(t, 1, j.RetryCount)
}

func TestWithTransientRetryFailsAfterExhaustingRetryAttempts(t *testing.T) {
	cfgStore, err := config.Open(t.TempDir() + "/config.json")
	require.NoError(t, err)
	patch := cfgStore.Snapshot()
	patch.Advanced.RetryAttempts = 1
	_, err = cfgStore.Update(patch)
	require.NoError(t, err)

	jobs := newFakeJobStore()
	remote := &fakeRemote{size: 1000}
	bus := events.New(zap.NewNop())
	o := New(cfgStore, jobs, remote, nil, nil, bus, nil, zap.NewNop(), func() string { return "/usr/bin/ffmpeg" })

	j, err := o.AddJob(context.Background(), "movies/Show.mkv")
	require.NoError(t, err)

	attempts := 0
	err = o.withTransientRetry(context.Background(), cfgStore.Snapshot(), j, func() error {
		attempts++
		return reelerr.New(reelerr.KindNetworkTransient, "connection reset")
	})
	require.Error(t, err)
	kind, ok := reelerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, reelerr.KindNetworkTransient, kind)
	require.Equal(t, 1, j.RetryCount)
	require.Equal(t, 2, attempts) // initial attempt + 1 retry
}

func TestWithTransientRetryDoesNotRetryTerminalErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	j, err := o.AddJob(context.Background(), "movies/Show.mkv")
	require.NoError(t, err)

	attempts := 0
	err = o.withTransientRetry(context.Background(), o.cfg.Snapshot(), j, func() error {
		attempts++
		return reelerr.New(reelerr.KindEncoderFailed, "bad codec")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.Equal(t, 0, j.RetryCount)
}

func TestSetPauseAfterCurrentRoundTrips(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	require.False(t, o.GetPauseAfterCurrent())
	o.SetPauseAfterCurrent(true)
	require.True(t, o.GetPauseAfterCurrent())
}

func TestGetStatusReflectsPauseAndRunning(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	status := o.GetStatus()
	require.False(t, status.Running)

	o.Pause()
	require.True(t, o.GetStatus().Paused)
}
