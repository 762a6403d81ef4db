package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halvorsen/reelsmith/internal/config"
	"github.com/halvorsen/reelsmith/internal/events"
	"github.com/halvorsen/reelsmith/internal/job"
	"github.com/halvorsen/reelsmith/internal/queue"
	"github.com/halvorsen/reelsmith/internal/store"
	"github.com/halvorsen/reelsmith/internal/transfer"
)

type memStore struct {
	mu     sync.Mutex
	jobs   map[int64]*job.Job
	nextID int64
}

func newMemStore() *memStore { return &memStore{jobs: make(map[int64]*job.Job)} }

func (m *memStore) Insert(j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	j.ID = m.nextID
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}
func (m *memStore) Update(j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}
func (m *memStore) Get(id int64) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errNotFound{}
	}
	cp := *j
	return &cp, nil
}
func (m *memStore) GetByRemotePath(remotePath string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.RemotePath == remotePath {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}
func (m *memStore) List(filter store.ListFilter) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Job
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}
func (m *memStore) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}
func (m *memStore) DeleteOlderThan(cutoff time.Time) (int64, error) { return 0, nil }
func (m *memStore) Count() (map[job.State]int, error)               { return map[job.State]int{}, nil }

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type memRemote struct{}

func (memRemote) Stat(ctx context.Context, path string) (transfer.FileInfo, error) {
	return transfer.FileInfo{Name: path, Size: 500}, nil
}
func (memRemote) Download(ctx context.Context, remotePath, localPath string, onProgress transfer.ProgressFunc) error {
	return nil
}
func (memRemote) Upload(ctx context.Context, localPath, remotePath string, onProgress transfer.ProgressFunc) error {
	return nil
}
func (memRemote) BackupRemote(ctx context.Context, path string) (string, error) { return "", nil }
func (memRemote) RestoreRemote(ctx context.Context, backupPath, originalPath string) error {
	return nil
}
func (memRemote) DiscardBackup(ctx context.Context, backupPath string) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfgStore, err := config.Open(t.TempDir() + "/config.json")
	require.NoError(t, err)
	q := queue.New(cfgStore, newMemStore(), memRemote{}, nil, nil, events.New(zap.NewNop()), nil, zap.NewNop(), func() string { return "/usr/bin/ffmpeg" })
	return New(q, cfgStore, nil, nil)
}

func TestAddJobThenListReturnsIt(t *testing.T) {
	s := newTestServer(t)

	body := strings.NewReader(`{"remote_path":"movies/Show.mkv"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	listW := httptest.NewRecorder()
	s.Engine.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var jobs []job.Job
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "movies/Show.mkv", jobs[0].RemotePath)
}

func TestGetSettingsReturnsDefaults(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	w := httptest.NewRecorder()
	s.Engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var cfg config.PipelineConfiguration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	require.Equal(t, "auto", cfg.TransferMethod)
}

func TestGetStatusReportsNotRunning(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	w := httptest.NewRecorder()
	s.Engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status queue.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.False(t, status.Running)
}

func TestAddJobMissingRemotePathReturns400(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRemoveNonexistentJobReturns500OrNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/jobs/999", nil)
	w := httptest.NewRecorder()
	s.Engine.ServeHTTP(w, req)
	require.Contains(t, []int{http.StatusInternalServerError, http.StatusNotFound}, w.Code)
}
