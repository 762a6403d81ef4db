// Package queue implements the Queue Orchestrator: the three-lane
// download/encode/upload worker that drives every Job through
// internal/job's state graph, using internal/transfer for remote I/O,
// internal/encoder to transcode, and internal/store for durability.
package queue

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/halvorsen/reelsmith/internal/cache"
	"github.com/halvorsen/reelsmith/internal/config"
	"github.com/halvorsen/reelsmith/internal/encoder"
	"github.com/halvorsen/reelsmith/internal/events"
	"github.com/halvorsen/reelsmith/internal/job"
	"github.com/halvorsen/reelsmith/internal/ledger"
	"github.com/halvorsen/reelsmith/internal/metrics"
	"github.com/halvorsen/reelsmith/internal/reelerr"
	"github.com/halvorsen/reelsmith/internal/scan"
	"github.com/halvorsen/reelsmith/internal/store"
	"github.com/halvorsen/reelsmith/internal/transfer"
)

// RemoteClient is the slice of transfer.Facade the orchestrator needs,
// narrowed so tests can substitute an in-memory fake instead of a real
// SFTP/WebDAV connection.
type RemoteClient interface {
	Stat(ctx context.Context, path string) (transfer.FileInfo, error)
	Download(ctx context.Context, remotePath, localPath string, onProgress transfer.ProgressFunc) error
	Upload(ctx context.Context, localPath, remotePath string, onProgress transfer.ProgressFunc) error
	BackupRemote(ctx context.Context, path string) (string, error)
	RestoreRemote(ctx context.Context, backupPath, originalPath string) error
	DiscardBackup(ctx context.Context, backupPath string) error
}

// JobStore is the slice of internal/store the orchestrator needs,
// narrowed so tests can substitute an in-memory fake.
type JobStore interface {
	Insert(j *job.Job) error
	Update(j *job.Job) error
	Get(id int64) (*job.Job, error)
	GetByRemotePath(remotePath string) (*job.Job, error)
	List(filter store.ListFilter) ([]*job.Job, error)
	Delete(id int64) error
	DeleteOlderThan(cutoff time.Time) (int64, error)
	Count() (map[job.State]int, error)
}

// Status is the Job API's getStatus() response.
type Status struct {
	Running           bool `json:"running"`
	Paused            bool `json:"paused"`
	PauseAfterCurrent bool `json:"pause_after_current"`
}

// Orchestrator is the Queue Orchestrator.
type Orchestrator struct {
	cfg      *config.Store
	jobs     JobStore
	transfer RemoteClient
	ledger   *ledger.Ledger
	cache    *cache.Cache
	bus      *events.Bus
	metrics  *metrics.Registry
	log      *zap.Logger

	ffmpegPath func() string

	mu                sync.Mutex
	running           bool
	paused            bool
	pauseAfterCurrent bool
	cancel            context.CancelFunc
	wg                sync.WaitGroup

	downloadCh chan int64
	encodeCh   chan int64
	uploadCh   chan int64
}

// New builds an Orchestrator. ffmpegPath is a func rather than a plain
// string because the binary may not be provisioned yet when the
// Orchestrator is constructed (see cmd/reelsmithd's startup sequence).
func New(cfg *config.Store, jobs JobStore, facade RemoteClient, led *ledger.Ledger, c *cache.Cache, bus *events.Bus, m *metrics.Registry, log *zap.Logger, ffmpegPath func() string) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		jobs:       jobs,
		transfer:   facade,
		ledger:     led,
		cache:      c,
		bus:        bus,
		metrics:    m,
		log:        log,
		ffmpegPath: ffmpegPath,
		downloadCh: make(chan int64, 256),
		encodeCh:   make(chan int64, 256),
		uploadCh:   make(chan int64, 256),
	}
}

// Start launches the three lane workers. Each lane processes its
// channel strictly FIFO with at most one job in flight, per spec §5's
// shared-resource policy (one ffmpeg process, one transfer connection
// at a time).
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()

	o.wg.Add(3)
	go o.lane(ctx, "download", o.downloadCh, o.runDownload)
	go o.lane(ctx, "encode", o.encodeCh, o.runEncode)
	go o.lane(ctx, "upload", o.uploadCh, o.runUpload)

	// Requeue anything the store has sitting mid-lane from a prior
	// process lifetime (crash recovery).
	o.requeueInFlight()
	return nil
}

// Stop cancels all three lanes and waits for the in-flight job on each
// to reach a safe stopping point.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	o.running = false
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
}

// Pause halts admission of new work into any lane; jobs already in
// flight run to their next safe checkpoint.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
}

// Resume clears Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
}

// SetPauseAfterCurrent arranges for the active job in each lane to run
// to completion and then halt, rather than stopping mid-job.
func (o *Orchestrator) SetPauseAfterCurrent(v bool) {
	o.mu.Lock()
	o.pauseAfterCurrent = v
	o.mu.Unlock()
}

// GetPauseAfterCurrent reports the current pause-after-current flag.
func (o *Orchestrator) GetPauseAfterCurrent() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pauseAfterCurrent
}

// GetStatus implements the Job API's getStatus().
func (o *Orchestrator) GetStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{Running: o.running, Paused: o.paused, PauseAfterCurrent: o.pauseAfterCurrent}
}

func (o *Orchestrator) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// lane drains ch one job at a time, invoking step for each, until ctx
// is cancelled. A job whose step returns an error has already recorded
// its own failure on the Job (via job.Fail) before returning.
func (o *Orchestrator) lane(ctx context.Context, name string, ch chan int64, step func(context.Context, int64) error) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ch:
			if !ok {
				return
			}
			if o.isPaused() {
				// Re-enqueue and back off briefly rather than busy-spin.
				go func() { time.Sleep(200 * time.Millisecond); ch <- id }()
				continue
			}
			if err := step(ctx, id); err != nil {
				o.log.Error("lane step failed", zap.String("lane", name), zap.Int64("job_id", id), zap.Error(err))
			}
			if o.GetPauseAfterCurrent() {
				o.Pause()
			}
		}
	}
}

// requeueInFlight finds jobs left waiting or mid-lane by a prior
// process and feeds them back into the lane matching their current
// state, per spec §4.5's crash-recovery contract. A job caught inside a
// phase (downloading/encoding/uploading) is first reset to that phase's
// ready state, since each lane step only picks up ready jobs.
func (o *Orchestrator) requeueInFlight() {
	for _, state := range []job.State{job.StateDownloading, job.StateReadyEncode, job.StateEncoding, job.StateReadyUpload, job.StateUploading, job.StateWaiting} {
		jobs, err := o.jobs.List(store.ListFilter{State: state})
		if err != nil {
			o.log.Error("requeue: list jobs", zap.Error(err))
			continue
		}
		for _, j := range jobs {
			switch j.State {
			case job.StateDownloading:
				j.State = job.StateWaiting
			case job.StateEncoding:
				j.State = job.StateReadyEncode
			case job.StateUploading:
				j.State = job.StateReadyUpload
			}
			o.jobs.Update(j)
			o.enqueueForState(j)
		}
	}
}

func (o *Orchestrator) enqueueForState(j *job.Job) {
	switch j.State {
	case job.StateWaiting, job.StateDownloading:
		o.downloadCh <- j.ID
	case job.StateReadyEncode, job.StateEncoding:
		o.encodeCh <- j.ID
	case job.StateReadyUpload, job.StateUploading:
		o.uploadCh <- j.ID
	}
}

// AddJob admits a new remote path, deduplicating by remote path and
// short-circuiting to ready_upload when the file is already in the
// target codec and skip_already_target_codec is set.
func (o *Orchestrator) AddJob(ctx context.Context, remotePath string) (*job.Job, error) {
	if existing, err := o.jobs.GetByRemotePath(remotePath); err == nil && existing != nil {
		return existing, reelerr.New(reelerr.KindInvalidConfig, fmt.Sprintf("job for %s already exists (id %d)", remotePath, existing.ID))
	}

	info, err := o.transfer.Stat(ctx, remotePath)
	if err != nil {
		return nil, reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("stat %s", remotePath), err)
	}

	waitSec := o.cfg.Snapshot().Advanced.StabilityWaitSec
	stable, err := scan.CheckRemoteStable(ctx, scan.StatFunc(func(ctx context.Context, path string) (int64, error) {
		info, err := o.transfer.Stat(ctx, path)
		return info.Size, err
	}), remotePath, time.Duration(waitSec)*time.Second)
	if err != nil {
		return nil, reelerr.Wrap(reelerr.KindNetworkTransient, fmt.Sprintf("stability check %s", remotePath), err)
	}
	if !stable {
		return nil, reelerr.New(reelerr.KindNetworkTransient, fmt.Sprintf("%s is still being written upstream, retry later", remotePath))
	}

	j := &job.Job{
		RemotePath: remotePath,
		Size:       info.Size,
		State:      job.StateWaiting,
		CreatedAt:  time.Now(),
	}
	if err := o.jobs.Insert(j); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	o.bus.Publish(events.Event{Topic: events.TopicJobAdded, JobID: j.ID, Payload: j})
	o.downloadCh <- j.ID
	return j, nil
}

// RemoveJob removes a not-yet-started job from the store without
// touching any remote or local artifact.
func (o *Orchestrator) RemoveJob(id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("job %d", id), err)
	}
	if j.State != job.StateWaiting {
		return reelerr.New(reelerr.KindInvalidConfig, "removeJob only applies to jobs still waiting")
	}
	return o.jobs.Delete(id)
}

// DeleteJob removes a job and its local artifacts regardless of state,
// leaving the remote file untouched.
func (o *Orchestrator) DeleteJob(id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("job %d", id), err)
	}
	for _, p := range []string{j.LocalDownload, j.LocalEncoded, j.LocalOriginalBackup} {
		if p != "" {
			os.Remove(p)
		}
	}
	return o.jobs.Delete(id)
}

// PauseJob pauses a single job in place; the job resumes from exactly
// where it paused via ResumeJob.
func (o *Orchestrator) PauseJob(id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("job %d", id), err)
	}
	if !j.Transition(job.StatePaused) {
		return reelerr.New(reelerr.KindInvalidConfig, fmt.Sprintf("cannot pause job in state %s", j.State))
	}
	return o.jobs.Update(j)
}

// ResumeJob resumes a paused job back into the lane matching its
// pre-pause state.
func (o *Orchestrator) ResumeJob(id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("job %d", id), err)
	}
	if !j.Resume() {
		return reelerr.New(reelerr.KindInvalidConfig, "job is not paused")
	}
	if err := o.jobs.Update(j); err != nil {
		return err
	}
	o.enqueueForState(j)
	return nil
}

// RetryJob moves a failed job back to waiting and re-admits it.
func (o *Orchestrator) RetryJob(id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("job %d", id), err)
	}
	if !j.Transition(job.StateWaiting) {
		return reelerr.New(reelerr.KindInvalidConfig, fmt.Sprintf("cannot retry job in state %s", j.State))
	}
	j.RetryCount++
	j.ErrorKind = ""
	j.ErrorMessage = ""
	if err := o.jobs.Update(j); err != nil {
		return err
	}
	o.downloadCh <- j.ID
	return nil
}

// ApproveJob releases a job waiting at awaiting_approval (the
// pause_before_upload gate) into the upload lane.
func (o *Orchestrator) ApproveJob(id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("job %d", id), err)
	}
	if !j.Transition(job.StateReadyUpload) {
		return reelerr.New(reelerr.KindInvalidConfig, fmt.Sprintf("cannot approve job in state %s", j.State))
	}
	if err := o.jobs.Update(j); err != nil {
		return err
	}
	o.uploadCh <- j.ID
	return nil
}

// RejectJob fails a job waiting at awaiting_approval with
// KindUserRejected, per spec §7's explicit rejection kind.
func (o *Orchestrator) RejectJob(id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("job %d", id), err)
	}
	if j.State != job.StateAwaitingApproval {
		return reelerr.New(reelerr.KindInvalidConfig, fmt.Sprintf("cannot reject job in state %s", j.State))
	}
	j.Fail(reelerr.KindUserRejected, "rejected by operator")
	if p := j.LocalEncoded; p != "" {
		os.Remove(p)
	}
	return o.jobs.Update(j)
}

// GetJobs implements the Job API's getJobs().
func (o *Orchestrator) GetJobs() ([]*job.Job, error) {
	return o.jobs.List(store.ListFilter{})
}

// GetStats implements the Job API's getStats(): a count of jobs by
// state.
func (o *Orchestrator) GetStats() (map[job.State]int, error) {
	return o.jobs.Count()
}

// UpdateSettings delegates to the Config Store, per spec §4.1's
// never-throw validation contract.
func (o *Orchestrator) UpdateSettings(patch config.PipelineConfiguration) (config.ValidationResult, error) {
	return o.cfg.Update(patch)
}

// Clear deletes every completed/failed job older than the configured
// retention window, per spec §4.1's cleanup_old_jobs_days /
// cleanup_old_progress_days settings.
func (o *Orchestrator) Clear(ctx context.Context) (int64, error) {
	cfg := o.cfg.Snapshot()
	cutoff := time.Now().AddDate(0, 0, -cfg.Advanced.CleanupOldJobsDays)
	n, err := o.jobs.DeleteOlderThan(cutoff)
	if err != nil {
		return n, err
	}
	if o.ledger != nil {
		progressCutoff := time.Now().AddDate(0, 0, -cfg.Advanced.CleanupOldProgressDays)
		if _, err := o.ledger.PruneOlderThan(ctx, progressCutoff); err != nil {
			o.log.Warn("prune progress ledger", zap.Error(err))
		}
	}
	return n, nil
}

// localPaths derives the temp/backup layout spec §6 names for a job.
type localPaths struct {
	download       string
	encoded        string
	originalBackup string
}

func (o *Orchestrator) pathsFor(cfg config.PipelineConfiguration, j *job.Job) localPaths {
	base := filepath.Base(j.RemotePath)
	today := time.Now().Format("2006-01-02")
	return localPaths{
		download:       filepath.Join(cfg.Storage.LocalTemp, "downloaded", base),
		encoded:        filepath.Join(cfg.Storage.LocalTemp, "encoded", encoder.GenerateEncodedFilename(base, cfg.FFmpeg.VideoCodec, cfg.Advanced.ReleaseTag)),
		originalBackup: filepath.Join(cfg.Storage.LocalBackup, today, "originals", base),
	}
}

// runDownload is the download lane's per-job step.
func (o *Orchestrator) runDownload(ctx context.Context, id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return err
	}
	if j.State != job.StateWaiting {
		return nil
	}
	cfg := o.cfg.Snapshot()
	paths := o.pathsFor(cfg, j)

	j.Transition(job.StateDownloading)
	j.StartedAt = timePtr(time.Now())
	o.jobs.Update(j)
	o.bus.Publish(events.Event{Topic: events.TopicJobState, JobID: j.ID, Payload: j.State})

	if err := os.MkdirAll(filepath.Dir(paths.download), 0o755); err != nil {
		j.Fail(reelerr.KindInsufficientSpace, err.Error())
		o.jobs.Update(j)
		return err
	}

	if usage, err := disk.Usage(filepath.Dir(paths.download)); err == nil {
		// A transcode needs room for the download plus a same-size
		// encoded output on disk at once.
		if usage.Free < uint64(j.Size)*2 {
			sizeErr := reelerr.New(reelerr.KindInsufficientSpace, fmt.Sprintf("%d bytes free, need ~%d for %s", usage.Free, j.Size*2, j.RemotePath))
			j.Fail(sizeErr.Kind, sizeErr.Message)
			o.jobs.Update(j)
			o.bus.Publish(events.Event{Topic: events.TopicJobFailed, JobID: j.ID, Payload: j})
			return sizeErr
		}
	} else {
		o.log.Warn("disk usage check failed, continuing without a space guarantee", zap.Error(err))
	}

	progress := func(transferred, total int64) {
		if total > 0 {
			j.PercentComplete = float64(transferred) / float64(total) * 100
		}
	}
	if err := o.withTransientRetry(ctx, cfg, j, func() error {
		return o.transfer.Download(ctx, j.RemotePath, paths.download, progress)
	}); err != nil {
		kind, _ := reelerr.KindOf(err)
		j.Fail(kind, err.Error())
		o.jobs.Update(j)
		o.bus.Publish(events.Event{Topic: events.TopicJobFailed, JobID: j.ID, Payload: j})
		return err
	}
	j.LocalDownload = paths.download

	probe, err := encoder.ProbeFile(o.ffmpegPath(), paths.download)
	if err != nil {
		j.Fail(reelerr.KindEncoderFailed, fmt.Sprintf("probe failed: %v", err))
		o.jobs.Update(j)
		return err
	}
	if probe.VideoStream != nil {
		j.CodecBefore = probe.VideoStream.CodecName
		j.Resolution = fmt.Sprintf("%dx%d", probe.VideoStream.Width, probe.VideoStream.Height)
	}

	j.Transition(job.StateReadyEncode)
	if cfg.Advanced.SkipAlreadyTargetCodec && encoder.AlreadyTargetCodec(probe, cfg.FFmpeg.VideoCodec) {
		j.Transition(job.StateReadyUpload)
		j.ApplySkippedReencode(paths.download)
		o.jobs.Update(j)
		encoder.WriteWhyFile(paths.download, "already in target codec, skipping re-encode")
		o.uploadCh <- j.ID
		return nil
	}
	o.jobs.Update(j)
	o.encodeCh <- j.ID
	return nil
}

// runEncode is the encode lane's per-job step.
func (o *Orchestrator) runEncode(ctx context.Context, id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return err
	}
	if j.State != job.StateReadyEncode {
		return nil
	}
	cfg := o.cfg.Snapshot()
	paths := o.pathsFor(cfg, j)

	j.Transition(job.StateEncoding)
	o.jobs.Update(j)
	o.bus.Publish(events.Event{Topic: events.TopicJobState, JobID: j.ID, Payload: j.State})

	if err := os.MkdirAll(filepath.Dir(paths.encoded), 0o755); err != nil {
		j.Fail(reelerr.KindInsufficientSpace, err.Error())
		o.jobs.Update(j)
		return err
	}

	probe, err := encoder.ProbeFile(o.ffmpegPath(), j.LocalDownload)
	if err != nil {
		j.Fail(reelerr.KindEncoderFailed, err.Error())
		o.jobs.Update(j)
		return err
	}

	onProgress := func(percent, fps float64) {
		j.PercentComplete = percent
		j.FPS = fps
		o.jobs.Update(j)
		o.bus.Publish(events.Event{Topic: events.TopicJobProgress, JobID: j.ID, Payload: percent})
	}
	if err := encoder.Encode(o.ffmpegPath(), j.LocalDownload, paths.encoded, cfg.FFmpeg, probe, onProgress); err != nil {
		kind, _ := reelerr.KindOf(err)
		j.Fail(kind, err.Error())
		o.jobs.Update(j)
		os.Remove(paths.encoded)
		o.bus.Publish(events.Event{Topic: events.TopicJobFailed, JobID: j.ID, Payload: j})
		return err
	}
	if err := encoder.VerifyOutputCodec(o.ffmpegPath(), paths.encoded, cfg.FFmpeg); err != nil {
		kind, _ := reelerr.KindOf(err)
		j.Fail(kind, err.Error())
		o.jobs.Update(j)
		os.Remove(paths.encoded)
		return err
	}

	info, err := os.Stat(paths.encoded)
	if err != nil {
		j.Fail(reelerr.KindEncoderFailed, fmt.Sprintf("encoded output missing: %v", err))
		o.jobs.Update(j)
		return err
	}
	j.LocalEncoded = paths.encoded
	j.OriginalSize = j.Size
	j.CompressedSize = info.Size()
	j.RecomputeRatio()
	j.CodecAfter = strings.TrimPrefix(cfg.FFmpeg.VideoCodec, "lib")

	if cfg.Advanced.BlockLargerEncoded && j.CompressedSize > j.OriginalSize {
		j.Fail(reelerr.KindOutputLargerThanInput, fmt.Sprintf("encoded %d bytes exceeds original %d bytes", j.CompressedSize, j.OriginalSize))
		o.jobs.Update(j)
		os.Remove(paths.encoded)
		return reelerr.New(reelerr.KindOutputLargerThanInput, "blocked")
	}

	if cfg.Advanced.PauseBeforeUpload {
		j.Transition(job.StateAwaitingApproval)
		o.jobs.Update(j)
		o.bus.Publish(events.Event{Topic: events.TopicJobState, JobID: j.ID, Payload: j.State})
		return nil
	}

	j.Transition(job.StateReadyUpload)
	o.jobs.Update(j)
	o.uploadCh <- j.ID
	return nil
}

// runUpload is the upload lane's per-job step: the safe-replace
// protocol — backup remote original, upload the encoded file over it,
// and roll back to the backup on any upload failure.
func (o *Orchestrator) runUpload(ctx context.Context, id int64) error {
	j, err := o.jobs.Get(id)
	if err != nil {
		return err
	}
	if j.State != job.StateReadyUpload {
		return nil
	}
	cfg := o.cfg.Snapshot()
	paths := o.pathsFor(cfg, j)

	j.Transition(job.StateUploading)
	o.jobs.Update(j)
	o.bus.Publish(events.Event{Topic: events.TopicJobState, JobID: j.ID, Payload: j.State})

	if err := copyFile(j.LocalDownload, paths.originalBackup); err != nil {
		j.Fail(reelerr.KindInsufficientSpace, fmt.Sprintf("local original backup: %v", err))
		o.jobs.Update(j)
		return err
	}
	j.LocalOriginalBackup = paths.originalBackup

	var backupPath string
	if cfg.Advanced.CreateBackups {
		err = o.withTransientRetry(ctx, cfg, j, func() error {
			backupPath, err = o.transfer.BackupRemote(ctx, j.RemotePath)
			return err
		})
		if err != nil {
			kind, _ := reelerr.KindOf(err)
			j.Fail(kind, err.Error())
			o.jobs.Update(j)
			return err
		}
		j.RemoteBackup = backupPath
	}

	progress := func(transferred, total int64) {
		if total > 0 {
			j.PercentComplete = float64(transferred) / float64(total) * 100
			o.jobs.Update(j)
		}
	}

	uploadErr := o.withTransientRetry(ctx, cfg, j, func() error {
		return o.transfer.Upload(ctx, j.LocalEncoded, j.RemotePath, progress)
	})
	if uploadErr != nil {
		if backupPath != "" {
			if restoreErr := o.transfer.RestoreRemote(ctx, backupPath, j.RemotePath); restoreErr != nil {
				j.Fail(reelerr.KindRollbackFailed, fmt.Sprintf("upload failed (%v) and rollback failed (%v)", uploadErr, restoreErr))
				o.jobs.Update(j)
				return restoreErr
			}
		}
		kind, _ := reelerr.KindOf(uploadErr)
		j.Fail(kind, uploadErr.Error())
		o.jobs.Update(j)
		o.bus.Publish(events.Event{Topic: events.TopicJobFailed, JobID: j.ID, Payload: j})
		return uploadErr
	}

	if backupPath != "" {
		if err := o.transfer.DiscardBackup(ctx, backupPath); err != nil {
			o.log.Warn("discard remote backup", zap.Int64("job_id", j.ID), zap.Error(err))
		}
	}

	if !cfg.Advanced.KeepEncoded {
		os.Remove(j.LocalEncoded)
	}
	os.Remove(j.LocalDownload)
	if !cfg.Advanced.KeepOriginal {
		os.Remove(j.LocalOriginalBackup)
		j.LocalOriginalBackup = ""
	}

	j.Transition(job.StateCompleted)
	j.FinishedAt = timePtr(time.Now())
	o.jobs.Update(j)

	if o.ledger != nil {
		o.ledger.Upsert(ctx, ledger.Entry{
			RemotePath:      j.RemotePath,
			State:           string(j.State),
			PercentComplete: 100,
			OriginalSize:    j.OriginalSize,
			CompressedSize:  j.CompressedSize,
			UpdatedAt:       time.Now(),
		})
	}
	if o.metrics != nil {
		o.metrics.JobsTotal.WithLabelValues("completed").Inc()
		o.metrics.CompressionRatio.Observe(j.CompressionRatio)
	}
	o.bus.Publish(events.Event{Topic: events.TopicJobCompleted, JobID: j.ID, Payload: j})
	return nil
}

// withTransientRetry runs fn, and on a KindNetworkTransient error
// retries it with doubling backoff (capped at 30s) up to
// advanced.retry_attempts, incrementing and persisting j.RetryCount on
// each attempt. Any other error, or exhaustion of retry_attempts,
// returns the last error unwrapped for the caller to fail the job.
func (o *Orchestrator) withTransientRetry(ctx context.Context, cfg config.PipelineConfiguration, j *job.Job, fn func() error) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := fn()
		if err == nil {
			return nil
		}
		if kind, ok := reelerr.KindOf(err); !ok || kind != reelerr.KindNetworkTransient {
			return err
		}
		if j.RetryCount >= cfg.Advanced.RetryAttempts {
			return err
		}

		j.RetryCount++
		o.jobs.Update(j)
		o.log.Warn("transient transfer failure, retrying after backoff",
			zap.Int64("job_id", j.ID), zap.Int("retry_count", j.RetryCount), zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// copyFile copies src to dst, creating dst's parent directory as
// needed, for the safe-replace protocol's local original backup.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
