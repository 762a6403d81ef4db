// Package store is the Job Store: SQLite-backed persistence for
// internal/job.Job, reached through database/sql so the rest of the
// pipeline never sees a driver-specific type.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/halvorsen/reelsmith/internal/job"
	"github.com/halvorsen/reelsmith/internal/reelerr"
)

// Store owns the sqlite connection and runs migrations on Open.
type Store struct {
	db *sql.DB
}

type migration struct {
	version int
	up      string
	down    string
}

var migrations = []migration{
	{
		version: 1,
		up: `
CREATE TABLE jobs (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	remote_path           TEXT NOT NULL UNIQUE,
	size                  INTEGER NOT NULL DEFAULT 0,
	codec_before          TEXT NOT NULL DEFAULT '',
	container             TEXT NOT NULL DEFAULT '',
	resolution            TEXT NOT NULL DEFAULT '',
	duration_seconds      REAL NOT NULL DEFAULT 0,
	bitrate               INTEGER NOT NULL DEFAULT 0,
	audio_tracks          INTEGER NOT NULL DEFAULT 0,
	audio_codec           TEXT NOT NULL DEFAULT '',
	subtitle_tracks       INTEGER NOT NULL DEFAULT 0,
	state                 TEXT NOT NULL,
	pre_pause_state       TEXT NOT NULL DEFAULT '',
	percent_complete      REAL NOT NULL DEFAULT 0,
	fps                   REAL NOT NULL DEFAULT 0,
	speed_bytes_sec       REAL NOT NULL DEFAULT 0,
	eta_seconds           REAL NOT NULL DEFAULT 0,
	codec_after           TEXT NOT NULL DEFAULT '',
	original_size         INTEGER NOT NULL DEFAULT 0,
	compressed_size       INTEGER NOT NULL DEFAULT 0,
	compression_ratio     REAL NOT NULL DEFAULT 0,
	error_kind            TEXT NOT NULL DEFAULT '',
	error_message         TEXT NOT NULL DEFAULT '',
	created_at            TEXT NOT NULL,
	started_at            TEXT,
	finished_at           TEXT,
	retry_count           INTEGER NOT NULL DEFAULT 0,
	local_download        TEXT NOT NULL DEFAULT '',
	local_encoded         TEXT NOT NULL DEFAULT '',
	local_original_backup TEXT NOT NULL DEFAULT '',
	remote_backup         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_jobs_state ON jobs(state);
`,
		down: `DROP TABLE jobs;`,
	},
}

// Open opens (creating if absent) the sqlite database at path and
// applies any pending migrations in a single transaction each. A
// failing migration rolls back and Open returns an error — the daemon
// is expected to treat that as fatal and refuse to start.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert creates a row for j and fills in j.ID.
func (s *Store) Insert(j *job.Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
INSERT INTO jobs (
	remote_path, size, codec_before, container, resolution, duration_seconds,
	bitrate, audio_tracks, audio_codec, subtitle_tracks, state, pre_pause_state,
	percent_complete, fps, speed_bytes_sec, eta_seconds, codec_after,
	original_size, compressed_size, compression_ratio, error_kind, error_message,
	created_at, started_at, finished_at, retry_count,
	local_download, local_encoded, local_original_backup, remote_backup
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.RemotePath, j.Size, j.CodecBefore, j.Container, j.Resolution, j.DurationSecs,
		j.Bitrate, j.AudioTracks, j.AudioCodec, j.SubtitleTracks, string(j.State), string(j.PrePauseState),
		j.PercentComplete, j.FPS, j.SpeedBytesSec, j.ETASeconds, j.CodecAfter,
		j.OriginalSize, j.CompressedSize, j.CompressionRatio, string(j.ErrorKind), j.ErrorMessage,
		formatTime(&j.CreatedAt), formatTime(j.StartedAt), formatTime(j.FinishedAt), j.RetryCount,
		j.LocalDownload, j.LocalEncoded, j.LocalOriginalBackup, j.RemoteBackup,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.RemotePath, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read inserted job id: %w", err)
	}
	j.ID = id
	return nil
}

// Update overwrites every column for j.ID with j's current values.
func (s *Store) Update(j *job.Job) error {
	_, err := s.db.Exec(`
UPDATE jobs SET
	remote_path=?, size=?, codec_before=?, container=?, resolution=?, duration_seconds=?,
	bitrate=?, audio_tracks=?, audio_codec=?, subtitle_tracks=?, state=?, pre_pause_state=?,
	percent_complete=?, fps=?, speed_bytes_sec=?, eta_seconds=?, codec_after=?,
	original_size=?, compressed_size=?, compression_ratio=?, error_kind=?, error_message=?,
	created_at=?, started_at=?, finished_at=?, retry_count=?,
	local_download=?, local_encoded=?, local_original_backup=?, remote_backup=?
WHERE id=?`,
		j.RemotePath, j.Size, j.CodecBefore, j.Container, j.Resolution, j.DurationSecs,
		j.Bitrate, j.AudioTracks, j.AudioCodec, j.SubtitleTracks, string(j.State), string(j.PrePauseState),
		j.PercentComplete, j.FPS, j.SpeedBytesSec, j.ETASeconds, j.CodecAfter,
		j.OriginalSize, j.CompressedSize, j.CompressionRatio, string(j.ErrorKind), j.ErrorMessage,
		formatTime(&j.CreatedAt), formatTime(j.StartedAt), formatTime(j.FinishedAt), j.RetryCount,
		j.LocalDownload, j.LocalEncoded, j.LocalOriginalBackup, j.RemoteBackup,
		j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	return nil
}

// Get fetches a single job by id.
func (s *Store) Get(id int64) (*job.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job %d: %w", id, sql.ErrNoRows)
		}
		return nil, err
	}
	return j, nil
}

// GetByRemotePath fetches the job tracking remotePath, if any.
func (s *Store) GetByRemotePath(remotePath string) (*job.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE remote_path=?`, remotePath)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

// ListFilter narrows List to jobs matching every non-zero field.
type ListFilter struct {
	State job.State
}

// List returns jobs matching filter, oldest first.
func (s *Store) List(filter ListFilter) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter.State != "" {
		query += ` WHERE state=?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Delete removes a job row by id.
func (s *Store) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	return nil
}

// DeleteOlderThan removes terminal jobs finished before cutoff, for the
// cleanup policy in spec §4.6.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ? AND state IN (?, ?)`,
		formatTime(&cutoff), string(job.StateCompleted), string(job.StateFailed))
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of jobs per state.
func (s *Store) Count() (map[job.State]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[job.State(state)] = n
	}
	return counts, rows.Err()
}

const jobColumns = `
	id, remote_path, size, codec_before, container, resolution, duration_seconds,
	bitrate, audio_tracks, audio_codec, subtitle_tracks, state, pre_pause_state,
	percent_complete, fps, speed_bytes_sec, eta_seconds, codec_after,
	original_size, compressed_size, compression_ratio, error_kind, error_message,
	created_at, started_at, finished_at, retry_count,
	local_download, local_encoded, local_original_backup, remote_backup`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var j job.Job
	var state, prePause, errKind string
	var createdAt string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(
		&j.ID, &j.RemotePath, &j.Size, &j.CodecBefore, &j.Container, &j.Resolution, &j.DurationSecs,
		&j.Bitrate, &j.AudioTracks, &j.AudioCodec, &j.SubtitleTracks, &state, &prePause,
		&j.PercentComplete, &j.FPS, &j.SpeedBytesSec, &j.ETASeconds, &j.CodecAfter,
		&j.OriginalSize, &j.CompressedSize, &j.CompressionRatio, &errKind, &j.ErrorMessage,
		&createdAt, &startedAt, &finishedAt, &j.RetryCount,
		&j.LocalDownload, &j.LocalEncoded, &j.LocalOriginalBackup, &j.RemoteBackup,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(state)
	j.PrePauseState = job.State(prePause)
	j.ErrorKind = reelerr.Kind(errKind)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAt)
	j.FinishedAt = parseNullTime(finishedAt)
	return &j, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
