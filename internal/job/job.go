// Package job defines the central Job entity and its state machine, as
// described in the data model: one job tracks one remote file from
// admission through download, encode, upload and replacement.
package job

import (
	"time"

	"github.com/halvorsen/reelsmith/internal/reelerr"
)

// State is a tagged pipeline state. Ad-hoc status strings are forbidden
// outside this package; every transition is checked against Transitions.
type State string

const (
	StateWaiting           State = "waiting"
	StateDownloading       State = "downloading"
	StateReadyEncode       State = "ready_encode"
	StateEncoding          State = "encoding"
	StateAwaitingApproval  State = "awaiting_approval"
	StateReadyUpload       State = "ready_upload"
	StateUploading         State = "uploading"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StatePaused            State = "paused"
)

// Transitions is the authoritative state graph from spec §4.6. A
// transition not present here is a bug and CanTransition rejects it.
var Transitions = map[State][]State{
	StateWaiting:          {StateDownloading, StatePaused},
	StateDownloading:      {StateReadyEncode, StateFailed, StatePaused},
	StateReadyEncode:      {StateEncoding, StatePaused, StateReadyUpload}, // skip-reencode short-circuit
	StateEncoding:         {StateAwaitingApproval, StateReadyUpload, StateFailed, StatePaused},
	StateAwaitingApproval: {StateReadyUpload, StateFailed, StatePaused},
	StateReadyUpload:      {StateUploading, StateFailed, StatePaused},
	StateUploading:        {StateCompleted, StateFailed, StatePaused},
	StatePaused:           {}, // returns to the pre-pause state on resume, not a graph edge
	StateCompleted:        {},
	StateFailed:           {StateWaiting}, // retry
}

// CanTransition reports whether moving from `from` to `to` is legal.
// Paused is special-cased: any non-terminal state may pause, and resume
// is handled by the caller restoring PrePauseState rather than by this
// table (see Job.Pause/Job.Resume).
func CanTransition(from, to State) bool {
	if to == StatePaused {
		return from != StateCompleted && from != StateFailed
	}
	for _, candidate := range Transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a job in this state will not advance
// further on its own.
func IsTerminal(s State) bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the central entity: one remote file being brought to the
// target codec and safely replaced in place.
type Job struct {
	ID         int64  `json:"id"`
	RemotePath string `json:"remote_path"`

	// source facts
	Size          int64  `json:"size"`
	CodecBefore   string `json:"codec_before"`
	Container     string `json:"container"`
	Resolution    string `json:"resolution"`
	DurationSecs  float64 `json:"duration_seconds"`
	Bitrate       int64  `json:"bitrate"`
	AudioTracks   int    `json:"audio_tracks"`
	AudioCodec    string `json:"audio_codec"`
	SubtitleTracks int   `json:"subtitle_tracks"`

	// pipeline state
	State         State `json:"state"`
	PrePauseState State `json:"pre_pause_state,omitempty"`

	// progress
	PercentComplete float64 `json:"percent_complete"`
	FPS             float64 `json:"fps"`
	SpeedBytesSec   float64 `json:"speed_bytes_sec"`
	ETASeconds      float64 `json:"eta_seconds"`

	// outcome
	CodecAfter        string  `json:"codec_after,omitempty"`
	OriginalSize      int64   `json:"original_size,omitempty"`
	CompressedSize    int64   `json:"compressed_size,omitempty"`
	CompressionRatio  float64 `json:"compression_ratio,omitempty"`
	ErrorKind         reelerr.Kind `json:"error_kind,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`

	// timing
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	RetryCount int        `json:"retry_count"`

	// derived local/remote paths
	LocalDownload       string `json:"local_download,omitempty"`
	LocalEncoded         string `json:"local_encoded,omitempty"`
	LocalOriginalBackup string `json:"local_original_backup,omitempty"`
	RemoteBackup         string `json:"remote_backup,omitempty"`
}

// RecomputeRatio fills CompressionRatio from OriginalSize/CompressedSize
// per the invariant `ratio = 1 - compressed/original`.
func (j *Job) RecomputeRatio() {
	if j.OriginalSize > 0 && j.CompressedSize > 0 {
		j.CompressionRatio = 1 - float64(j.CompressedSize)/float64(j.OriginalSize)
	}
}

// ApplySkippedReencode records a skip_already_target_codec admission:
// the downloaded file becomes the upload artifact as-is, with size and
// ratio set from the probe rather than left at zero.
func (j *Job) ApplySkippedReencode(localPath string) {
	j.LocalEncoded = localPath
	j.OriginalSize = j.Size
	j.CompressedSize = j.Size
	j.RecomputeRatio()
}

// Transition moves the job to `to`, recording PrePauseState when pausing
// and restoring it on resume. Returns false if the move is illegal.
func (j *Job) Transition(to State) bool {
	if to == StatePaused {
		if !CanTransition(j.State, to) {
			return false
		}
		j.PrePauseState = j.State
		j.State = StatePaused
		return true
	}
	if j.State == StatePaused {
		// Resuming: caller should use Resume() to target PrePauseState,
		// but allow any legal edge from PrePauseState to reach `to` too.
		if to == j.PrePauseState || CanTransition(j.PrePauseState, to) {
			j.State = to
			j.PrePauseState = ""
			return true
		}
		return false
	}
	if !CanTransition(j.State, to) {
		return false
	}
	j.State = to
	return true
}

// Resume restores a paused job to the state it was paused from.
func (j *Job) Resume() bool {
	if j.State != StatePaused || j.PrePauseState == "" {
		return false
	}
	j.State = j.PrePauseState
	j.PrePauseState = ""
	return true
}

// Fail records a terminal failure with a classified reason.
func (j *Job) Fail(kind reelerr.Kind, message string) {
	j.State = StateFailed
	j.ErrorKind = kind
	j.ErrorMessage = message
	now := time.Now()
	j.FinishedAt = &now
}
