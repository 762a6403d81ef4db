// Package config implements the Config Store: a single process-wide,
// reloadable settings document with a defaults layer and a user-override
// layer, deep-merged on every read. Mutations persist synchronously and
// broadcast the merged view to watchers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RemoteConfig is the SFTP endpoint.
type RemoteConfig struct {
	Host     string `json:"host"`
	User     string `json:"user"`
	Password string `json:"password"`
	Port     int    `json:"port"`
	Path     string `json:"path"`
}

// WebDAVConfig is the WebDAV endpoint.
type WebDAVConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Path     string `json:"path"`
}

// StorageConfig names the local roots used for staging files.
type StorageConfig struct {
	LocalTemp           string `json:"local_temp"`
	LocalBackup         string `json:"local_backup"`
	DefaultDownloadPath string `json:"default_download_path"`
}

// FFmpegConfig holds every codec/encoder-tunable named in spec §6.
type FFmpegConfig struct {
	VideoCodec string `json:"video_codec"` // hevc_nvenc, libx265, vp9_nvenc, libvpx-vp9
	GPUEnabled bool   `json:"gpu_enabled"`
	ForceGPU   bool   `json:"force_gpu"`
	GPULimit   int    `json:"gpu_limit"` // 0-100

	EncodePreset string `json:"encode_preset"` // p1..p7
	CQ           int    `json:"cq"`            // 0-51
	RCMode       string `json:"rc_mode"`
	Bitrate      int    `json:"bitrate"`
	Maxrate      int    `json:"maxrate"`
	Lookahead    int    `json:"lookahead"`
	BFrames      int    `json:"bframes"`
	BRefMode     string `json:"b_ref_mode"`
	SpatialAQ    bool   `json:"spatial_aq"`
	TemporalAQ   bool   `json:"temporal_aq"`
	AQStrength   int    `json:"aq_strength"`
	Multipass    string `json:"multipass"`
	Profile      string `json:"profile"` // main, main10
	TwoPass      bool   `json:"two_pass"`
	Tune         string `json:"tune"`

	CPUPreset string `json:"cpu_preset"`
	CRF       int    `json:"crf"` // 0-51

	AudioCodec   string `json:"audio_codec"` // copy, aac, ac3, opus
	AudioBitrate int    `json:"audio_bitrate"`
}

// AdvancedConfig is the behavioral-flags section of spec §6.
type AdvancedConfig struct {
	CreateBackups                  bool   `json:"create_backups"`
	VerifyChecksums                bool   `json:"verify_checksums"`
	KeepOriginal                   bool   `json:"keep_original"`
	KeepEncoded                    bool   `json:"keep_encoded"`
	SkipAlreadyTargetCodec         bool   `json:"skip_already_target_codec"`
	PauseBeforeUpload              bool   `json:"pause_before_upload"`
	BlockLargerEncoded             bool   `json:"block_larger_encoded"`
	ReleaseTag                     string `json:"release_tag"`
	RememberWebDAVDowngradePersist bool   `json:"remember_webdav_downgrade_persist"`

	LogLevel               string `json:"log_level"`
	RetryAttempts          int    `json:"retry_attempts"`
	ConnectionTimeoutSec   int    `json:"connection_timeout"`
	MaxConcurrentDownloads int    `json:"max_concurrent_downloads"`
	MaxPrefetchFiles       int    `json:"max_prefetch_files"`
	CleanupOldJobsDays     int    `json:"cleanup_old_jobs_days"`
	CleanupOldProgressDays int    `json:"cleanup_old_progress_days"`
	StabilityWaitSec       int    `json:"stability_wait_sec"`
}

// LoggingConfig configures log rotation (ambient addition, SPEC_FULL §2).
type LoggingConfig struct {
	Dir        string `json:"dir"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MetricsConfig configures the Prometheus/Job-API HTTP listener.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr"`
}

// PipelineConfiguration is the one-per-process, reloadable document
// described in spec §3.
type PipelineConfiguration struct {
	TransferMethod string `json:"transfer_method"` // auto, sftp, webdav, prefer_sftp, prefer_webdav

	Remote   RemoteConfig   `json:"remote"`
	WebDAV   WebDAVConfig   `json:"webdav"`
	Storage  StorageConfig  `json:"storage"`
	FFmpeg   FFmpegConfig   `json:"ffmpeg"`
	Advanced AdvancedConfig `json:"advanced"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// Default returns the built-in defaults layer.
func Default() PipelineConfiguration {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".local", "share", "reelsmith")

	return PipelineConfiguration{
		TransferMethod: "auto",
		Storage: StorageConfig{
			LocalTemp:           filepath.Join(dataDir, "temp"),
			LocalBackup:         filepath.Join(dataDir, "backup"),
			DefaultDownloadPath: filepath.Join(dataDir, "downloads"),
		},
		FFmpeg: FFmpegConfig{
			VideoCodec:   "hevc_nvenc",
			GPUEnabled:   true,
			EncodePreset: "p5",
			CQ:           24,
			RCMode:       "vbr_hq",
			Profile:      "main",
			CPUPreset:    "medium",
			CRF:          23,
			AudioCodec:   "copy",
		},
		Advanced: AdvancedConfig{
			CreateBackups:          true,
			SkipAlreadyTargetCodec: true,
			BlockLargerEncoded:     true,
			ReleaseTag:             "RS1",
			LogLevel:               "info",
			RetryAttempts:          3,
			ConnectionTimeoutSec:   30,
			MaxConcurrentDownloads: 1,
			MaxPrefetchFiles:       2,
			CleanupOldJobsDays:     30,
			CleanupOldProgressDays: 90,
			StabilityWaitSec:       0,
		},
		Logging: LoggingConfig{
			Dir:        filepath.Join(dataDir, "logs"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:8765",
		},
	}
}

// ValidationResult is returned by Validate.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// WatchFunc receives the full merged configuration after every mutation.
type WatchFunc func(PipelineConfiguration)

// Store is the process-wide Config Store: a defaults layer plus a user
// overlay, merged on demand. Update persists synchronously to disk
// and then notify every watcher with the full merged view.
type Store struct {
	mu       sync.RWMutex
	path     string
	defaults PipelineConfiguration
	overlay  PipelineConfiguration
	watchers []WatchFunc
}

// Open loads the overlay document at path (an empty overlay if absent)
// and returns a Store ready for use.
func Open(path string) (*Store, error) {
	s := &Store{path: path, defaults: Default()}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &s.overlay); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return s, nil
}

// Snapshot returns the current merged configuration.
func (s *Store) Snapshot() PipelineConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return merge(s.defaults, s.overlay)
}

// Update replaces the overlay with patch, persists it, validates the
// merged result, and notifies watchers. Validation failures are
// reported in the returned result rather than rejecting the write, per
// the Config Store's never-throw contract.
func (s *Store) Update(patch PipelineConfiguration) (ValidationResult, error) {
	s.mu.Lock()
	s.overlay = patch
	merged := merge(s.defaults, s.overlay)
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return ValidationResult{}, err
	}
	result := Validate(merged)
	s.notify(merged)
	return result, nil
}

func (s *Store) save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.overlay, "", "  ")
	path := s.path
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Reload re-reads the overlay document from disk and notifies watchers.
func (s *Store) Reload() error {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.mu.Unlock()
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var overlay PipelineConfiguration
	if err := json.Unmarshal(data, &overlay); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("parse config %s: %w", s.path, err)
	}
	s.overlay = overlay
	merged := merge(s.defaults, s.overlay)
	s.mu.Unlock()

	s.notify(merged)
	return nil
}

// Watch registers a callback invoked with the full merged view on every
// mutation (Update, Reload).
func (s *Store) Watch(fn WatchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

func (s *Store) notify(merged PipelineConfiguration) {
	s.mu.RLock()
	watchers := make([]WatchFunc, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.RUnlock()
	for _, w := range watchers {
		w(merged)
	}
}

// merge deep-merges overlay on top of defaults, field by field. A
// zero-value scalar in overlay is treated as "not set".
func merge(defaults, overlay PipelineConfiguration) PipelineConfiguration {
	merged := defaults
	mergeString(&merged.TransferMethod, overlay.TransferMethod)

	mergeString(&merged.Remote.Host, overlay.Remote.Host)
	mergeString(&merged.Remote.User, overlay.Remote.User)
	mergeString(&merged.Remote.Password, overlay.Remote.Password)
	mergeString(&merged.Remote.Path, overlay.Remote.Path)
	if overlay.Remote.Port != 0 {
		merged.Remote.Port = overlay.Remote.Port
	}

	mergeString(&merged.WebDAV.URL, overlay.WebDAV.URL)
	mergeString(&merged.WebDAV.Username, overlay.WebDAV.Username)
	mergeString(&merged.WebDAV.Password, overlay.WebDAV.Password)
	mergeString(&merged.WebDAV.Path, overlay.WebDAV.Path)

	mergeString(&merged.Storage.LocalTemp, overlay.Storage.LocalTemp)
	mergeString(&merged.Storage.LocalBackup, overlay.Storage.LocalBackup)
	mergeString(&merged.Storage.DefaultDownloadPath, overlay.Storage.DefaultDownloadPath)

	mergeString(&merged.FFmpeg.VideoCodec, overlay.FFmpeg.VideoCodec)
	mergeString(&merged.FFmpeg.EncodePreset, overlay.FFmpeg.EncodePreset)
	mergeString(&merged.FFmpeg.RCMode, overlay.FFmpeg.RCMode)
	mergeString(&merged.FFmpeg.BRefMode, overlay.FFmpeg.BRefMode)
	mergeString(&merged.FFmpeg.Multipass, overlay.FFmpeg.Multipass)
	mergeString(&merged.FFmpeg.Profile, overlay.FFmpeg.Profile)
	mergeString(&merged.FFmpeg.Tune, overlay.FFmpeg.Tune)
	mergeString(&merged.FFmpeg.CPUPreset, overlay.FFmpeg.CPUPreset)
	mergeString(&merged.FFmpeg.AudioCodec, overlay.FFmpeg.AudioCodec)
	if overlay.FFmpeg.CQ != 0 {
		merged.FFmpeg.CQ = overlay.FFmpeg.CQ
	}
	if overlay.FFmpeg.CRF != 0 {
		merged.FFmpeg.CRF = overlay.FFmpeg.CRF
	}
	if overlay.FFmpeg.Bitrate != 0 {
		merged.FFmpeg.Bitrate = overlay.FFmpeg.Bitrate
	}
	if overlay.FFmpeg.Maxrate != 0 {
		merged.FFmpeg.Maxrate = overlay.FFmpeg.Maxrate
	}
	if overlay.FFmpeg.AudioBitrate != 0 {
		merged.FFmpeg.AudioBitrate = overlay.FFmpeg.AudioBitrate
	}
	merged.FFmpeg.GPUEnabled = overlay.FFmpeg.GPUEnabled || defaults.FFmpeg.GPUEnabled
	merged.FFmpeg.ForceGPU = overlay.FFmpeg.ForceGPU
	merged.FFmpeg.TwoPass = overlay.FFmpeg.TwoPass
	merged.FFmpeg.SpatialAQ = overlay.FFmpeg.SpatialAQ
	merged.FFmpeg.TemporalAQ = overlay.FFmpeg.TemporalAQ

	mergeString(&merged.Advanced.ReleaseTag, overlay.Advanced.ReleaseTag)
	mergeString(&merged.Advanced.LogLevel, overlay.Advanced.LogLevel)
	if overlay.Advanced.RetryAttempts != 0 {
		merged.Advanced.RetryAttempts = overlay.Advanced.RetryAttempts
	}
	if overlay.Advanced.ConnectionTimeoutSec != 0 {
		merged.Advanced.ConnectionTimeoutSec = overlay.Advanced.ConnectionTimeoutSec
	}
	if overlay.Advanced.MaxConcurrentDownloads != 0 {
		merged.Advanced.MaxConcurrentDownloads = overlay.Advanced.MaxConcurrentDownloads
	}
	if overlay.Advanced.MaxPrefetchFiles != 0 {
		merged.Advanced.MaxPrefetchFiles = overlay.Advanced.MaxPrefetchFiles
	}
	if overlay.Advanced.CleanupOldJobsDays != 0 {
		merged.Advanced.CleanupOldJobsDays = overlay.Advanced.CleanupOldJobsDays
	}
	if overlay.Advanced.CleanupOldProgressDays != 0 {
		merged.Advanced.CleanupOldProgressDays = overlay.Advanced.CleanupOldProgressDays
	}
	if overlay.Advanced.StabilityWaitSec != 0 {
		merged.Advanced.StabilityWaitSec = overlay.Advanced.StabilityWaitSec
	}
	merged.Advanced.CreateBackups = overlay.Advanced.CreateBackups || defaults.Advanced.CreateBackups
	merged.Advanced.VerifyChecksums = overlay.Advanced.VerifyChecksums || defaults.Advanced.VerifyChecksums
	merged.Advanced.KeepOriginal = overlay.Advanced.KeepOriginal || defaults.Advanced.KeepOriginal
	merged.Advanced.KeepEncoded = overlay.Advanced.KeepEncoded || defaults.Advanced.KeepEncoded
	merged.Advanced.SkipAlreadyTargetCodec = overlay.Advanced.SkipAlreadyTargetCodec || defaults.Advanced.SkipAlreadyTargetCodec
	merged.Advanced.PauseBeforeUpload = overlay.Advanced.PauseBeforeUpload || defaults.Advanced.PauseBeforeUpload
	merged.Advanced.BlockLargerEncoded = overlay.Advanced.BlockLargerEncoded || defaults.Advanced.BlockLargerEncoded
	merged.Advanced.RememberWebDAVDowngradePersist = overlay.Advanced.RememberWebDAVDowngradePersist || defaults.Advanced.RememberWebDAVDowngradePersist

	mergeString(&merged.Logging.Dir, overlay.Logging.Dir)
	mergeString(&merged.Metrics.ListenAddr, overlay.Metrics.ListenAddr)

	return merged
}

func mergeString(dst *string, overlay string) {
	if overlay != "" {
		*dst = overlay
	}
}

var recognisedPresetsGPU = map[string]bool{"p1": true, "p2": true, "p3": true, "p4": true, "p5": true, "p6": true, "p7": true}
var recognisedProfiles = map[string]bool{"main": true, "main10": true}
var recognisedAudioCodecs = map[string]bool{"copy": true, "aac": true, "ac3": true, "opus": true}
var recognisedTransferMethods = map[string]bool{"auto": true, "sftp": true, "webdav": true, "prefer_sftp": true, "prefer_webdav": true}

// Validate enforces the CQ/CRF/preset/enum rules from spec §4.1. It
// never panics: it always returns a result, reporting failures rather
// than throwing.
func Validate(cfg PipelineConfiguration) ValidationResult {
	var errs []string

	if !recognisedTransferMethods[cfg.TransferMethod] {
		errs = append(errs, fmt.Sprintf("transfer_method %q not recognised", cfg.TransferMethod))
	}

	switch cfg.TransferMethod {
	case "sftp", "prefer_sftp":
		if cfg.Remote.Host == "" {
			errs = append(errs, "remote.host is required for sftp transfer")
		}
	case "webdav", "prefer_webdav":
		if cfg.WebDAV.URL == "" {
			errs = append(errs, "webdav.url is required for webdav transfer")
		}
	case "auto":
		if cfg.Remote.Host == "" && cfg.WebDAV.URL == "" {
			errs = append(errs, "at least one of remote.host or webdav.url is required in auto mode")
		}
	}

	if cfg.FFmpeg.CQ < 0 || cfg.FFmpeg.CQ > 51 {
		errs = append(errs, fmt.Sprintf("ffmpeg.cq %d out of range 0-51", cfg.FFmpeg.CQ))
	}
	if cfg.FFmpeg.CRF < 0 || cfg.FFmpeg.CRF > 51 {
		errs = append(errs, fmt.Sprintf("ffmpeg.crf %d out of range 0-51", cfg.FFmpeg.CRF))
	}
	if cfg.FFmpeg.GPULimit < 0 || cfg.FFmpeg.GPULimit > 100 {
		errs = append(errs, fmt.Sprintf("ffmpeg.gpu_limit %d out of range 0-100", cfg.FFmpeg.GPULimit))
	}
	if cfg.FFmpeg.EncodePreset != "" && !recognisedPresetsGPU[cfg.FFmpeg.EncodePreset] {
		errs = append(errs, fmt.Sprintf("ffmpeg.encode_preset %q not in {p1..p7}", cfg.FFmpeg.EncodePreset))
	}
	if cfg.FFmpeg.Profile != "" && !recognisedProfiles[cfg.FFmpeg.Profile] {
		errs = append(errs, fmt.Sprintf("ffmpeg.profile %q not in {main, main10}", cfg.FFmpeg.Profile))
	}
	if cfg.FFmpeg.AudioCodec != "" && !recognisedAudioCodecs[cfg.FFmpeg.AudioCodec] {
		errs = append(errs, fmt.Sprintf("ffmpeg.audio_codec %q not in {copy, aac, ac3, opus}", cfg.FFmpeg.AudioCodec))
	}

	for name, v := range map[string]int{
		"advanced.retry_attempts":            cfg.Advanced.RetryAttempts,
		"advanced.connection_timeout":        cfg.Advanced.ConnectionTimeoutSec,
		"advanced.max_concurrent_downloads":  cfg.Advanced.MaxConcurrentDownloads,
		"advanced.max_prefetch_files":        cfg.Advanced.MaxPrefetchFiles,
		"advanced.cleanup_old_jobs_days":     cfg.Advanced.CleanupOldJobsDays,
		"advanced.cleanup_old_progress_days": cfg.Advanced.CleanupOldProgressDays,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be non-negative, got %d", name, v))
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
