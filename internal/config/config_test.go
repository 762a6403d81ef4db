package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Equal(t, "auto", snap.TransferMethod)
	require.Equal(t, "hevc_nvenc", snap.FFmpeg.VideoCodec)
	require.Equal(t, 24, snap.FFmpeg.CQ)
}

func TestUpdatePersistsAndMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)

	patch := Default()
	patch.Remote.Host = "media.example.com"
	patch.FFmpeg.CQ = 30

	result, err := s.Update(patch)
	require.NoError(t, err)
	require.True(t, result.Valid)

	snap := s.Snapshot()
	require.Equal(t, "media.example.com", snap.Remote.Host)
	require.Equal(t, 30, snap.FFmpeg.CQ)
	// Unset overlay fields keep their defaulted values.
	require.Equal(t, "hevc_nvenc", snap.FFmpeg.VideoCodec)

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, "media.example.com", reopened.Snapshot().Remote.Host)
}

func TestReloadNotifiesWatchers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)

	var seen PipelineConfiguration
	calls := 0
	s.Watch(func(cfg PipelineConfiguration) {
		seen = cfg
		calls++
	})

	patch := Default()
	patch.WebDAV.URL = "https://dav.example.com/media"
	_, err = s.Update(patch)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, "https://dav.example.com/media", seen.WebDAV.URL)

	require.NoError(t, s.Reload())
	require.Equal(t, 2, calls)
	require.Equal(t, "https://dav.example.com/media", seen.WebDAV.URL)
}

func TestValidateRejectsOutOfRangeEncoderParams(t *testing.T) {
	cfg := Default()
	cfg.Remote.Host = "media.example.com"
	cfg.TransferMethod = "sftp"
	cfg.FFmpeg.CQ = 99
	cfg.FFmpeg.EncodePreset = "ultrafast"

	result := Validate(cfg)
	require.False(t, result.Valid)
	require.Contains(t, result.Errors, `ffmpeg.cq 99 out of range 0-51`)
	require.Contains(t, result.Errors, `ffmpeg.encode_preset "ultrafast" not in {p1..p7}`)
}

func TestValidateRequiresEndpointForTransferMethod(t *testing.T) {
	cfg := Default()
	cfg.TransferMethod = "sftp"

	result := Validate(cfg)
	require.False(t, result.Valid)
	require.Contains(t, result.Errors, "remote.host is required for sftp transfer")
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Default()
	cfg.Remote.Host = "media.example.com"

	result := Validate(cfg)
	require.True(t, result.Valid)
	require.Empty(t, result.Errors)
}
