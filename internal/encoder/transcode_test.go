package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halvorsen/reelsmith/internal/config"
)

func TestGenerateEncodedFilenameIsIdempotent(t *testing.T) {
	first := GenerateEncodedFilename("/media/Show S01E01.mkv", "hevc_nvenc", "RS1")
	require.Equal(t, "/media/Show S01E01.h265.RS1.mkv", first)

	second := GenerateEncodedFilename(first, "hevc_nvenc", "RS1")
	require.Equal(t, first, second, "re-deriving from an already-tagged path must not stack suffixes")
}

func TestGenerateEncodedFilenameVP9Suffix(t *testing.T) {
	got := GenerateEncodedFilename("/media/clip.webm", "libvpx-vp9", "RS2")
	require.Equal(t, "/media/clip.vp9.RS2.webm", got)
}

func TestTranscodeArgsRequiresVideoStream(t *testing.T) {
	_, err := TranscodeArgs(config.Default().FFmpeg, "in.mkv", "out.mkv", &ProbeResult{}, 0, "")
	require.Error(t, err)
}

func TestTranscodeArgsGPUUsesCUDAHwaccel(t *testing.T) {
	probe := &ProbeResult{VideoStream: &StreamInfo{Index: 0, Width: 1920, Height: 1080}}
	cfg := config.Default().FFmpeg
	cfg.VideoCodec = "hevc_nvenc"

	args, err := TranscodeArgs(cfg, "in.mkv", "out.mkv", probe, 0, "")
	require.NoError(t, err)
	require.Contains(t, args, "cuda")
	require.Contains(t, args, "hevc_nvenc")
}

func TestTranscodeArgsCPUTwoPassIncludesPassParams(t *testing.T) {
	probe := &ProbeResult{VideoStream: &StreamInfo{Index: 0, Width: 1920, Height: 1080}}
	cfg := config.Default().FFmpeg
	cfg.VideoCodec = "libx265"
	cfg.TwoPass = true

	pass1, err := TranscodeArgs(cfg, "in.mkv", "out.mkv", probe, 1, "/tmp/passlog")
	require.NoError(t, err)
	require.Contains(t, pass1, "-an")
	found := false
	for _, a := range pass1 {
		if a == "pass=1:stats=/tmp/passlog" {
			found = true
		}
	}
	require.True(t, found, "pass 1 args: %v", pass1)
}

func TestVP9SpeedFromPresetMapsKnownPresets(t *testing.T) {
	require.Equal(t, "0", vp9SpeedFromPreset("veryslow"))
	require.Equal(t, "2", vp9SpeedFromPreset("unknown-preset"))
}

func TestDetermineQualityByHeight(t *testing.T) {
	require.Equal(t, 21, DetermineQuality(2160))
	require.Equal(t, 23, DetermineQuality(1080))
	require.Equal(t, 26, DetermineQuality(480))
}
