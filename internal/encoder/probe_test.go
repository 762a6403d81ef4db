package encoder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlreadyTargetCodecMatchesByFamily(t *testing.T) {
	result := &ProbeResult{VideoStream: &StreamInfo{CodecName: "hevc"}}
	require.True(t, AlreadyTargetCodec(result, "hevc_nvenc"))
	require.True(t, AlreadyTargetCodec(result, "libx265"))
	require.False(t, AlreadyTargetCodec(result, "vp9_nvenc"))
}

func TestAlreadyTargetCodecNoVideoStream(t *testing.T) {
	require.False(t, AlreadyTargetCodec(&ProbeResult{}, "hevc_nvenc"))
}

func TestIsWebRipLikeDetectsMP4Container(t *testing.T) {
	result := &ProbeResult{Format: FormatInfo{FormatName: "mov,mp4,m4a,3gp,3g2,mj2"}}
	require.True(t, isWebRipLike(result))
}

func TestIsWebRipLikeDetectsOddDimensions(t *testing.T) {
	result := &ProbeResult{
		Format:  FormatInfo{FormatName: "matroska,webm"},
		Streams: []StreamInfo{{CodecType: "video", Width: 1921, Height: 1080}},
	}
	require.True(t, isWebRipLike(result))
}

func TestIsWebRipLikeFalseForCleanMKV(t *testing.T) {
	result := &ProbeResult{
		Format: FormatInfo{FormatName: "matroska,webm"},
		Streams: []StreamInfo{{
			CodecType: "video", Width: 1920, Height: 1080,
			AvgFrameRate: "24/1", RFrameRate: "24/1",
		}},
	}
	require.False(t, isWebRipLike(result))
}

func TestWriteWhyFileWritesSidecar(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "movie.mkv")
	require.NoError(t, WriteWhyFile(target, "already target codec"))

	data, err := os.ReadFile(filepath.Join(dir, "movie.why.txt"))
	require.NoError(t, err)
	require.Equal(t, "already target codec", string(data))
}
