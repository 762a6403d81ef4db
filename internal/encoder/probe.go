package encoder

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ProbeResult is the parsed ffprobe output for a media file.
type ProbeResult struct {
	Format       FormatInfo   `json:"format"`
	Streams      []StreamInfo `json:"streams"`
	HasVideo     bool
	IsWebRipLike bool
	VideoStream  *StreamInfo
}

// FormatInfo is format-level metadata from ffprobe.
type FormatInfo struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

// StreamInfo is stream-level metadata from ffprobe.
type StreamInfo struct {
	Index        int            `json:"index"`
	CodecName    string         `json:"codec_name"`
	CodecType    string         `json:"codec_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	RFrameRate   string         `json:"r_frame_rate"`
	BitDepth     FlexibleInt    `json:"bits_per_raw_sample,omitempty"`
	Disposition  map[string]int `json:"disposition"`
	Tags         map[string]string `json:"tags"`
}

// FlexibleInt unmarshals ints represented as either JSON numbers or
// JSON strings, which ffprobe mixes depending on the field.
type FlexibleInt int

func (fi *FlexibleInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*fi = 0
		return nil
	}
	var intVal int
	if err := json.Unmarshal(data, &intVal); err == nil {
		*fi = FlexibleInt(intVal)
		return nil
	}
	var strVal string
	if err := json.Unmarshal(data, &strVal); err == nil {
		if strVal == "" {
			*fi = 0
			return nil
		}
		parsed, err := strconv.Atoi(strVal)
		if err != nil {
			return fmt.Errorf("invalid FlexibleInt value %q: %w", strVal, err)
		}
		*fi = FlexibleInt(parsed)
		return nil
	}
	return fmt.Errorf("invalid FlexibleInt JSON: %s", string(data))
}

// ProbeFile runs ffprobe (expected alongside the ffmpeg binary) and
// returns parsed metadata, including the codec-before-encode the Job
// API reports and the dedup/skip logic in the Queue Orchestrator needs.
func ProbeFile(ffmpegPath, filePath string) (*ProbeResult, error) {
	if ffmpegPath == "" {
		return nil, fmt.Errorf("ffprobe failed: ffmpeg path is empty")
	}

	ffprobePath := filepath.Join(filepath.Dir(ffmpegPath), "ffprobe")
	if _, err := os.Stat(ffprobePath); err != nil {
		return nil, fmt.Errorf("ffprobe not found at %s (required for probing)", ffprobePath)
	}

	cmd := exec.Command(
		ffprobePath,
		"-hide_banner",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		filePath,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}

	var videoStreams []StreamInfo
	for i := range result.Streams {
		stream := &result.Streams[i]
		if stream.CodecType == "video" {
			result.HasVideo = true
			videoStreams = append(videoStreams, *stream)
		}
	}

	if len(videoStreams) > 0 {
		for i := range videoStreams {
			if videoStreams[i].Disposition != nil && videoStreams[i].Disposition["default"] == 1 {
				result.VideoStream = &videoStreams[i]
				break
			}
		}
		if result.VideoStream == nil {
			result.VideoStream = &videoStreams[0]
		}
	}

	result.IsWebRipLike = isWebRipLike(&result)
	return &result, nil
}

// isWebRipLike flags files likely to need genpts/VFR handling: a file
// is WebRip-like if any of: its container is mp4/mov/webm, a video
// stream's avg frame rate differs from its real frame rate (VFR), or a
// video stream has an odd width/height. ffprobe's shared
// "matroska,webm" format name does not count as a webm container.
func isWebRipLike(result *ProbeResult) bool {
	formatName := strings.ToLower(result.Format.FormatName)
	isWebM := strings.Contains(formatName, "webm") && !strings.Contains(formatName, "matroska")
	if strings.Contains(formatName, "mp4") || strings.Contains(formatName, "mov") || isWebM {
		return true
	}
	for _, stream := range result.Streams {
		if stream.CodecType != "video" {
			continue
		}
		if stream.AvgFrameRate != "" && stream.RFrameRate != "" && stream.AvgFrameRate != stream.RFrameRate {
			return true
		}
		if stream.Width > 0 && stream.Width%2 != 0 {
			return true
		}
		if stream.Height > 0 && stream.Height%2 != 0 {
			return true
		}
	}
	return false
}

// AlreadyTargetCodec reports whether the probed file's primary video
// codec already matches the configured target, for the Queue
// Orchestrator's skip_already_target_codec admission check.
func AlreadyTargetCodec(result *ProbeResult, videoCodec string) bool {
	if result.VideoStream == nil {
		return false
	}
	target := targetCodecName(videoCodec)
	return strings.EqualFold(result.VideoStream.CodecName, target)
}

// targetCodecName maps an ffmpeg encoder name to the codec name
// ffprobe reports for already-encoded media.
func targetCodecName(videoCodec string) string {
	switch videoCodec {
	case "hevc_nvenc", "libx265":
		return "hevc"
	case "vp9_nvenc", "libvpx-vp9":
		return "vp9"
	default:
		return videoCodec
	}
}

// WriteWhyFile writes a .why.txt sidecar explaining why a file was
// skipped or rejected during admission.
func WriteWhyFile(filePath, reason string) error {
	basePath := strings.TrimSuffix(filePath, filepath.Ext(filePath))
	return os.WriteFile(basePath+".why.txt", []byte(reason), 0o644)
}
