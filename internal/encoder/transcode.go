package encoder

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/halvorsen/reelsmith/internal/config"
)

// isGPUCodec reports whether videoCodec runs through an NVENC hardware
// path rather than a CPU software encoder.
func isGPUCodec(videoCodec string) bool {
	return videoCodec == "hevc_nvenc" || videoCodec == "vp9_nvenc"
}

// codecSuffix is the filename tag spec §4.5 assigns each codec family.
func codecSuffix(videoCodec string) string {
	switch videoCodec {
	case "hevc_nvenc", "libx265":
		return ".h265"
	case "vp9_nvenc", "libvpx-vp9":
		return ".vp9"
	default:
		return ""
	}
}

// GenerateEncodedFilename derives the encoded output path from the
// source path: stem[.h265|.vp9].<releaseTag>.ext. Idempotent: calling
// it again on its own output returns the same path rather than
// stacking suffixes, satisfying the naming invariant in spec §8.
func GenerateEncodedFilename(sourcePath, videoCodec, releaseTag string) string {
	ext := filepath.Ext(sourcePath)
	stem := strings.TrimSuffix(sourcePath, ext)
	tag := codecSuffix(videoCodec) + "." + releaseTag
	stem = strings.TrimSuffix(stem, tag)
	return stem + tag + ext
}

// TranscodeArgs builds the ffmpeg argument list for a one-pass encode.
// For two-pass CPU encodes, passNum/passLogFile select pass 1 (no
// audio, output discarded through ffmpeg's null muxer) or pass 2 (full
// output); passNum 0 means
// a single pass.
func TranscodeArgs(cfg config.FFmpegConfig, inputPath, outputPath string, probe *ProbeResult, passNum int, passLogFile string) ([]string, error) {
	if probe.VideoStream == nil {
		return nil, fmt.Errorf("no video stream found in probe result")
	}
	videoStream := probe.VideoStream

	args := []string{"-hide_banner", "-y", "-analyzeduration", "50M", "-probesize", "50M"}

	gpu := isGPUCodec(cfg.VideoCodec)
	if gpu {
		args = append(args, "-hwaccel", "cuda", "-hwaccel_output_format", "cuda")
	}

	if probe.IsWebRipLike {
		args = append(args, "-fflags", "+genpts", "-copyts", "-start_at_zero")
	}

	args = append(args, "-i", inputPath)

	args = append(args,
		"-map", "0",
		"-map", "-0:v",
		"-map", "-0:t",
		"-map", fmt.Sprintf("0:v:%d", videoStream.Index),
		"-map", "0:a?",
		"-map", "0:s?",
		"-map_chapters", "0",
	)

	vf := buildVideoFilter(cfg, videoStream, gpu)
	if vf != "" {
		args = append(args, "-vf:v:0", vf)
	}

	args = append(args, "-c:v:0", cfg.VideoCodec)
	args = append(args, encoderParams(cfg, videoStream, passNum, passLogFile)...)

	if passNum == 1 {
		// Pass 1 never needs audio/subtitles and must discard its output.
		args = append(args, "-an", "-sn", "-f", "null")
		return append(args, nullOutputTarget()...), nil
	}

	if probe.IsWebRipLike {
		args = append(args, "-vsync", "0", "-avoid_negative_ts", "make_zero")
	}

	args = append(args, "-c:a", cfg.AudioCodec)
	if cfg.AudioCodec != "copy" && cfg.AudioBitrate > 0 {
		args = append(args, "-b:a", fmt.Sprintf("%dk", cfg.AudioBitrate))
	}
	args = append(args, "-c:s", "copy")

	args = append(args,
		"-max_muxing_queue_size", "2048",
		"-map_metadata", "0",
		"-f", "matroska",
	)
	args = append(args, outputPath)
	return args, nil
}

func nullOutputTarget() []string {
	return []string{"-"}
}

// buildVideoFilter ensures even dimensions and sets SAR. GPU encodes
// keep frames on the device via scale_cuda; CPU encodes use the plain
// scale filter.
func buildVideoFilter(cfg config.FFmpegConfig, stream *StreamInfo, gpu bool) string {
	var parts []string
	if gpu {
		parts = append(parts,
			"scale_cuda=w=ceil(iw/2)*2:h=ceil(ih/2)*2",
			"hwdownload",
			"format="+determineSurfaceFormat(int(stream.BitDepth)),
			"setsar=1",
		)
	} else {
		parts = append(parts,
			"scale=w=ceil(iw/2)*2:h=ceil(ih/2)*2",
			"setsar=1",
			"format="+determineSurfaceFormat(int(stream.BitDepth)),
		)
	}
	return strings.Join(parts, ",")
}

// determineSurfaceFormat picks a pixel format by source bit depth:
// 10-bit sources decode to yuv420p10le, everything else to nv12.
func determineSurfaceFormat(bitDepth int) string {
	if bitDepth >= 10 {
		return "yuv420p10le"
	}
	return "nv12"
}

// DetermineQuality maps source height to a default quality value when
// the operator hasn't pinned one: 1440p+ keeps more detail, lower
// resolutions tolerate a softer target.
func DetermineQuality(height int) int {
	if height >= 1440 {
		return 21
	}
	if height >= 1080 {
		return 23
	}
	return 26
}

// encoderParams builds the codec-family-specific rate-control flags.
func encoderParams(cfg config.FFmpegConfig, stream *StreamInfo, passNum int, passLogFile string) []string {
	quality := cfg.CQ
	if quality == 0 {
		quality = DetermineQuality(stream.Height)
	}
	crf := cfg.CRF
	if crf == 0 {
		crf = DetermineQuality(stream.Height)
	}

	switch cfg.VideoCodec {
	case "hevc_nvenc", "vp9_nvenc":
		args := []string{}
		if cfg.EncodePreset != "" {
			args = append(args, "-preset", cfg.EncodePreset)
		}
		rc := cfg.RCMode
		if rc == "" {
			rc = "vbr_hq"
		}
		args = append(args, "-rc", rc, "-cq", fmt.Sprintf("%d", quality))
		if cfg.Bitrate > 0 {
			args = append(args, "-b:v", fmt.Sprintf("%dk", cfg.Bitrate))
		}
		if cfg.Maxrate > 0 {
			args = append(args, "-maxrate", fmt.Sprintf("%dk", cfg.Maxrate))
		}
		if cfg.Lookahead > 0 {
			args = append(args, "-rc-lookahead", fmt.Sprintf("%d", cfg.Lookahead))
		}
		if cfg.BFrames > 0 {
			args = append(args, "-bf", fmt.Sprintf("%d", cfg.BFrames))
		}
		if cfg.BRefMode != "" {
			args = append(args, "-b_ref_mode", cfg.BRefMode)
		}
		if cfg.SpatialAQ {
			args = append(args, "-spatial_aq", "1")
		}
		if cfg.TemporalAQ {
			args = append(args, "-temporal_aq", "1")
		}
		if cfg.AQStrength > 0 {
			args = append(args, "-aq-strength", fmt.Sprintf("%d", cfg.AQStrength))
		}
		if cfg.Multipass != "" {
			args = append(args, "-multipass", cfg.Multipass)
		}
		if cfg.Profile != "" && cfg.VideoCodec == "hevc_nvenc" {
			args = append(args, "-profile:v", cfg.Profile)
		}
		if cfg.Tune != "" {
			args = append(args, "-tune", cfg.Tune)
		}
		return args

	case "libx265":
		args := []string{"-crf", fmt.Sprintf("%d", crf)}
		if cfg.CPUPreset != "" {
			args = append(args, "-preset", cfg.CPUPreset)
		}
		if cfg.Profile != "" {
			args = append(args, "-profile:v", cfg.Profile)
		}
		if passNum > 0 {
			args = append(args, "-x265-params", fmt.Sprintf("pass=%d:stats=%s", passNum, passLogFile))
		}
		return args

	case "libvpx-vp9":
		args := []string{"-crf", fmt.Sprintf("%d", crf), "-b:v", "0"}
		if cfg.CPUPreset != "" {
			args = append(args, "-speed", vp9SpeedFromPreset(cfg.CPUPreset))
		}
		if passNum > 0 {
			args = append(args, "-pass", fmt.Sprintf("%d", passNum), "-passlogfile", passLogFile)
		}
		return args

	default:
		return nil
	}
}

// vp9SpeedFromPreset maps the shared cpu_preset vocabulary onto
// libvpx-vp9's numeric -speed knob (0 slowest/best, 8 fastest).
func vp9SpeedFromPreset(preset string) string {
	switch preset {
	case "veryslow", "slower":
		return "0"
	case "slow":
		return "1"
	case "medium":
		return "2"
	case "fast":
		return "4"
	case "faster", "veryfast":
		return "6"
	default:
		return "2"
	}
}

// RunTranscode executes ffmpeg with args and returns its exit code. On
// failure it classifies the tail of stderr into a short, relevant
// excerpt rather than surfacing the full encode log.
func RunTranscode(ffmpegPath string, args []string) (int, error) {
	cmd := exec.Command(ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	errOutput := stderr.String()
	relevant := relevantErrorExcerpt(errOutput)
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), fmt.Errorf("ffmpeg failed with exit code %d: %s", exitErr.ExitCode(), relevant)
	}
	return -1, fmt.Errorf("ffmpeg execution failed: %w: %s", err, relevant)
}

func relevantErrorExcerpt(errOutput string) string {
	lines := strings.Split(errOutput, "\n")
	start := len(lines) - 40
	if start < 0 {
		start = 0
	}
	var kept []string
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "bitrate=") {
			continue
		}
		kept = append(kept, line)
	}
	excerpt := strings.Join(kept, " | ")
	if len(excerpt) > 800 {
		excerpt = excerpt[len(excerpt)-800:]
	}
	return excerpt
}
