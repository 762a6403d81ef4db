package encoder

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/halvorsen/reelsmith/internal/config"
	"github.com/halvorsen/reelsmith/internal/reelerr"
)

// ProgressFunc receives encode progress at most once per reporting
// interval: fractional percent complete (0-100) and current fps.
type ProgressFunc func(percent, fps float64)

const progressReportInterval = 500 * time.Millisecond

// sentinelSuffix names the crash-recovery marker left next to an
// in-progress encode: a file found on startup with this suffix and no
// matching finished output means the prior process died mid-encode.
const sentinelSuffix = ".encoding_state"

// SentinelPath returns the crash-recovery marker path for an encode of
// outputPath.
func SentinelPath(outputPath string) string {
	return outputPath + sentinelSuffix
}

// Encode runs ffmpeg against inputPath, producing outputPath, per cfg.
// It writes a sentinel file before starting and removes it when it
// returns, whether or not the encode succeeded;
// a sentinel found at startup with no completed output is this
// function's signal that a prior run crashed mid-encode. Two-pass CPU
// encodes (libx265/libvpx-vp9 with cfg.TwoPass) run pass 1 to a
// throwaway target before the real pass.
func Encode(ffmpegPath, inputPath, outputPath string, cfg config.FFmpegConfig, probe *ProbeResult, onProgress ProgressFunc) error {
	sentinel := SentinelPath(outputPath)
	if err := os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return reelerr.Wrap(reelerr.KindEncoderFailed, "write encoding sentinel", err)
	}
	defer os.Remove(sentinel)

	durationSecs := parseDuration(probe.Format.Duration)

	twoPassCPU := cfg.TwoPass && (cfg.VideoCodec == "libx265" || cfg.VideoCodec == "libvpx-vp9")
	if twoPassCPU {
		passLog := filepath.Join(os.TempDir(), fmt.Sprintf("reelsmith-pass-%d", time.Now().UnixNano()))
		defer cleanupPassLogs(passLog)

		pass1Args, err := TranscodeArgs(cfg, inputPath, outputPath, probe, 1, passLog)
		if err != nil {
			return reelerr.Wrap(reelerr.KindEncoderFailed, "build pass 1 args", err)
		}
		if _, err := runWithProgress(ffmpegPath, pass1Args, durationSecs, nil); err != nil {
			return reelerr.Wrap(reelerr.KindEncoderFailed, "encode pass 1", err)
		}

		pass2Args, err := TranscodeArgs(cfg, inputPath, outputPath, probe, 2, passLog)
		if err != nil {
			return reelerr.Wrap(reelerr.KindEncoderFailed, "build pass 2 args", err)
		}
		if _, err := runWithProgress(ffmpegPath, pass2Args, durationSecs, onProgress); err != nil {
			return reelerr.Wrap(reelerr.KindEncoderFailed, "encode pass 2", err)
		}
		return nil
	}

	args, err := TranscodeArgs(cfg, inputPath, outputPath, probe, 0, "")
	if err != nil {
		return reelerr.Wrap(reelerr.KindEncoderFailed, "build transcode args", err)
	}
	if _, err := runWithProgress(ffmpegPath, args, durationSecs, onProgress); err != nil {
		return reelerr.Wrap(reelerr.KindEncoderFailed, "encode", err)
	}
	return nil
}

func cleanupPassLogs(passLogPrefix string) {
	matches, _ := filepath.Glob(passLogPrefix + "*")
	for _, m := range matches {
		os.Remove(m)
	}
}

// runWithProgress runs ffmpeg with "-progress pipe:1" so stdout carries
// machine-readable key=value progress lines instead of the human
// stderr banner, throttled to progressReportInterval before invoking
// onProgress.
func runWithProgress(ffmpegPath string, args []string, durationSecs float64, onProgress ProgressFunc) (int, error) {
	fullArgs := append([]string{"-progress", "pipe:1", "-nostats"}, args...)
	cmd := exec.Command(ffmpegPath, fullArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("pipe ffmpeg stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start ffmpeg: %w", err)
	}

	if onProgress != nil {
		go scanProgress(stdout, durationSecs, onProgress)
	} else {
		go func() {
			buf := make([]byte, 4096)
			for {
				if _, err := stdout.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	relevant := relevantErrorExcerpt(stderr.String())
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), fmt.Errorf("ffmpeg failed with exit code %d: %s", exitErr.ExitCode(), relevant)
	}
	return -1, fmt.Errorf("ffmpeg execution failed: %w: %s", err, relevant)
}

// scanProgress parses ffmpeg's "-progress pipe:1" key=value stream,
// reporting at most once per progressReportInterval.
func scanProgress(r io.Reader, durationSecs float64, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	var outTimeSecs, fps float64
	last := time.Time{}

	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "out_time_ms":
			if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
				outTimeSecs = float64(ms) / 1_000_000
			}
		case "out_time_us":
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				outTimeSecs = float64(us) / 1_000_000
			}
		case "fps":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				fps = f
			}
		case "progress":
			now := time.Now()
			if value == "end" {
				onProgress(100, fps)
				last = now
				continue
			}
			if now.Sub(last) >= progressReportInterval {
				percent := 0.0
				if durationSecs > 0 {
					percent = (outTimeSecs / durationSecs) * 100
					if percent > 100 {
						percent = 100
					}
				}
				onProgress(percent, fps)
				last = now
			}
		}
	}
}

func parseDuration(s string) float64 {
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return d
}

// VerifyOutputCodec re-probes the encoded file and confirms its video
// codec matches cfg.VideoCodec's target, catching an ffmpeg run that
// exited 0 but silently fell back to a software path or wrong codec.
func VerifyOutputCodec(ffmpegPath, outputPath string, cfg config.FFmpegConfig) error {
	result, err := ProbeFile(ffmpegPath, outputPath)
	if err != nil {
		return reelerr.Wrap(reelerr.KindEncoderFailed, "re-probe encoded output", err)
	}
	if !AlreadyTargetCodec(result, cfg.VideoCodec) {
		got := ""
		if result.VideoStream != nil {
			got = result.VideoStream.CodecName
		}
		return reelerr.New(reelerr.KindEncoderFailed, fmt.Sprintf("encoded output codec %q does not match target %q", got, targetCodecName(cfg.VideoCodec)))
	}
	return nil
}
