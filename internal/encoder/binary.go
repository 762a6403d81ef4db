// Package encoder provisions ffmpeg, probes source media, builds the
// HEVC/VP9 argument set the pipeline targets, and runs the transcode.
package encoder

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

// EnsureFFmpeg ensures ffmpeg is installed and verified at installDir,
// downloading and extracting it from ffmpegURL if absent or broken.
// gpuEnabled selects which hardware check VerifyFFmpeg runs.
func EnsureFFmpeg(log *zap.Logger, installDir, ffmpegURL string, gpuEnabled bool) (string, error) {
	ffmpegPath := filepath.Join(installDir, "ffmpeg")

	if info, err := os.Stat(ffmpegPath); err == nil && info.Mode().Perm()&0111 != 0 {
		if err := VerifyFFmpeg(log, ffmpegPath, gpuEnabled); err != nil {
			if strings.Contains(err.Error(), "missing NVENC libraries") || strings.Contains(err.Error(), "libnvidia-encode") {
				log.Warn("existing ffmpeg failed hardware verification due to missing libraries", zap.Error(err))
				return "", err
			}
			log.Warn("existing ffmpeg failed verification, re-downloading", zap.Error(err))
			if err := os.Remove(ffmpegPath); err != nil {
				return "", fmt.Errorf("remove broken ffmpeg: %w", err)
			}
		} else {
			return ffmpegPath, nil
		}
	}

	log.Info("downloading ffmpeg", zap.String("url", ffmpegURL))
	if err := downloadAndExtractFFmpeg(installDir, ffmpegURL); err != nil {
		return "", fmt.Errorf("download/extract ffmpeg: %w", err)
	}

	if err := VerifyFFmpeg(log, ffmpegPath, gpuEnabled); err != nil {
		return "", fmt.Errorf("ffmpeg verification: %w", err)
	}
	log.Info("ffmpeg installed and verified", zap.String("path", ffmpegPath))
	return ffmpegPath, nil
}

func downloadAndExtractFFmpeg(installDir, url string) error {
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return fmt.Errorf("create install directory: %w", err)
	}

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected HTTP status: %d", resp.StatusCode)
	}

	archiveData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read archive data: %w", err)
	}

	xzReader, err := xz.NewReader(bytes.NewReader(archiveData))
	if err != nil {
		return fmt.Errorf("create xz reader: %w", err)
	}
	tarReader := tar.NewReader(xzReader)

	var binary []byte
	var found bool
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag == tar.TypeReg && filepath.Base(header.Name) == "ffmpeg" {
			binary, err = io.ReadAll(tarReader)
			if err != nil {
				return fmt.Errorf("read ffmpeg binary from archive: %w", err)
			}
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("ffmpeg binary not found in archive")
	}

	ffmpegPath := filepath.Join(installDir, "ffmpeg")
	return os.WriteFile(ffmpegPath, binary, 0o755)
}

// nvencTestEncoders maps a target codec to its nvenc encoder name.
// VerifyFFmpeg does not consult it; its smoke test always uses
// hevc_nvenc.
var nvencTestEncoders = map[string]string{
	"hevc_nvenc": "hevc_nvenc",
	"vp9_nvenc":  "vp9_nvenc",
}

// VerifyFFmpeg checks the binary is usable: version string, presence of
// the encoders this build supports, and (when gpuEnabled) a one-frame
// NVENC smoke test so a broken driver surfaces before any real job runs.
func VerifyFFmpeg(log *zap.Logger, ffmpegPath string, gpuEnabled bool) error {
	versionOutput, err := exec.Command(ffmpegPath, "-version").Output()
	if err != nil {
		return fmt.Errorf("run ffmpeg -version: %w", err)
	}
	versionStr := string(versionOutput)
	if !strings.HasPrefix(versionStr, "ffmpeg version ") {
		return fmt.Errorf("unexpected ffmpeg version output: %s", strings.Split(versionStr, "\n")[0])
	}

	encodersOutput, err := exec.Command(ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return fmt.Errorf("run ffmpeg -encoders: %w", err)
	}
	for _, want := range []string{"hevc_nvenc", "libx265", "vp9_nvenc", "libvpx-vp9"} {
		if !strings.Contains(string(encodersOutput), want) {
			log.Warn("ffmpeg build is missing an encoder reelsmith may need", zap.String("encoder", want))
		}
	}

	if !gpuEnabled {
		return nil
	}

	driDevices := []string{"/dev/dri/renderD128", "/dev/dri/card0", "/dev/dri/renderD129"}
	hasGPUDevice := false
	for _, device := range driDevices {
		if _, err := os.Stat(device); err == nil {
			hasGPUDevice = true
			break
		}
	}
	if !hasGPUDevice {
		log.Warn("no GPU devices found in /dev/dri; proceeding, NVENC test will likely fail")
	}

	args := []string{
		"-hide_banner", "-v", "error",
		"-f", "lavfi", "-i", "testsrc2=s=1280x720:d=1",
		"-frames:v", "1",
		"-c:v", "hevc_nvenc",
		"-f", "null", "-",
	}
	out, err := exec.Command(ffmpegPath, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	outStr := string(out)
	if strings.Contains(outStr, "libnvidia-encode") || strings.Contains(outStr, "cannot open shared object file") {
		return fmt.Errorf("NVENC test failed: missing NVENC libraries, install the proprietary NVIDIA driver and nvidia-cuda toolkit: %w (output: %s)", err, outStr)
	}
	if strings.Contains(outStr, "Cannot init CUDA") || strings.Contains(outStr, "no NVENC capable devices") {
		return fmt.Errorf("NVENC test failed: GPU not accessible, check the container/VM has GPU passthrough: %w (output: %s)", err, outStr)
	}
	return fmt.Errorf("NVENC test failed: %w (output: %s)", err, outStr)
}
