package capture

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/voxlane/voxlane/pkg/core/audio"
)

// FFmpegSource captures the default microphone through an ffmpeg child
// process emitting raw s16le on stdout. ffmpeg already converts to the
// capture format, so the pipeline's resample pass is a no-op for it.
type FFmpegSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// NewFFmpegSource starts ffmpeg against the platform default input
// device. It fails when ffmpeg is not installed or the platform has no
// wired input backend.
func NewFFmpegSource() (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micArgs(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &FFmpegSource{cmd: cmd, stdout: stdout}, nil
}

func micArgs(goos string) ([]string, error) {
	rate := fmt.Sprintf("%d", audio.CaptureFormat.SampleRateHz)
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", rate,
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", rate,
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

func (s *FFmpegSource) Format() audio.Format {
	return audio.CaptureFormat
}

func (s *FFmpegSource) Read(p []byte) (int, error) {
	if s == nil || s.stdout == nil {
		return 0, io.EOF
	}
	return s.stdout.Read(p)
}

func (s *FFmpegSource) Close() error {
	if s == nil {
		return nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}
