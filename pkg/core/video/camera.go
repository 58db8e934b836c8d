package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"runtime"
)

// FFmpegFrameSource grabs single stills from the default camera by
// running one short-lived ffmpeg process per frame. At 2 fps the process
// cost is irrelevant and it sidesteps keeping a long-lived camera stream
// open while video is mostly idle.
type FFmpegFrameSource struct {
	args []string
}

// NewFFmpegFrameSource verifies ffmpeg and the platform camera backend.
func NewFFmpegFrameSource() (*FFmpegFrameSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for video capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := cameraArgs(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	return &FFmpegFrameSource{args: args}, nil
}

func cameraArgs(goos string) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-framerate", "30", "-i", "0",
			"-frames:v", "1", "-f", "mjpeg", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "v4l2", "-i", "/dev/video0",
			"-frames:v", "1", "-f", "mjpeg", "-",
		}, nil
	default:
		return nil, fmt.Errorf("video capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

func (s *FFmpegFrameSource) Grab(ctx context.Context) (image.Image, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", s.args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("grab camera frame: %w", err)
	}
	frame, err := jpeg.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("decode camera frame: %w", err)
	}
	return frame, nil
}

func (s *FFmpegFrameSource) Close() error { return nil }
