package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// VideoConfig holds video renderer configuration.
type VideoConfig struct {
	// WorkDir receives the encoded clips.
	WorkDir string
	// FFmpegPath is the encoder binary, "ffmpeg" by default.
	FFmpegPath string
	// Timeout bounds one encode.
	Timeout time.Duration
}

// VideoRenderer encodes a captured frame sequence into an mp4 clip with
// ffmpeg. The frame rate passed in is the measured capture rate, so the
// clip plays at the speed the animation actually ran.
type VideoRenderer struct {
	config VideoConfig
}

// NewVideoRenderer creates a new VideoRenderer.
func NewVideoRenderer(config VideoConfig) *VideoRenderer {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	return &VideoRenderer{config: config}
}

// Render encodes framesDir into a video and returns its path.
func (r *VideoRenderer) Render(ctx context.Context, framesDir string, fps float64) (string, error) {
	if err := os.MkdirAll(r.config.WorkDir, 0o755); err != nil {
		return "", err
	}

	outPath := filepath.Join(r.config.WorkDir, "sale-"+uuid.NewString()+".mp4")

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	// yuv420p and +faststart keep the clip playable on the platform's
	// players.
	args := []string{
		"-y",
		"-framerate", strconv.FormatFloat(fps, 'f', 2, 64),
		"-i", filepath.Join(framesDir, "frame-%04d.png"),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outPath,
	}

	cmd := exec.CommandContext(ctx, r.config.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg failed: %w: %s", err, tail(stderr.String(), 512))
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return "", fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("ffmpeg produced an empty clip")
	}

	return outPath, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
