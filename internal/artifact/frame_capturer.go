package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

// CaptureConfig holds frame capturer configuration.
type CaptureConfig struct {
	// WorkDir receives one frames directory per capture.
	WorkDir string
	// FrameCount is how many frames one capture collects.
	FrameCount int
	// TargetFPS is the pacing the capture aims for; the achieved rate is
	// measured and returned, since screenshot latency varies by host.
	TargetFPS float64
	// Timeout bounds the whole browser session.
	Timeout time.Duration
}

// FrameCapturer renders the sale card in a headless browser and captures
// its animation as a frame sequence. Requires Chrome/Chromium on the host.
type FrameCapturer struct {
	config CaptureConfig
}

// NewFrameCapturer creates a new FrameCapturer.
func NewFrameCapturer(config CaptureConfig) *FrameCapturer {
	if config.FrameCount <= 0 {
		config.FrameCount = 60
	}
	if config.TargetFPS <= 0 {
		config.TargetFPS = 30
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &FrameCapturer{config: config}
}

// Capture renders htmlPath and captures the configured number of frames,
// returning the frames directory and the measured capture rate.
func (c *FrameCapturer) Capture(ctx context.Context, htmlPath string) (string, float64, error) {
	absPath, err := filepath.Abs(htmlPath)
	if err != nil {
		return "", 0, err
	}

	dir := filepath.Join(c.config.WorkDir, "frames-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)
	defer cancel()

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	browserCtx, cancel = context.WithTimeout(browserCtx, c.config.Timeout)
	defer cancel()

	if err := chromedp.Run(browserCtx,
		chromedp.Navigate("file://"+absPath),
		chromedp.WaitReady("body"),
	); err != nil {
		return "", 0, fmt.Errorf("browser rendering failed: %w", err)
	}

	interval := time.Duration(float64(time.Second) / c.config.TargetFPS)
	start := time.Now()

	for i := 0; i < c.config.FrameCount; i++ {
		frameStart := time.Now()

		var buf []byte
		if err := chromedp.Run(browserCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return "", 0, fmt.Errorf("frame capture failed at frame %d: %w", i, err)
		}

		framePath := filepath.Join(dir, fmt.Sprintf("frame-%04d.png", i))
		if err := os.WriteFile(framePath, buf, 0o644); err != nil {
			return "", 0, err
		}

		if remaining := interval - time.Since(frameStart); remaining > 0 {
			select {
			case <-browserCtx.Done():
				return "", 0, browserCtx.Err()
			case <-time.After(remaining):
			}
		}
	}

	elapsed := time.Since(start)
	fps := float64(c.config.FrameCount) / elapsed.Seconds()

	return dir, fps, nil
}
