// Package capture screenshots a dashboard page with headless Chromium and
// turns it into a full-frame display job.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/chromedp/chromedp"

	"epdpanel/internal/convert"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultWaitSelector = "body"
	// DefaultThreshold is the luminance below which a pixel is drawn black.
	DefaultThreshold uint8 = 128
)

// Options defines a capture target.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:3000/dashboard".
	URL string
	// WaitSelector must be visible before the screenshot is taken.
	WaitSelector string
	// Timeout bounds the whole browser session.
	Timeout time.Duration
	// Threshold for the 1bpp conversion; zero means DefaultThreshold.
	Threshold uint8
}

// Capturer renders Options.URL at panel resolution.
type Capturer struct {
	opts Options
	geom model.Geometry
	pool *model.Pool

	// shoot is replaced in tests.
	shoot func(ctx context.Context) ([]byte, error)
}

// New creates a Capturer for a panel of geometry g.
func New(opts Options, g model.Geometry, pool *model.Pool) *Capturer {
	if opts.WaitSelector == "" {
		opts.WaitSelector = DefaultWaitSelector
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	c := &Capturer{opts: opts, geom: g, pool: pool}
	c.shoot = c.screenshot
	return c
}

// Capture takes a screenshot and packs it into a Display job. The caller
// owns the returned job.
func (c *Capturer) Capture(ctx context.Context) (model.Job, error) {
	if c.opts.URL == "" {
		return model.Job{}, errors.New("capture: URL is required")
	}
	start := time.Now()
	raw, err := c.shoot(ctx)
	if err != nil {
		return model.Job{}, err
	}
	job, err := FrameFromPNG(c.pool, raw, c.geom, c.opts.Threshold)
	if err != nil {
		return model.Job{}, err
	}
	appLog.Info("capture done", "url", c.opts.URL, "png_bytes", len(raw), "took", time.Since(start).String())
	return job, nil
}

func (c *Capturer) screenshot(parent context.Context) ([]byte, error) {
	ctx, cancel := chromedp.NewContext(parent)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer timeoutCancel()

	var buf []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(c.geom.Width), int64(c.geom.Height)),
		chromedp.Navigate(c.opts.URL),
		chromedp.WaitVisible(c.opts.WaitSelector, chromedp.ByQuery),
		// Let late paints settle.
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.CaptureScreenshot(&buf),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	return buf, nil
}

// FrameFromPNG decodes a PNG and packs it into a full-frame Display job.
func FrameFromPNG(pool *model.Pool, raw []byte, g model.Geometry, threshold uint8) (model.Job, error) {
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return model.Job{}, fmt.Errorf("capture: decode png: %w", err)
	}
	packed, err := convert.Pack(img, g, threshold)
	if err != nil {
		return model.Job{}, fmt.Errorf("capture: pack: %w", err)
	}
	return model.NewDisplay(pool.Copy(packed), len(packed)), nil
}
