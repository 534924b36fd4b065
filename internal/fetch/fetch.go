// Package fetch pulls update frames from the configured image endpoint.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"epdpanel/internal/frame"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
)

// DefaultTimeout bounds a single fetch.
const DefaultTimeout = 30 * time.Second

// Fetcher GETs a frame from URL and turns it into a Job.
type Fetcher struct {
	client   *http.Client
	url      string
	pool     *model.Pool
	maxBytes int64
}

// New creates a Fetcher. maxBytes caps the accepted Content-Length.
func New(rawURL string, pool *model.Pool, timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		url:      rawURL,
		pool:     pool,
		maxBytes: maxBytes,
	}
}

// Fetch retrieves and decodes one frame. It never fails: any problem on
// the way yields a fallback Clear job whose Reason names the cause.
func (f *Fetcher) Fetch(ctx context.Context) model.Job {
	body, err := f.get(ctx)
	if err != nil {
		appLog.Error("frame fetch failed", err, "url", redactURL(f.url))
		return model.Fallback("fetch failed: " + err.Error())
	}
	job := frame.Decode(f.pool, body)
	appLog.Info("frame fetched",
		"url", redactURL(f.url),
		"bytes", len(body),
		"kind", job.Kind.String(),
		"reason", job.Reason,
	)
	return job
}

func (f *Fetcher) get(ctx context.Context) ([]byte, error) {
	if f.url == "" {
		return nil, errors.New("fetch URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}

	appLog.Debug("frame fetch start", "url", redactURL(f.url))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	n := resp.ContentLength
	if n < 0 {
		return nil, errors.New("missing Content-Length")
	}
	if f.maxBytes > 0 && n > f.maxBytes {
		return nil, fmt.Errorf("content length %d exceeds %d bytes", n, f.maxBytes)
	}

	body := make([]byte, n)
	read, err := io.ReadFull(resp.Body, body)
	if err != nil {
		return nil, fmt.Errorf("short body: read %d of %d bytes: %w", read, n, err)
	}
	return body, nil
}

// redactURL keeps only scheme and host so tokens in paths or queries stay
// out of the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
