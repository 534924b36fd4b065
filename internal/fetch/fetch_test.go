package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epdpanel/internal/frame"
	"epdpanel/internal/model"
)

func serve(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestFetchFullFrame(t *testing.T) {
	t.Parallel()

	bitmap := make([]byte, 48000)
	bitmap[10] = 0xAA
	body := frame.EncodeFull(bitmap)
	url := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		// Large bodies are chunked unless the length is declared.
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	})

	pool := model.NewPool()
	job := New(url, pool, 0, 1<<20).Fetch(context.Background())

	assert.Equal(t, model.KindDisplay, job.Kind)
	assert.Equal(t, 48000, job.Len())
	assert.Equal(t, bitmap, job.Data())
	assert.Empty(t, job.Reason)
	assert.True(t, job.Release())
	assert.Zero(t, pool.Live())
}

func TestFetchPartialFrame(t *testing.T) {
	t.Parallel()

	r := model.Region{X: 10, Y: 20, W: 80, H: 40}
	url := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(frame.EncodePartial(r, make([]byte, 400)))
	})

	job := New(url, model.NewPool(), 0, 0).Fetch(context.Background())
	defer job.Release()

	assert.Equal(t, model.KindDisplayPartial, job.Kind)
	assert.Equal(t, r, job.Region)
	assert.Equal(t, 400, job.Len())
}

func TestFetchFallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		reason  string
	}{
		{
			name: "non-200",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", http.StatusInternalServerError)
			},
			reason: "unexpected status",
		},
		{
			name: "missing content length",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte{0, 0})
				w.(http.Flusher).Flush()
				_, _ = w.Write([]byte{0, 0})
			},
			reason: "missing Content-Length",
		},
		{
			name: "short body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Length", "20")
				_, _ = w.Write([]byte{0, 0, 0, 0})
			},
			reason: "short body",
		},
		{
			name: "too large",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(make([]byte, 64))
			},
			reason: "exceeds",
		},
		{
			name: "unknown command",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte{7, 0, 0, 0})
			},
			reason: "unknown frame command",
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Length", "0")
			},
			reason: "frame too short",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool := model.NewPool()
			job := New(serve(t, tt.handler), pool, 0, 32).Fetch(context.Background())

			assert.Equal(t, model.KindClear, job.Kind)
			assert.False(t, job.HasBuffer())
			assert.Contains(t, job.Reason, tt.reason)
			assert.Zero(t, pool.Live())
		})
	}
}

func TestFetchShortBodyUnderLargeLimit(t *testing.T) {
	t.Parallel()

	url := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte{0, 0, 0, 0})
	})

	pool := model.NewPool()
	job := New(url, pool, 0, 1<<20).Fetch(context.Background())

	assert.Equal(t, model.KindClear, job.Kind)
	assert.Contains(t, job.Reason, "short body: read 4 of 100 bytes")
	assert.Zero(t, pool.Allocated())
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	job := New(url, model.NewPool(), 0, 0).Fetch(context.Background())
	assert.Equal(t, model.KindClear, job.Kind)
	assert.Contains(t, job.Reason, "fetch failed")
}

func TestFetchEmptyURL(t *testing.T) {
	t.Parallel()

	job := New("", model.NewPool(), 0, 0).Fetch(context.Background())
	assert.Equal(t, model.KindClear, job.Kind)
	require.NotEmpty(t, job.Reason)
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/img.bin?token=abc"))
	assert.Equal(t, "(redacted)", redactURL("not a url"))
}
