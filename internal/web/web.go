// Package web exposes the HTTP control surface: enqueue routes, image
// upload, preview, and status.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"image/png"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"epdpanel/internal/config"
	"epdpanel/internal/epd"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
	"epdpanel/internal/queue"
	"epdpanel/internal/schedule"
	"epdpanel/internal/worker"
)

// Deps are the collaborators the handlers need. Capture and Refresh may be
// nil, in which case their routes answer 404.
type Deps struct {
	Config  *config.Config
	Jobs    *queue.Queue
	Pool    *model.Pool
	Panel   epd.Panel
	Stats   func() worker.Stats
	Capture func(ctx context.Context) (model.Job, error)
	Refresh func(ctx context.Context) error
}

// Server provides the HTTP API.
type Server struct {
	cfg     *config.Config
	jobs    *queue.Queue
	pool    *model.Pool
	panel   epd.Panel
	stats   func() worker.Stats
	capture func(ctx context.Context) (model.Job, error)
	refresh func(ctx context.Context) error

	limiter *IPRateLimiter
	router  chi.Router
}

// NewServer constructs a Server and registers its routes.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:     d.Config,
		jobs:    d.Jobs,
		pool:    d.Pool,
		panel:   d.Panel,
		stats:   d.Stats,
		capture: d.Capture,
		refresh: d.Refresh,
	}
	if s.cfg.RateLimitPerMinute > 0 {
		s.limiter = NewIPRateLimiter(s.cfg.RateLimitPerMinute)
	}
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		r.Use(s.basicAuthMiddleware)
	}

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/preview.png", s.handlePreview)
	r.Get("/api/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(RateLimitMiddleware(s.limiter))
		}
		r.Get("/init", s.handleKind(model.KindInit))
		r.Get("/clear", s.handleKind(model.KindClear))
		r.Get("/clear_black", s.handleKind(model.KindClearBlack))
		r.Get("/sleep", s.handleKind(model.KindSleep))
		r.Post("/upload_image", s.handleUpload)
		r.Get("/capture", s.handleCapture)
		r.Get("/refresh", s.handleRefresh)
	})

	s.router = r
}

// Serve runs an HTTP server on cfg.Listen until ctx is cancelled, then
// shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.limiter != nil {
		s.limiter.StartCleanup(ctx)
	}

	errc := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdpanel", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start).String(),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "epdpanel e-paper server")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "OK")
}

// handleKind enqueues a bufferless job of kind k.
func (s *Server) handleKind(k model.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.enqueue(w, r, model.NewJob(k)) {
			return
		}
		writeText(w, http.StatusOK, k.String()+" queued")
	}
}

// enqueue waits for a free slot up to the configured timeout, or for as
// long as the request lives when the timeout is zero. On failure it
// releases the job, writes 503, and returns false.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, job model.Job) bool {
	var err error
	if d := s.cfg.EnqueueTimeout(); d > 0 {
		err = s.jobs.SendTimeout(job, d)
	} else {
		err = s.jobs.Send(r.Context(), job)
	}
	if err != nil {
		job.Release()
		appLog.Warn("enqueue failed", "id", job.ID.String(), "kind", job.Kind.String(), "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, "queue full")
		return false
	}
	appLog.Info("job queued", "id", job.ID.String(), "kind", job.Kind.String(), "queued", s.jobs.Len())
	return true
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil {
		writeError(w, http.StatusNotFound, "capture not configured")
		return
	}
	job, err := s.capture(r.Context())
	if err != nil {
		appLog.Error("capture failed", err)
		writeError(w, http.StatusBadGateway, "capture failed")
		return
	}
	if !s.enqueue(w, r, job) {
		return
	}
	writeText(w, http.StatusOK, "capture queued")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresh == nil {
		writeError(w, http.StatusNotFound, "refresh not configured")
		return
	}
	err := s.refresh(r.Context())
	switch {
	case err == nil:
		writeText(w, http.StatusOK, "refresh queued")
	case errors.Is(err, schedule.ErrDropped):
		writeText(w, http.StatusOK, "refresh failed, panel unchanged")
	case errors.Is(err, queue.ErrSendTimeout):
		writeError(w, http.StatusServiceUnavailable, "queue full")
	default:
		appLog.Error("refresh failed", err)
		writeError(w, http.StatusBadGateway, "refresh failed")
	}
}

// handlePreview renders the current panel contents as PNG when the panel
// backend supports it.
func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	p, ok := s.panel.(epd.Previewer)
	if !ok {
		writeError(w, http.StatusNotFound, "preview not available")
		return
	}
	img, err := p.Preview()
	if err != nil {
		appLog.Error("preview failed", err)
		writeError(w, http.StatusInternalServerError, "preview failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		appLog.Error("failed to write preview", err)
	}
}

type queueStatus struct {
	Len int `json:"len"`
	Cap int `json:"cap"`
}

type statusResponse struct {
	Queue       queueStatus  `json:"queue"`
	Worker      worker.Stats `json:"worker"`
	LiveBuffers int64        `json:"live_buffers"`
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Driver      string       `json:"driver"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Queue:       queueStatus{Len: s.jobs.Len(), Cap: s.jobs.Cap()},
		LiveBuffers: s.pool.Live(),
		Width:       s.cfg.Panel.Width,
		Height:      s.cfg.Panel.Height,
		Driver:      s.cfg.Panel.Driver,
	}
	if s.stats != nil {
		resp.Worker = s.stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
