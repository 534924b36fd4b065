// Package schedule runs the periodic refresh: on each cron tick it asks the
// configured source for a job and enqueues it for the display worker.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
	"epdpanel/internal/queue"
)

// Source produces one display job per refresh. A non-nil error means no
// job was produced.
type Source interface {
	Job(ctx context.Context) (model.Job, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (model.Job, error)

func (f SourceFunc) Job(ctx context.Context) (model.Job, error) { return f(ctx) }

// Options configures a Scheduler.
type Options struct {
	// Spec is a standard 5-field cron expression. Empty disables the
	// periodic tick; RunOnce still works.
	Spec string
	// EnqueueTimeout bounds the wait for a free queue slot. Zero waits
	// until the run context ends.
	EnqueueTimeout time.Duration
	// FallbackClear enqueues fallback jobs (those with a Reason). When
	// false they are dropped and the panel keeps its last image.
	FallbackClear bool
}

// Scheduler ties a Source to the job queue.
type Scheduler struct {
	src  Source
	jobs *queue.Queue
	opts Options

	// mu serializes runs so a slow fetch is never overlapped by the next
	// tick or a manual refresh.
	mu sync.Mutex
}

// New creates a Scheduler.
func New(src Source, jobs *queue.Queue, opts Options) *Scheduler {
	return &Scheduler{src: src, jobs: jobs, opts: opts}
}

// ErrDropped is returned by RunOnce when a fallback job was discarded.
var ErrDropped = errors.New("schedule: fallback job dropped")

// RunOnce runs the source once and enqueues the result.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.src.Job(ctx)
	if err != nil {
		return fmt.Errorf("schedule: source failed: %w", err)
	}

	if job.Reason != "" && !s.opts.FallbackClear {
		appLog.Warn("dropping fallback job", "id", job.ID.String(), "reason", job.Reason)
		job.Release()
		return ErrDropped
	}

	if err := s.enqueue(ctx, job); err != nil {
		job.Release()
		return fmt.Errorf("schedule: enqueue %s: %w", job.Kind, err)
	}
	appLog.Info("refresh enqueued", "id", job.ID.String(), "kind", job.Kind.String(), "queued", s.jobs.Len())
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, job model.Job) error {
	if s.opts.EnqueueTimeout > 0 {
		return s.jobs.SendTimeout(job, s.opts.EnqueueTimeout)
	}
	return s.jobs.Send(ctx, job)
}

// ClearOnStart enqueues the boot sequence that settles the panel: a Clear
// job (init, clear, sleep).
func (s *Scheduler) ClearOnStart(ctx context.Context) error {
	return s.enqueue(ctx, model.NewJob(model.KindClear))
}

// Run starts the cron loop and blocks until ctx is cancelled. If runNow is
// set a refresh is performed immediately.
func (s *Scheduler) Run(ctx context.Context, runNow bool) error {
	if runNow {
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrDropped) {
			appLog.Error("initial refresh failed", err)
		}
	}

	if s.opts.Spec == "" {
		appLog.Info("periodic refresh disabled")
		<-ctx.Done()
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.opts.Spec, func() {
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrDropped) {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule: invalid cron spec %q: %w", s.opts.Spec, err)
	}

	appLog.Info("scheduler started", "spec", s.opts.Spec)
	c.Start()
	<-ctx.Done()
	// Wait for an in-flight refresh to return.
	<-c.Stop().Done()
	appLog.Info("scheduler stopped")
	return nil
}
