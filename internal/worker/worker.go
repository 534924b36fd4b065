// Package worker runs the display worker: the only goroutine allowed to
// call the panel primitives.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"epdpanel/internal/epd"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
	"epdpanel/internal/queue"
)

// step is one hardware action in a job's sequence.
type step int

const (
	stepInit step = iota
	stepInitPartial
	stepClear
	stepClearBlack
	stepDraw
	stepDrawPartial
	stepSleep
)

func (s step) String() string {
	return [...]string{"init", "init_partial", "clear", "clear_black", "draw", "draw_partial", "sleep"}[s]
}

// sequences is the per-kind hardware contract. Draw steps validate the
// buffer, apply the mandatory delays, and release the buffer whatever the
// outcome.
var sequences = map[model.Kind][]step{
	model.KindInit:           {stepInit},
	model.KindClear:          {stepInit, stepClear, stepSleep},
	model.KindClearBlack:     {stepInit, stepClearBlack, stepSleep},
	model.KindSleep:          {stepSleep},
	model.KindDisplay:        {stepInit, stepDraw, stepSleep},
	model.KindDisplayPartial: {stepInitPartial, stepDrawPartial, stepSleep},
}

// Delays are the settle times around draw calls.
type Delays struct {
	PreDraw        time.Duration
	PostDraw       time.Duration
	PartialPreDraw time.Duration
}

// DefaultDelays is the vendor reference timing for the 7.5" V2 panel.
var DefaultDelays = Delays{
	PreDraw:        200 * time.Millisecond,
	PostDraw:       20 * time.Millisecond,
	PartialPreDraw: 250 * time.Millisecond,
}

// Stats are cumulative worker counters.
type Stats struct {
	Handled  int64 `json:"handled"`
	Draws    int64 `json:"draws"`
	Rejected int64 `json:"rejected"`
	Errors   int64 `json:"errors"`
}

// Worker consumes jobs from a queue and drives a panel.
type Worker struct {
	panel  epd.Panel
	jobs   *queue.Queue
	geom   model.Geometry
	clock  clockwork.Clock
	delays Delays

	handled  atomic.Int64
	draws    atomic.Int64
	rejected atomic.Int64
	errs     atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock sets the clock used for the draw delays.
func WithClock(c clockwork.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithDelays overrides the draw delays.
func WithDelays(d Delays) Option {
	return func(w *Worker) { w.delays = d }
}

// New creates a Worker for panel of geometry g, fed by jobs.
func New(panel epd.Panel, jobs *queue.Queue, g model.Geometry, opts ...Option) *Worker {
	w := &Worker{
		panel:  panel,
		jobs:   jobs,
		geom:   g,
		clock:  clockwork.NewRealClock(),
		delays: DefaultDelays,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes jobs until ctx is cancelled. Bad jobs and panel errors are
// logged and never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	appLog.Info("display worker started", "width", w.geom.Width, "height", w.geom.Height)
	for {
		job, err := w.jobs.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				dropped := w.jobs.Drain()
				appLog.Info("display worker stopped", "dropped", dropped)
				return nil
			}
			return err
		}
		w.Handle(job)
	}
}

// Handle executes the sequence for a single job.
func (w *Worker) Handle(job model.Job) {
	w.handled.Add(1)
	// Exactly one release per buffered job, on every path.
	defer job.Release()

	appLog.Info("job received",
		"id", job.ID.String(),
		"kind", job.Kind.String(),
		"len", job.Len(),
		"reason", job.Reason,
	)

	seq, ok := sequences[job.Kind]
	if !ok {
		appLog.Warn("undefined job kind, ignoring", "id", job.ID.String(), "kind", int(job.Kind))
		return
	}

	for _, s := range seq {
		if err := w.run(s, job); err != nil {
			w.errs.Add(1)
			appLog.Error("panel step failed", err, "id", job.ID.String(), "step", s.String())
		}
	}
}

func (w *Worker) run(s step, job model.Job) error {
	switch s {
	case stepInit:
		return w.panel.Init()
	case stepInitPartial:
		return w.panel.InitPartial()
	case stepClear:
		return w.panel.Clear()
	case stepClearBlack:
		return w.panel.ClearBlack()
	case stepSleep:
		return w.panel.Sleep()
	case stepDraw:
		return w.draw(job)
	case stepDrawPartial:
		return w.drawPartial(job)
	}
	return nil
}

func (w *Worker) draw(job model.Job) error {
	want := w.geom.FrameSize()
	data := job.Data()
	if job.Len() != want || data == nil {
		w.rejected.Add(1)
		appLog.Warn("size mismatch, dropping frame", "id", job.ID.String(), "len", job.Len(), "want", want)
		job.Release()
		return nil
	}

	w.clock.Sleep(w.delays.PreDraw)
	w.draws.Add(1)
	err := w.panel.Display(data)
	w.clock.Sleep(w.delays.PostDraw)
	job.Release()
	return err
}

func (w *Worker) drawPartial(job model.Job) error {
	r := job.Region
	data := job.Data()
	if job.Len() != r.Size() || data == nil || !w.geom.Contains(r) {
		w.rejected.Add(1)
		appLog.Warn("partial size mismatch, dropping frame",
			"id", job.ID.String(), "len", job.Len(), "want", r.Size(), "region", r.String())
		job.Release()
		return nil
	}

	// Drawing straight after the partial init leaves ghosting.
	w.clock.Sleep(w.delays.PartialPreDraw)
	w.draws.Add(1)
	err := w.panel.DisplayPartial(data, r)
	job.Release()
	return err
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Handled:  w.handled.Load(),
		Draws:    w.draws.Load(),
		Rejected: w.rejected.Load(),
		Errors:   w.errs.Load(),
	}
}
