// Package queue is the fixed-capacity job channel between producers (HTTP
// handlers, the scheduler) and the single display worker.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"epdpanel/internal/model"
)

// DefaultCapacity matches the number of slots the panel firmware used.
const DefaultCapacity = 10

// ErrSendTimeout is returned by SendTimeout when no slot frees up in time.
// The job was not enqueued and is still owned by the caller.
var ErrSendTimeout = errors.New("queue: send timed out, queue full")

// Queue is a FIFO of Jobs. Any number of goroutines may send; exactly one
// goroutine is expected to receive.
type Queue struct {
	jobs  chan model.Job
	clock clockwork.Clock
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for SendTimeout.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// New creates a Queue with the given capacity. Non-positive capacities fall
// back to DefaultCapacity.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		jobs:  make(chan model.Job, capacity),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Send blocks until the job is enqueued or ctx is done.
func (q *Queue) Send(ctx context.Context, job model.Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTimeout waits at most d for a free slot. A zero or negative d waits
// forever.
func (q *Queue) SendTimeout(job model.Job, d time.Duration) error {
	if d <= 0 {
		q.jobs <- job
		return nil
	}

	select {
	case q.jobs <- job:
		return nil
	default:
	}

	timer := q.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case q.jobs <- job:
		return nil
	case <-timer.Chan():
		return ErrSendTimeout
	}
}

// Receive blocks until a job is available or ctx is done.
func (q *Queue) Receive(ctx context.Context) (model.Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return model.Job{}, ctx.Err()
	}
}

// Drain removes all queued jobs without blocking and releases their
// buffers. It returns the number of jobs dropped.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case job := <-q.jobs:
			job.Release()
			n++
		default:
			return n
		}
	}
}

// Len is the number of jobs currently queued.
func (q *Queue) Len() int { return len(q.jobs) }

// Cap is the fixed capacity.
func (q *Queue) Cap() int { return cap(q.jobs) }
