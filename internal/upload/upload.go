// Package upload assembles a chunked HTTP request body into an owned
// buffer and turns it into a full-frame display job.
package upload

import (
	"errors"
	"fmt"

	"epdpanel/internal/model"
)

var (
	// ErrTooLarge means the declared content length exceeds the maximum.
	ErrTooLarge = errors.New("upload: file too large")
	// ErrLengthRequired means the request did not declare its length.
	ErrLengthRequired = errors.New("upload: content length required")
	// ErrOverflow means a chunk landed beyond the declared length.
	ErrOverflow = errors.New("upload: chunk exceeds declared length")
	// ErrNothingUploaded means finish was called without any data, or a
	// second time for the same request.
	ErrNothingUploaded = errors.New("upload: nothing uploaded")
)

// Accumulator owns the buffer for one in-flight upload. A nil
// *Accumulator is valid and behaves like a request that never received
// data.
type Accumulator struct {
	buf      *model.Buffer
	received int
}

// Begin starts an upload of declared bytes. Nothing is allocated when the
// declared length is unknown or above max.
func Begin(pool *model.Pool, declared, max int64) (*Accumulator, error) {
	if declared < 0 {
		return nil, ErrLengthRequired
	}
	if declared > max {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, declared, max)
	}
	return &Accumulator{buf: pool.Get(int(declared))}, nil
}

// Write copies chunk into the buffer at offset and counts it as received.
func (a *Accumulator) Write(offset int64, chunk []byte) error {
	if a == nil || a.buf == nil {
		return ErrNothingUploaded
	}
	if len(chunk) == 0 {
		return nil
	}
	data := a.buf.Bytes()
	end := offset + int64(len(chunk))
	if offset < 0 || end > int64(len(data)) {
		return fmt.Errorf("%w: bytes [%d,%d) of %d", ErrOverflow, offset, end, len(data))
	}
	copy(data[offset:end], chunk)
	a.received += len(chunk)
	return nil
}

// Received is the number of bytes accumulated so far.
func (a *Accumulator) Received() int {
	if a == nil {
		return 0
	}
	return a.received
}

// Finish hands the buffer to a Display job whose length is the number of
// bytes actually received, not the declared length. The accumulator gives
// up its reference, so a second Finish or Abort does nothing.
func (a *Accumulator) Finish() (model.Job, error) {
	if a == nil || a.buf == nil {
		return model.Job{}, ErrNothingUploaded
	}
	job := model.NewDisplay(a.buf, a.received)
	a.buf = nil
	return job, nil
}

// Abort releases the buffer if the accumulator still owns it.
func (a *Accumulator) Abort() {
	if a == nil || a.buf == nil {
		return
	}
	a.buf.Release()
	a.buf = nil
}
