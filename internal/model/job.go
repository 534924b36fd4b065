package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies one unit of display work.
type Kind int

const (
	// KindUndefined is the zero value. It is never produced on purpose and
	// the worker treats it as a logged no-op.
	KindUndefined Kind = iota
	KindInit
	KindClear
	KindClearBlack
	KindSleep
	KindDisplay
	KindDisplayPartial
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindClear:
		return "clear"
	case KindClearBlack:
		return "clear_black"
	case KindSleep:
		return "sleep"
	case KindDisplay:
		return "display"
	case KindDisplayPartial:
		return "display_partial"
	default:
		return "undefined"
	}
}

// Region is a sub-rectangle of the panel in device pixels. W is expected
// to be a multiple of 8 since rows are byte packed.
type Region struct {
	X, Y, W, H uint32
}

// Size is the packed byte length of a bitmap covering the region.
func (r Region) Size() int {
	return int(r.W/8) * int(r.H)
}

func (r Region) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.X, r.Y, r.W, r.H)
}

// Job is a unit of work handed from a producer to the display worker.
// Display jobs own their Buffer; the worker is the only party that
// releases it.
type Job struct {
	ID     uuid.UUID
	Kind   Kind
	Region Region
	// Reason is set when the job is a fallback for a failed fetch or
	// decode, so logs can tell it apart from a requested clear.
	Reason string

	buf    *Buffer
	length int
}

// NewJob builds a bufferless job of the given kind.
func NewJob(kind Kind) Job {
	return Job{ID: uuid.New(), Kind: kind}
}

// Fallback builds the bufferless Clear job substituted for failed fetches
// and undecodable frames.
func Fallback(reason string) Job {
	j := NewJob(KindClear)
	j.Reason = reason
	return j
}

// NewDisplay moves buf into a full-frame job with the given logical length.
func NewDisplay(buf *Buffer, length int) Job {
	j := NewJob(KindDisplay)
	j.buf = buf.move()
	j.length = length
	return j
}

// NewDisplayPartial moves buf into a partial-redraw job for region.
func NewDisplayPartial(buf *Buffer, length int, region Region) Job {
	j := NewJob(KindDisplayPartial)
	j.buf = buf.move()
	j.length = length
	j.Region = region
	return j
}

// Len is the logical byte length of the job's bitmap.
func (j Job) Len() int {
	return j.length
}

// HasBuffer reports whether the job carries a pixel buffer.
func (j Job) HasBuffer() bool {
	return j.buf != nil
}

// Data returns the first Len bytes of the buffer, or nil if the job has no
// buffer or the length does not fit the allocation.
func (j Job) Data() []byte {
	b := j.buf.Bytes()
	if b == nil || j.length < 0 || j.length > len(b) {
		return nil
	}
	return b[:j.length]
}

// Release frees the job's buffer. Safe to call on bufferless jobs; only the
// first call on a given buffer has any effect.
func (j Job) Release() bool {
	return j.buf.Release()
}

// Geometry describes the panel resolution.
type Geometry struct {
	Width  int
	Height int
}

// Stride is the number of bytes per packed row, ceil(Width/8).
func (g Geometry) Stride() int {
	return (g.Width + 7) / 8
}

// FrameSize is the byte length of a full packed frame.
func (g Geometry) FrameSize() int {
	return g.Stride() * g.Height
}

// Contains reports whether r lies fully inside the panel.
func (g Geometry) Contains(r Region) bool {
	return uint64(r.X)+uint64(r.W) <= uint64(g.Width) &&
		uint64(r.Y)+uint64(r.H) <= uint64(g.Height)
}
