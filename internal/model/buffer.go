package model

import (
	"sync"
	"sync/atomic"
)

// Buffer is an exclusively owned byte slice carried by a display Job.
//
// A Buffer has exactly one live handle at a time. Moving it (which Job
// constructors do) hands the bytes to a fresh handle and empties the old
// one, so a producer that keeps its pointer after enqueueing sees a nil
// slice and cannot release the bytes a second time.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	pool *Pool
}

// Bytes returns the underlying slice, or nil once the buffer has been
// moved or released.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Cap returns the allocated size of the buffer.
func (b *Buffer) Cap() int {
	return len(b.Bytes())
}

// Release returns the bytes to the pool. It reports whether this call
// performed the release; a second call (or a call on a moved handle) is a
// no-op that returns false.
func (b *Buffer) Release() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return false
	}
	b.data = nil
	if b.pool != nil {
		b.pool.freed.Add(1)
	}
	return true
}

// move transfers ownership to a new handle and empties b.
func (b *Buffer) move() *Buffer {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil
	}
	nb := &Buffer{data: b.data, pool: b.pool}
	b.data = nil
	return nb
}

// Pool hands out Buffers and keeps allocation/release counters. The bytes
// themselves are left to the garbage collector once released.
type Pool struct {
	allocated atomic.Int64
	freed     atomic.Int64
}

// NewPool constructs an empty Pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get allocates a zeroed Buffer of n bytes.
func (p *Pool) Get(n int) *Buffer {
	if n < 0 {
		n = 0
	}
	p.allocated.Add(1)
	return &Buffer{data: make([]byte, n), pool: p}
}

// Copy allocates a Buffer holding a copy of src.
func (p *Pool) Copy(src []byte) *Buffer {
	b := p.Get(len(src))
	copy(b.data, src)
	return b
}

// Allocated is the number of buffers handed out so far.
func (p *Pool) Allocated() int64 { return p.allocated.Load() }

// Freed is the number of buffers released so far.
func (p *Pool) Freed() int64 { return p.freed.Load() }

// Live is the number of buffers allocated but not yet released.
func (p *Pool) Live() int64 { return p.Allocated() - p.Freed() }
