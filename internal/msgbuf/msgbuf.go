// Package msgbuf provides the scratch message buffers used for one request
// and its response.
//
// A Buffer is borrowed for the duration of a single call and must be
// released on every exit path; the usual shape is
//
//	buf := pool.Acquire()
//	defer buf.Release()
//
// Buffers are never shared between concurrent calls, which is what lets
// independent goroutines dispatch at the same time.
package msgbuf

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/sfipc/internal/hipc"
)

// Buffer is one borrowed message buffer.
type Buffer struct {
	data     [hipc.MessageBufferSize]byte
	pool     *Pool
	released bool
}

// Bytes returns the full fixed-capacity region.
func (b *Buffer) Bytes() []byte { return b.data[:] }

// Release returns the buffer to its pool. Extra calls are ignored.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	b.pool.put(b)
}

// Pool hands out zeroed buffers.
type Pool struct {
	p           sync.Pool
	outstanding atomic.Int64
}

func NewPool() *Pool {
	pool := &Pool{}
	pool.p.New = func() any { return &Buffer{pool: pool} }
	return pool
}

var defaultPool = NewPool()

// Default is the process-wide pool.
func Default() *Pool { return defaultPool }

// Acquire borrows a cleared buffer.
func (p *Pool) Acquire() *Buffer {
	b := p.p.Get().(*Buffer)
	b.released = false
	clear(b.data[:])
	p.outstanding.Add(1)
	return b
}

// Outstanding is the number of buffers acquired and not yet released.
func (p *Pool) Outstanding() int64 { return p.outstanding.Load() }

func (p *Pool) put(b *Buffer) {
	p.outstanding.Add(-1)
	p.p.Put(b)
}
