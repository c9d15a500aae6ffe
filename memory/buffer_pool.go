package memory

import (
	"sync"
	"sync/atomic"
)

// BufferPool recycles statement scratch buffers. Accounting for the bytes is
// done with a KindScratchBuffer block; the pool only avoids reallocating.
type BufferPool struct {
	pool     sync.Pool
	acquired uint64
	released uint64
	created  uint64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

// Acquire gets a zero-length buffer with at least size capacity
func (bp *BufferPool) Acquire(size int) []byte {
	atomic.AddUint64(&bp.acquired, 1)
	if v := bp.pool.Get(); v != nil {
		b := *(v.(*[]byte))
		if cap(b) >= size {
			return b[:0]
		}
	}
	atomic.AddUint64(&bp.created, 1)
	return make([]byte, 0, size)
}

// Release returns a buffer to the pool
func (bp *BufferPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	atomic.AddUint64(&bp.released, 1)
	buf = buf[:0]
	bp.pool.Put(&buf)
}

// PoolStats represents statistics for a pool
type PoolStats struct {
	Acquired uint64 `json:"acquired"`
	Released uint64 `json:"released"`
	Created  uint64 `json:"created"`
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() PoolStats {
	return PoolStats{
		Acquired: atomic.LoadUint64(&bp.acquired),
		Released: atomic.LoadUint64(&bp.released),
		Created:  atomic.LoadUint64(&bp.created),
	}
}
