package pipeline

import "sync"

// ChunkSize is the unit the bounded inter-stage pipes move data in. Picked
// to land inside spec.md §9's suggested "4-16 chunks of ~256KiB".
const ChunkSize = 256 * 1024

// NoFitBehavior controls what Pool.Get does when asked for a size other
// than ChunkSize - in practice this only happens for the final, partial
// chunk of a stream. Named after the teacher's buffer-pool "no fit"
// policy enum (internal/rpc/dataconn/base2bufpool), reimplemented by hand
// rather than kept as generated scaffolding (see DESIGN.md).
type NoFitBehavior int

const (
	// AllocateExact bypasses the pool and allocates a slice of exactly the
	// requested size. Used for the final, undersized chunk of a stream so
	// pool buffers stay a single fixed size.
	AllocateExact NoFitBehavior = iota
)

// Pool is a fixed-size-buffer free list. It never blocks: on exhaustion it
// allocates, so a Pool only bounds *steady-state* allocation, not a hard
// cap - the hard cap on in-flight memory comes from the bounded channel in
// chunkPipe, which limits how many buffers can be outstanding at once.
type Pool struct {
	pool sync.Pool
}

func NewPool() *Pool {
	return &Pool{pool: sync.Pool{New: func() any { return make([]byte, ChunkSize) }}}
}

// Get returns a buffer of exactly size bytes. size == ChunkSize is served
// from the pool; any other size (the final partial chunk) is allocated
// directly per AllocateExact.
func (p *Pool) Get(size int, _ NoFitBehavior) []byte {
	if size == ChunkSize {
		buf := p.pool.Get().([]byte)
		return buf[:ChunkSize]
	}
	return make([]byte, size)
}

// Put returns buf to the pool if it is exactly ChunkSize; anything else
// (an AllocateExact buffer) is left for the garbage collector.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == ChunkSize {
		p.pool.Put(buf[:ChunkSize]) //nolint:staticcheck // deliberate full-capacity reslice before returning to pool
	}
}
