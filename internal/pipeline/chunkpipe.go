package pipeline

import (
	"context"
	"io"
)

// chunkPipe is an in-memory, bounded-capacity conduit between two pipeline
// stages, each running on its own goroutine (spec.md §5). Unlike io.Pipe
// (capacity zero, every Write rendezvous with a Read), chunkPipe holds up
// to numChunks full buffers in flight, matching spec.md §9's guidance to
// prefer "a small fixed number of in-flight chunks... over large single
// buffers" for both backpressure and prompt cancellation: once the channel
// is full, Write blocks until the downstream stage drains one, and a
// cancelled ctx unblocks both sides immediately instead of leaving them
// parked on an unbounded buffer.
type chunkPipe struct {
	ctx    context.Context
	pool   *Pool
	ch     chan []byte
	errCh  chan error // receives exactly one value: the writer's terminal error (nil on clean EOF)

	cur []byte // write-side accumulation buffer, reused across Write calls
}

func newChunkPipe(ctx context.Context, pool *Pool, numChunks int) *chunkPipe {
	return &chunkPipe{
		ctx:   ctx,
		pool:  pool,
		ch:    make(chan []byte, numChunks),
		errCh: make(chan error, 1),
	}
}

// Write implements io.Writer. It accumulates p into ChunkSize buffers and
// sends each full buffer downstream, blocking under backpressure.
func (c *chunkPipe) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if c.cur == nil {
			c.cur = c.pool.Get(ChunkSize, AllocateExact)[:0]
		}
		n := copy(c.cur[len(c.cur):cap(c.cur)], p)
		c.cur = c.cur[:len(c.cur)+n]
		p = p[n:]
		total += n
		if len(c.cur) == cap(c.cur) {
			if err := c.sendChunk(c.cur); err != nil {
				return total, err
			}
			c.cur = nil
		}
	}
	return total, nil
}

func (c *chunkPipe) sendChunk(buf []byte) error {
	select {
	case c.ch <- buf:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// CloseWrite flushes any partial buffer and signals EOF (or propagates
// cause as the reader's terminal error).
func (c *chunkPipe) CloseWrite(cause error) error {
	if cause == nil && len(c.cur) > 0 {
		if err := c.sendChunk(c.cur); err != nil {
			cause = err
		}
		c.cur = nil
	}
	close(c.ch)
	c.errCh <- cause
	return nil
}

// Read implements io.Reader, draining chunks as they arrive and returning
// each buffer to the pool once fully consumed.
type chunkPipeReader struct {
	p    *chunkPipe
	buf  []byte // original buffer received from the channel, for returning to the pool
	off  int
	done bool
}

func (c *chunkPipe) Reader() io.Reader { return &chunkPipeReader{p: c} }

func (r *chunkPipeReader) Read(p []byte) (int, error) {
	for r.off >= len(r.buf) {
		if r.buf != nil {
			r.p.pool.Put(r.buf[:cap(r.buf)])
			r.buf, r.off = nil, 0
		}
		if r.done {
			return 0, io.EOF
		}
		select {
		case buf, ok := <-r.p.ch:
			if !ok {
				r.done = true
				if err := <-r.p.errCh; err != nil {
					return 0, err
				}
				return 0, io.EOF
			}
			r.buf = buf
			r.off = 0
		case <-r.p.ctx.Done():
			return 0, r.p.ctx.Err()
		}
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}
