// Package jobs implements background copy operations over the node graph:
// mirroring a disk to a new target and committing overlay data into a
// backing image, with throttling, pause/resume and cancellation.
package jobs

import "context"

// bufferPool hands out fixed-size copy buffers from a bounded budget so a
// slow target cannot make a job allocate without limit. Get blocks until a
// buffer is free or the context ends.
type bufferPool struct {
	buffers chan []byte
	size    int64
}

// newBufferPool splits budget bytes into chunkSize buffers, always keeping
// at least one.
func newBufferPool(budget, chunkSize int64) *bufferPool {
	n := budget / chunkSize
	if n < 1 {
		n = 1
	}
	p := &bufferPool{
		buffers: make(chan []byte, n),
		size:    chunkSize,
	}
	for i := int64(0); i < n; i++ {
		p.buffers <- make([]byte, chunkSize)
	}
	return p
}

func (p *bufferPool) get(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.buffers:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *bufferPool) put(buf []byte) {
	p.buffers <- buf[:p.size]
}

// free reports how many buffers are currently available.
func (p *bufferPool) free() int {
	return len(p.buffers)
}
