package htclow

import (
	"context"
	"fmt"
	"sync/atomic"
)

// bufferPool is a fixed-capacity pool of packet-sized byte buffers. Per
// 4.D/5, packet buffers are drawn from pools sized at manager construction
// time to bound memory use; Acquire blocks when the pool is empty rather
// than growing.
type bufferPool struct {
	bufSize int
	slots   chan []byte

	acquired atomic.Int64
	waits    atomic.Int64
}

// newBufferPool allocates capacity/bufSize buffers of bufSize bytes each,
// so the pool holds at most capacity bytes in total.
func newBufferPool(capacityBytes int64, bufSize int) *bufferPool {
	if bufSize <= 0 {
		bufSize = MaxBodySize
	}
	count := int(capacityBytes / int64(bufSize))
	if count < 1 {
		count = 1
	}

	p := &bufferPool{
		bufSize: bufSize,
		slots:   make(chan []byte, count),
	}
	for i := 0; i < count; i++ {
		p.slots <- make([]byte, bufSize)
	}
	return p
}

// Acquire blocks until a buffer is available or ctx is canceled.
func (p *bufferPool) Acquire(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.slots:
		p.acquired.Add(1)
		return buf, nil
	default:
	}

	p.waits.Add(1)
	select {
	case buf := <-p.slots:
		p.acquired.Add(1)
		return buf, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("htclow: acquiring packet buffer: %w", ctx.Err())
	}
}

// Release returns buf to the pool. The caller must not retain buf after
// calling Release.
func (p *bufferPool) Release(buf []byte) {
	if cap(buf) != p.bufSize {
		return // foreign buffer, drop rather than corrupt the pool
	}
	select {
	case p.slots <- buf[:p.bufSize]:
	default:
		// Pool already full (double release); drop silently.
	}
}

// poolStats reports coarse pool pressure for the dashboard/metrics layer.
type poolStats struct {
	Capacity int
	Free     int
	Waits    int64
}

func (p *bufferPool) stats() poolStats {
	return poolStats{
		Capacity: cap(p.slots),
		Free:     len(p.slots),
		Waits:    p.waits.Load(),
	}
}
