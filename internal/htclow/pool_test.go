package htclow

import (
	"context"
	"testing"
	"time"
)

func TestBufferPoolAcquireRelease(t *testing.T) {
	p := newBufferPool(2048, 1024)
	if p.stats().Capacity != 2 {
		t.Fatalf("expected capacity 2, got %d", p.stats().Capacity)
	}

	buf, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(buf) != 1024 {
		t.Fatalf("expected buffer of 1024 bytes, got %d", len(buf))
	}

	if p.stats().Free != 1 {
		t.Fatalf("expected 1 free buffer, got %d", p.stats().Free)
	}

	p.Release(buf)
	if p.stats().Free != 2 {
		t.Fatalf("expected 2 free buffers after release, got %d", p.stats().Free)
	}
}

func TestBufferPoolBlocksWhenEmpty(t *testing.T) {
	p := newBufferPool(1024, 1024)

	buf, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to block and time out on an empty pool")
	}

	p.Release(buf)
}

func TestBufferPoolAcquireUnblocksOnRelease(t *testing.T) {
	p := newBufferPool(1024, 1024)
	buf, _ := p.Acquire(context.Background())

	done := make(chan []byte, 1)
	go func() {
		b, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("Acquire: %v", err)
		}
		done <- b
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(buf)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestBufferPoolMinimumOneSlot(t *testing.T) {
	p := newBufferPool(10, 1024)
	if p.stats().Capacity != 1 {
		t.Fatalf("expected minimum capacity of 1, got %d", p.stats().Capacity)
	}
}
