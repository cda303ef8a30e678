package htclow

import (
	"context"
	"testing"
	"time"
)

func newTestChannel() *Channel {
	return newChannel(ChannelID{ModuleID: 1, ChannelID: 0}, DefaultChannelConfig, 4096, 4096, 0)
}

func TestChannelStartsUnconnectable(t *testing.T) {
	c := newTestChannel()
	if c.State() != ChannelUnconnectable {
		t.Fatalf("expected Unconnectable, got %s", c.State())
	}
}

func TestChannelCarrierReadyTransitionsToConnectable(t *testing.T) {
	c := newTestChannel()
	c.markCarrierReady()
	if c.State() != ChannelConnectable {
		t.Fatalf("expected Connectable, got %s", c.State())
	}
}

func TestChannelConnectRequiresConnectable(t *testing.T) {
	c := newTestChannel()
	err := c.Connect(context.Background(), func([]byte) error { return nil }, func(context.Context) ([]byte, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected error connecting before carrier is ready")
	}
}

func TestChannelHandshakeSuccess(t *testing.T) {
	c := newTestChannel()
	c.markCarrierReady()

	err := c.Connect(context.Background(),
		func(b []byte) error { return nil },
		func(context.Context) ([]byte, error) { return []byte("SYNACK"), nil },
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != ChannelConnected {
		t.Fatalf("expected Connected, got %s", c.State())
	}
}

func TestChannelHandshakeRejectsBadReply(t *testing.T) {
	c := newTestChannel()
	c.markCarrierReady()

	err := c.Connect(context.Background(),
		func(b []byte) error { return nil },
		func(context.Context) ([]byte, error) { return []byte("GARBAGE"), nil },
	)
	if err == nil {
		t.Fatal("expected error for bad handshake reply")
	}
	if c.State() == ChannelConnected {
		t.Fatal("must not reach Connected on bad handshake reply")
	}
}

func TestChannelNoHandshakeConnectsImmediately(t *testing.T) {
	c := newChannel(ChannelID{ModuleID: 1, ChannelID: 1}, BulkSendChannelConfig, 4096, 4096, 0)
	c.markCarrierReady()
	if err := c.Connect(context.Background(), nil, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != ChannelConnected {
		t.Fatalf("expected Connected, got %s", c.State())
	}
}

func TestChannelSendReceiveRoundTrip(t *testing.T) {
	c := newTestChannel()
	c.markCarrierReady()
	c.setState(ChannelConnected)

	if err := c.deliver([]byte("payload")); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	buf := make([]byte, 7)
	n, err := c.Receive(buf, ReceiveNonBlocking)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Fatalf("got %q, want payload", buf[:n])
	}
}

func TestChannelReceiveNonBlockingEmptyReturnsError(t *testing.T) {
	c := newTestChannel()
	buf := make([]byte, 4)
	_, err := c.Receive(buf, ReceiveNonBlocking)
	if err != ErrReceiveBufferEmpty {
		t.Fatalf("expected ErrReceiveBufferEmpty, got %v", err)
	}
}

func TestChannelCloseUnblocksReceive(t *testing.T) {
	c := newTestChannel()
	c.setState(ChannelConnected)

	done := make(chan error, 1)
	go func() {
		_, err := c.Receive(make([]byte, 4), ReceiveAny)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err != ErrChannelDisconnected {
			t.Fatalf("expected ErrChannelDisconnected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock on Close")
	}
	if c.State() != ChannelDisconnected {
		t.Fatalf("expected Disconnected after Close, got %s", c.State())
	}
}

func TestChannelReceiveAdvancesRingTail(t *testing.T) {
	c := newChannel(ChannelID{ModuleID: 1, ChannelID: 0}, DefaultChannelConfig, 64, 64, 0)
	c.setState(ChannelConnected)

	buf := make([]byte, 16)
	// Deliver and drain well past the buffer's 64-byte capacity. If Receive
	// never advanced the ring's tail, available() would shrink monotonically
	// and this delivery would block forever once cumulative traffic passed
	// 64 bytes.
	for i := 0; i < 16; i++ {
		if err := c.deliver([]byte("0123456789012345")); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
		n, err := c.Receive(buf, ReceiveAll)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if n != len(buf) {
			t.Fatalf("Receive %d: got %d bytes, want %d", i, n, len(buf))
		}
	}

	if tail := c.recvBuf.Tail(); tail != c.recvOffset.Load() {
		t.Fatalf("ring tail = %d, want it to track recvOffset = %d", tail, c.recvOffset.Load())
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	c := newTestChannel()
	c.Close()
	c.Close() // must not panic or double-close buffers
}
