package htclow

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ChannelState is one of the states a Channel moves through as the carrier
// comes up, a handshake completes, and the link eventually drops.
type ChannelState int32

const (
	ChannelUnconnectable ChannelState = iota
	ChannelConnectable
	ChannelConnected
	ChannelDisconnected
)

func (s ChannelState) String() string {
	switch s {
	case ChannelUnconnectable:
		return "unconnectable"
	case ChannelConnectable:
		return "connectable"
	case ChannelConnected:
		return "connected"
	case ChannelDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ChannelID identifies a channel by the module that owns it (HTCFS, HTCS,
// ...) and a channel number within that module. Channel 0 of a module is
// always its control/RPC channel.
type ChannelID struct {
	ModuleID  uint16
	ChannelID uint16
}

// DefaultChannelConfig is used for control channels: flow control and
// handshake both on, a conservative 16 KiB packet size.
var DefaultChannelConfig = ChannelConfig{
	FlowControlEnabled: true,
	HandshakeEnabled:   true,
	MaxPacketSize:      16 * 1024,
}

// BulkSendChannelConfig is used for outbound bulk-data secondary channels:
// no flow control or handshake overhead, large packets.
var BulkSendChannelConfig = ChannelConfig{
	MaxPacketSize: 56 * 1024,
}

// BulkReceiveChannelConfig is used for inbound bulk-data secondary channels.
var BulkReceiveChannelConfig = ChannelConfig{
	MaxPacketSize: 250 * 1024,
}

// ChannelConfig controls a channel's flow-control and handshake behavior
// and its maximum packet size for fragmentation.
type ChannelConfig struct {
	FlowControlEnabled bool
	HandshakeEnabled   bool
	MaxPacketSize      uint32
}

// Channel is one end of an HTCLOW logical channel: a send ring buffer drained
// by the manager's per-channel send-drain goroutine, a receive ring buffer
// fed by the manager's worker loop as packets arrive, an optional
// flow-control window consulted at drain time, and an optional handshake
// state machine. The send ring carries length-prefixed frames so the drain
// side can recover packet boundaries from what is otherwise just a byte
// stream.
type Channel struct {
	id     ChannelID
	config ChannelConfig

	state atomic.Int32

	sendBuf *ringBuffer
	recvBuf *ringBuffer

	sendReadOffset atomic.Int64
	recvOffset     atomic.Int64

	limiter *rate.Limiter // nil when FlowControlEnabled is false

	handshakeMu   sync.Mutex
	handshakeDone bool

	closeOnce sync.Once
}

// newChannel allocates a channel with the given buffer sizes. Buffer sizing
// is the manager's responsibility; the channel itself is agnostic to where
// the bytes came from.
func newChannel(id ChannelID, cfg ChannelConfig, sendBufSize, recvBufSize int64, flowControlRate int64) *Channel {
	c := &Channel{
		id:      id,
		config:  cfg,
		sendBuf: newRingBuffer(sendBufSize),
		recvBuf: newRingBuffer(recvBufSize),
	}
	c.state.Store(int32(ChannelUnconnectable))
	if cfg.FlowControlEnabled && flowControlRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(flowControlRate), int(cfg.MaxPacketSize))
	}
	return c
}

// State returns the channel's current state.
func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// ID returns the (module, channel) pair this channel was opened under.
func (c *Channel) ID() ChannelID {
	return c.id
}

func (c *Channel) setState(s ChannelState) {
	c.state.Store(int32(s))
}

// markCarrierReady transitions Unconnectable -> Connectable when the
// carrier signals it is up.
func (c *Channel) markCarrierReady() {
	c.state.CompareAndSwap(int32(ChannelUnconnectable), int32(ChannelConnectable))
}

// Connect drives the handshake (SYN/SYN-ACK/ACK) when HandshakeEnabled, or
// transitions straight to Connected otherwise. send/recv are the control-
// channel primitives used to exchange the handshake packets; a bulk data
// channel with HandshakeEnabled=false skips them entirely.
func (c *Channel) Connect(ctx context.Context, send func([]byte) error, recv func(context.Context) ([]byte, error)) error {
	if c.State() != ChannelConnectable {
		return fmt.Errorf("htclow: channel %+v not connectable (state=%s)", c.id, c.State())
	}

	if !c.config.HandshakeEnabled {
		c.setState(ChannelConnected)
		return nil
	}

	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()

	if err := send([]byte{'S', 'Y', 'N'}); err != nil {
		return fmt.Errorf("htclow: sending SYN: %w", err)
	}
	synAck, err := recv(ctx)
	if err != nil {
		return fmt.Errorf("htclow: waiting for SYN-ACK: %w", err)
	}
	if string(synAck) != "SYNACK" {
		return fmt.Errorf("htclow: unexpected handshake reply %q", synAck)
	}
	if err := send([]byte("ACK")); err != nil {
		return fmt.Errorf("htclow: sending ACK: %w", err)
	}

	c.handshakeDone = true
	c.setState(ChannelConnected)
	return nil
}

// enqueueSend appends an already-encoded wire frame to the channel's
// outbound ring buffer as a 4-byte little-endian length prefix followed by
// the frame bytes, so dequeueSend can recover frame boundaries from the
// underlying byte stream. It blocks until there is room or the channel
// closes.
func (c *Channel) enqueueSend(frame []byte) error {
	if c.State() == ChannelDisconnected {
		return ErrChannelDisconnected
	}

	framed := make([]byte, 4+len(frame))
	binary.LittleEndian.PutUint32(framed[:4], uint32(len(frame)))
	copy(framed[4:], frame)

	if _, err := c.sendBuf.Write(framed); err != nil {
		if err == ErrBufferClosed {
			return ErrChannelDisconnected
		}
		return err
	}
	return nil
}

// dequeueSend blocks until one full length-prefixed frame is available in
// the send ring buffer, then returns its payload. Called only by the
// manager's send-drain goroutine for this channel; a single reader is
// assumed, matching the one-drain-goroutine-per-channel contract Manager
// upholds.
func (c *Channel) dequeueSend() ([]byte, error) {
	lenPrefix := make([]byte, 4)
	offset := c.sendReadOffset.Load()
	if _, err := c.sendBuf.Receive(offset, lenPrefix, ReceiveAll); err != nil {
		if err == ErrBufferClosed {
			return nil, ErrChannelDisconnected
		}
		return nil, err
	}

	frameLen := binary.LittleEndian.Uint32(lenPrefix)
	frame := make([]byte, frameLen)
	if frameLen > 0 {
		if _, err := c.sendBuf.Receive(offset+4, frame, ReceiveAll); err != nil {
			if err == ErrBufferClosed {
				return nil, ErrChannelDisconnected
			}
			return nil, err
		}
	}

	newOffset := offset + 4 + int64(frameLen)
	c.sendReadOffset.Store(newOffset)
	c.sendBuf.Advance(newOffset)
	return frame, nil
}

// Receive reads from the channel's inbound ring buffer at the channel's
// current read cursor, advances the cursor by however many bytes were
// returned, and advances the buffer's tail to match so the space those
// bytes occupied is reclaimed for the worker's next delivery.
func (c *Channel) Receive(p []byte, mode ReceiveMode) (int, error) {
	offset := c.recvOffset.Load()
	n, err := c.recvBuf.Receive(offset, p, mode)
	if err == ErrBufferClosed {
		return n, ErrChannelDisconnected
	}
	if n > 0 {
		newOffset := c.recvOffset.Add(int64(n))
		c.recvBuf.Advance(newOffset)
	}
	return n, err
}

// WaitReceive blocks until at least n bytes are available to receive
// without consuming them, or the channel disconnects.
func (c *Channel) WaitReceive(ctx context.Context, n int) error {
	buf := make([]byte, n)
	offset := c.recvOffset.Load()
	_, err := c.recvBuf.Receive(offset, buf, ReceiveAll)
	if err == ErrBufferClosed {
		return ErrChannelDisconnected
	}
	return err
}

// deliver is called by the manager's worker thread to push newly-arrived
// packet bytes into the channel's receive buffer.
func (c *Channel) deliver(body []byte) error {
	_, err := c.recvBuf.Write(body)
	return err
}

// Flush is a no-op placeholder matching the carrier-level flush contract;
// the ring buffer has no internal write coalescing to flush.
func (c *Channel) Flush() error {
	return nil
}

// Shutdown marks the channel Disconnected without releasing its buffers,
// mirroring a FIN that the carrier is still expected to acknowledge.
func (c *Channel) Shutdown() {
	c.setState(ChannelDisconnected)
}

// Close tears the channel down, unblocking any waiter with a cancelled
// result and releasing its buffers. Idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.setState(ChannelDisconnected)
		c.sendBuf.Close()
		c.recvBuf.Close()
	})
}

// ErrChannelDisconnected is returned by enqueueSend/dequeueSend/Receive/
// WaitReceive once the channel has transitioned to Disconnected.
var ErrChannelDisconnected = fmt.Errorf("htclow: channel disconnected")
