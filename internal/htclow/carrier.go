package htclow

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"
)

// CarrierState mirrors the lifecycle a Carrier announces on its state
// change channel: {None, Initialized, Ready, Suspended, Gone}.
type CarrierState int32

const (
	CarrierNone CarrierState = iota
	CarrierInitialized
	CarrierReady
	CarrierSuspended
	CarrierGone
)

func (s CarrierState) String() string {
	switch s {
	case CarrierNone:
		return "none"
	case CarrierInitialized:
		return "initialized"
	case CarrierReady:
		return "ready"
	case CarrierSuspended:
		return "suspended"
	case CarrierGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Carrier is the raw byte-stream transport underneath the packet codec. It
// never frames or interprets bytes; that is the codec's job.
type Carrier interface {
	Send(p []byte) error
	Recv(buf []byte) (int, error)
	StateChanges() <-chan CarrierState
	Cancel()
	Close() error
}

// SocketCarrier implements Carrier over a TCP connection, standing in for
// real USB hardware during development and in CI. A listener accepts one
// peer at a time; Send/Recv proxy directly to the underlying net.Conn.
type SocketCarrier struct {
	listenAddr string
	tlsConfig  *tls.Config

	listener net.Listener

	mu     sync.Mutex
	conn   net.Conn
	states chan CarrierState

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// NewSocketCarrier creates a socket carrier listening on listenAddr. If
// tlsConfig is non-nil, accepted connections are wrapped with mTLS.
func NewSocketCarrier(listenAddr string, tlsConfig *tls.Config) *SocketCarrier {
	return &SocketCarrier{
		listenAddr: listenAddr,
		tlsConfig:  tlsConfig,
		states:     make(chan CarrierState, 8),
		cancelCh:   make(chan struct{}),
	}
}

// Start opens the listening socket and blocks accepting the next peer
// connection. Only one peer is served at a time, matching the single-link
// carrier contract.
func (c *SocketCarrier) Start(ctx context.Context) error {
	var ln net.Listener
	var err error
	if c.tlsConfig != nil {
		ln, err = tls.Listen("tcp", c.listenAddr, c.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", c.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("htclow: opening socket carrier listener: %w", err)
	}
	c.listener = ln
	c.emit(CarrierInitialized)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		c.emit(CarrierGone)
		return fmt.Errorf("htclow: accepting carrier peer: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.emit(CarrierReady)
	return nil
}

// DialSocketCarrier dials addr and wraps the resulting connection as a
// Carrier already in the Ready state, for a host-side client connecting to
// a target running the listening half of SocketCarrier. If tlsConfig is
// non-nil the dial is wrapped with mTLS.
func DialSocketCarrier(ctx context.Context, addr string, tlsConfig *tls.Config) (*SocketCarrier, error) {
	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if tlsConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("htclow: dialing carrier peer %s: %w", addr, err)
	}

	c := &SocketCarrier{
		states:   make(chan CarrierState, 8),
		cancelCh: make(chan struct{}),
		conn:     conn,
	}
	c.emit(CarrierReady)
	return c, nil
}

func (c *SocketCarrier) emit(s CarrierState) {
	select {
	case c.states <- s:
	default:
	}
}

// Send writes p to the active connection.
func (c *SocketCarrier) Send(p []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrCarrierNotReady
	}
	if _, err := conn.Write(p); err != nil {
		c.emit(CarrierGone)
		return fmt.Errorf("htclow: carrier send: %w", err)
	}
	return nil
}

// Recv reads into buf from the active connection.
func (c *SocketCarrier) Recv(buf []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, ErrCarrierNotReady
	}
	n, err := conn.Read(buf)
	if err != nil {
		if err == io.EOF {
			c.emit(CarrierGone)
		}
		return n, err
	}
	return n, nil
}

// StateChanges returns the channel on which carrier lifecycle transitions
// are announced.
func (c *SocketCarrier) StateChanges() <-chan CarrierState {
	return c.states
}

// Cancel unblocks any in-progress Send/Recv by closing the underlying
// connection; the manager treats the resulting error as a cancelled result
// rather than a hard failure.
func (c *SocketCarrier) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}

// Close tears down the listener and any active connection.
func (c *SocketCarrier) Close() error {
	c.Cancel()
	if c.listener != nil {
		return c.listener.Close()
	}
	return nil
}

// ErrCarrierNotReady is returned when Send/Recv is attempted before the
// carrier has accepted a peer.
var ErrCarrierNotReady = fmt.Errorf("htclow: carrier not ready")

// usbPacketSizes enumerates the bulk endpoint packet sizes negotiated per
// USB link speed.
var usbPacketSizes = map[uint32]bool{64: true, 512: true, 1024: true}

// USBCarrier implements Carrier over a vendor-class USB bulk endpoint pair,
// the production transport on real target hardware.
type USBCarrier struct {
	vendorID, productID gousb.ID
	packetSize          uint32

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	states   chan CarrierState
	canceled atomic.Bool
}

// NewUSBCarrier describes (without yet opening) a USB carrier for the given
// vendor/product ID pair and packet size.
func NewUSBCarrier(vendorID, productID uint16, packetSize uint32) (*USBCarrier, error) {
	if !usbPacketSizes[packetSize] {
		return nil, fmt.Errorf("htclow: unsupported usb packet size %d", packetSize)
	}
	return &USBCarrier{
		vendorID:   gousb.ID(vendorID),
		productID:  gousb.ID(productID),
		packetSize: packetSize,
		states:     make(chan CarrierState, 8),
	}, nil
}

// Open claims the vendor-class interface and its one bulk-IN/bulk-OUT
// endpoint pair.
func (c *USBCarrier) Open() error {
	c.ctx = gousb.NewContext()

	device, err := c.ctx.OpenDeviceWithVIDPID(c.vendorID, c.productID)
	if err != nil || device == nil {
		c.ctx.Close()
		c.emit(CarrierGone)
		return fmt.Errorf("htclow: opening usb device %04x:%04x: %w", c.vendorID, c.productID, err)
	}
	c.device = device
	c.emit(CarrierInitialized)

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		c.ctx.Close()
		return fmt.Errorf("htclow: setting usb config: %w", err)
	}
	c.config = config

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		c.ctx.Close()
		return fmt.Errorf("htclow: claiming usb interface: %w", err)
	}
	c.intf = intf

	epOut, err := intf.OutEndpointByAddress(1)
	if err != nil {
		c.teardown()
		return fmt.Errorf("htclow: opening usb bulk-out endpoint: %w", err)
	}
	c.epOut = epOut

	epIn, err := intf.InEndpointByAddress(0x81)
	if err != nil {
		c.teardown()
		return fmt.Errorf("htclow: opening usb bulk-in endpoint: %w", err)
	}
	c.epIn = epIn

	c.emit(CarrierReady)
	return nil
}

func (c *USBCarrier) teardown() {
	if c.intf != nil {
		c.intf.Close()
	}
	if c.config != nil {
		c.config.Close()
	}
	if c.device != nil {
		c.device.Close()
	}
	if c.ctx != nil {
		c.ctx.Close()
	}
}

func (c *USBCarrier) emit(s CarrierState) {
	select {
	case c.states <- s:
	default:
	}
}

// Send writes p to the bulk-OUT endpoint.
func (c *USBCarrier) Send(p []byte) error {
	if c.epOut == nil {
		return ErrCarrierNotReady
	}
	if _, err := c.epOut.Write(p); err != nil {
		c.emit(CarrierGone)
		return fmt.Errorf("htclow: usb send: %w", err)
	}
	return nil
}

// Recv reads from the bulk-IN endpoint.
func (c *USBCarrier) Recv(buf []byte) (int, error) {
	if c.epIn == nil {
		return 0, ErrCarrierNotReady
	}
	n, err := c.epIn.Read(buf)
	if err != nil {
		c.emit(CarrierGone)
		return n, fmt.Errorf("htclow: usb recv: %w", err)
	}
	return n, nil
}

// StateChanges returns the channel on which carrier lifecycle transitions
// are announced.
func (c *USBCarrier) StateChanges() <-chan CarrierState {
	return c.states
}

// Cancel marks the carrier canceled; gousb endpoint reads/writes are not
// independently interruptible, so in-flight transfers are allowed to
// complete or time out at the USB stack before the next call observes it.
func (c *USBCarrier) Cancel() {
	c.canceled.Store(true)
}

// Close releases the interface, config, device and USB context.
func (c *USBCarrier) Close() error {
	c.emit(CarrierGone)
	c.teardown()
	return nil
}
