package htcfs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/htcbridge/internal/htclow"
	"github.com/nishisan-dev/htcbridge/internal/htcrpc"
)

// Monitor states, mirrored as a string so State() is cheap to log without
// a stringer switch at every call site.
const (
	monitorDisconnected = "disconnected"
	monitorConnecting   = "connecting"
	monitorConnected    = "connected"
)

const (
	initialReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay     = 30 * time.Second
)

// monitor owns the HTCFS control channel's lifecycle: opening it against
// the manager, driving its handshake and version negotiation, and
// re-establishing it whenever the carrier drops and comes back. Client
// calls block on waitConnected rather than poking at channel state
// directly.
type monitor struct {
	manager *htclow.Manager
	logger  *slog.Logger

	state atomic.Value // string

	mu               sync.Mutex
	channel          *htclow.Channel
	negotiatedVer    uint16
	connectedCh      chan struct{} // closed and replaced on every (re)connect
	onReconnect      func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newMonitor(manager *htclow.Manager, logger *slog.Logger, onReconnect func()) *monitor {
	m := &monitor{
		manager:     manager,
		logger:      logger.With("component", "htcfs_monitor"),
		connectedCh: make(chan struct{}),
		onReconnect: onReconnect,
		stopCh:      make(chan struct{}),
	}
	m.state.Store(monitorDisconnected)
	return m
}

// Start launches the reconnect loop.
func (m *monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop tears the monitor down and closes the current channel, if any.
func (m *monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	ch := m.channel
	m.mu.Unlock()
	if ch != nil {
		m.manager.CloseChannel(ModuleID, controlChannelID)
	}
}

// State reports the monitor's current connection state.
func (m *monitor) State() string {
	return m.state.Load().(string)
}

// channelAndVersion returns the live control channel and negotiated
// protocol version, or ok=false if no channel is currently connected.
func (m *monitor) channelAndVersion() (ch *htclow.Channel, version uint16, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil || m.channel.State() != htclow.ChannelConnected {
		return nil, 0, false
	}
	return m.channel, m.negotiatedVer, true
}

// waitConnected blocks until a channel is connected or ctx is done.
func (m *monitor) waitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		connected := m.channel != nil && m.channel.State() == htclow.ChannelConnected
		waitCh := m.connectedCh
		m.mu.Unlock()

		if connected {
			return nil
		}

		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return errMonitorStopped
		}
	}
}

func (m *monitor) run() {
	defer m.wg.Done()

	delay := initialReconnectDelay

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.state.Store(monitorConnecting)
		ch, version, err := m.connect()
		if err != nil {
			m.logger.Warn("htcfs monitor connect failed", "error", err, "retry_in", delay)
			m.state.Store(monitorDisconnected)

			select {
			case <-m.stopCh:
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		delay = initialReconnectDelay

		m.mu.Lock()
		m.channel = ch
		m.negotiatedVer = version
		closed := m.connectedCh
		m.connectedCh = make(chan struct{})
		m.mu.Unlock()
		close(closed)

		m.state.Store(monitorConnected)
		m.logger.Info("htcfs control channel connected", "version", version)

		if m.onReconnect != nil {
			m.onReconnect()
		}

		m.waitDisconnect(ch)

		m.state.Store(monitorDisconnected)
		m.logger.Info("htcfs control channel lost, will reconnect")
	}
}

// waitDisconnect polls the channel's state until it leaves Connected or the
// monitor is stopped. The ring-buffer-backed channel has no explicit close
// notification independent of state, so a short poll interval is the
// simplest thing that matches the control channel's error-reporting style.
func (m *monitor) waitDisconnect(ch *htclow.Channel) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if ch.State() != htclow.ChannelConnected {
				return
			}
		}
	}
}

// connect opens the HTCFS control channel, drives its SYN/ACK handshake,
// and negotiates the RPC protocol version.
func (m *monitor) connect() (*htclow.Channel, uint16, error) {
	ch, err := m.manager.OpenChannel(ModuleID, controlChannelID, controlChannelConfig, 16*1024, 16*1024, 0)
	if err != nil {
		m.manager.CloseChannel(ModuleID, controlChannelID)
		ch, err = m.manager.OpenChannel(ModuleID, controlChannelID, controlChannelConfig, 16*1024, 16*1024, 0)
		if err != nil {
			return nil, 0, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for ch.State() != htclow.ChannelConnectable {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	send := func(p []byte) error {
		return m.manager.Send(ctx, ch, 0, 0, 0, p)
	}
	recv := func(ctx context.Context) ([]byte, error) {
		buf := make([]byte, 16)
		n, err := ch.Receive(buf, htclow.ReceiveAny)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	if err := ch.Connect(ctx, send, recv); err != nil {
		return nil, 0, err
	}

	version, err := m.negotiateVersion(ctx, ch)
	if err != nil {
		return nil, 0, err
	}
	return ch, version, nil
}

func (m *monitor) negotiateVersion(ctx context.Context, ch *htclow.Channel) (uint16, error) {
	req := htcrpc.NewRequest(htcrpc.MaxSupportedVersion, TypeGetMaxProtocolVersion, [5]uint64{}, nil)
	if err := m.manager.Send(ctx, ch, 0, 0, 0, req.Encode()); err != nil {
		return 0, err
	}

	buf := make([]byte, htcrpc.PreludeSize)
	if err := ch.WaitReceive(ctx, len(buf)); err != nil {
		return 0, err
	}
	if _, err := ch.Receive(buf, htclow.ReceiveAll); err != nil {
		return 0, err
	}
	resp, err := htcrpc.DecodePrelude(buf)
	if err != nil {
		return 0, err
	}

	serverMax := uint16(resp.Params[0])
	negotiated := htcrpc.NegotiateVersion(serverMax)

	setReq := htcrpc.NewRequest(negotiated, TypeSetProtocolVersion, [5]uint64{uint64(negotiated)}, nil)
	if err := m.manager.Send(ctx, ch, 0, 0, 0, setReq.Encode()); err != nil {
		return 0, err
	}

	return negotiated, nil
}

var errMonitorStopped = fmt.Errorf("htcfs: monitor stopped")
