package htcs

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

const (
	monitorDisconnected = "disconnected"
	monitorConnecting   = "connecting"
	monitorConnected    = "connected"
)

const (
	initialReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay     = 30 * time.Second
)

// monitor owns the HTCS control channel's lifecycle, mirroring the
// reconnect loop htcfs runs for its own control channel.
type monitor struct {
	manager *htclow.Manager
	logger  *slog.Logger

	state atomic.Value // string

	mu            sync.Mutex
	channel       *htclow.Channel
	negotiatedVer uint16
	connectedCh   chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newMonitor(manager *htclow.Manager, logger *slog.Logger) *monitor {
	m := &monitor{
		manager:     manager,
		logger:      logger.With("component", "htcs_monitor"),
		connectedCh: make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
	m.state.Store(monitorDisconnected)
	return m
}

func (m *monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.manager.CloseChannel(ModuleID, controlChannelID)
}

func (m *monitor) State() string { return m.state.Load().(string) }

func (m *monitor) channelAndVersion() (ch *htclow.Channel, version uint16, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channel == nil || m.channel.State() != htclow.ChannelConnected {
		return nil, 0, false
	}
	return m.channel, m.negotiatedVer, true
}

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
			m.logger.Warn("htcs monitor connect failed", "error", err, "retry_in", delay)
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
		m.logger.Info("htcs control channel connected", "version", version)

		m.waitDisconnect(ch)

		m.state.Store(monitorDisconnected)
		m.logger.Info("htcs control channel lost, will reconnect")
	}
}

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

	send := func(p []byte) error { return m.manager.Send(ctx, ch, 0, 0, 0, p) }
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
	req := htcrpc.NewRequest(htcrpc.MaxSupportedVersion, 0, [5]uint64{}, nil)
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

	negotiated := htcrpc.NegotiateVersion(uint16(resp.Params[0]))
	setReq := htcrpc.NewRequest(negotiated, 1, [5]uint64{uint64(negotiated)}, nil)
	if err := m.manager.Send(ctx, ch, 0, 0, 0, setReq.Encode()); err != nil {
		return 0, err
	}
	return negotiated, nil
}

var errMonitorStopped = fmt.Errorf("htcs: monitor stopped")
