package htclow

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ResumeTimeout bounds how long Resume waits for the carrier link to come
// back after a wake from suspend.
const ResumeTimeout = 7 * time.Second

// serviceID derives the wire-level service_id for a (module, channel) pair
// by hashing "module:channel" the way the real firmware hashes a service
// name to an ID — this keeps the field's wire semantics ("hash of service
// name") while giving the manager a stable, collision-free routing key
// without needing a registry of real HTC service name strings.
func serviceID(moduleID, channelID uint16) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%d", moduleID, channelID)
	return h.Sum32()
}

// ManagerState mirrors the carrier-driven suspend/resume cycle the manager
// exposes to its process.
type ManagerState int32

const (
	ManagerRunning ManagerState = iota
	ManagerSuspended
	ManagerFinalized
)

// Manager is the central HTCLOW dispatcher: it owns the carrier, the
// channel table, the task table, and the worker goroutine that turns raw
// carrier bytes into routed packets.
type Manager struct {
	logger  *slog.Logger
	carrier Carrier
	metrics *Metrics

	sendPool *bufferPool
	recvPool *bufferPool

	mu       sync.RWMutex
	channels map[uint32]*Channel // keyed by serviceID(module, channel)
	tasks    *taskTable

	sendMu sync.Mutex // serializes packet writes onto the carrier

	state     atomic.Int32
	stopCh    chan struct{}
	workersWG sync.WaitGroup
	stopOnce  sync.Once
}

// NewManager builds a Manager bound to carrier, sized per the htclow
// section of the bridge configuration.
func NewManager(carrier Carrier, logger *slog.Logger, reg prometheus.Registerer, maxTasks int, sendPoolBytes, recvPoolBytes int64) *Manager {
	m := &Manager{
		logger:   logger.With("component", "htclow_manager"),
		carrier:  carrier,
		metrics:  NewMetrics(reg),
		sendPool: newBufferPool(sendPoolBytes, int(DefaultChannelConfig.MaxPacketSize)),
		recvPool: newBufferPool(recvPoolBytes, int(DefaultChannelConfig.MaxPacketSize)),
		channels: make(map[uint32]*Channel),
		tasks:    newTaskTable(maxTasks),
		stopCh:   make(chan struct{}),
	}
	return m
}

// OpenChannel registers a new channel for (moduleID, channelID) with the
// given config and buffer sizes, returning it in the Unconnectable state,
// and starts the per-channel goroutine that drains its outbound ring
// buffer to the carrier.
func (m *Manager) OpenChannel(moduleID, channelID uint16, cfg ChannelConfig, sendBufSize, recvBufSize int64, flowControlRate int64) (*Channel, error) {
	id := ChannelID{ModuleID: moduleID, ChannelID: channelID}
	key := serviceID(moduleID, channelID)

	m.mu.Lock()
	if _, exists := m.channels[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("htclow: channel %+v already open", id)
	}
	ch := newChannel(id, cfg, sendBufSize, recvBufSize, flowControlRate)
	m.channels[key] = ch
	m.mu.Unlock()

	m.metrics.ChannelsOpen.Inc()

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		m.sendDrainLoop(ch)
	}()

	return ch, nil
}

// CloseChannel closes the channel, unblocking anything waiting on its
// buffers, and removes it from the table. Tasks are not tied to a channel,
// so closing one cancels no task; outstanding tasks are canceled only by
// Finalize.
func (m *Manager) CloseChannel(moduleID, channelID uint16) {
	key := serviceID(moduleID, channelID)

	m.mu.Lock()
	ch, exists := m.channels[key]
	if exists {
		delete(m.channels, key)
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	ch.Close()
	m.metrics.ChannelsOpen.Dec()
}

// ServiceID exposes the module/channel hashing the manager uses internally,
// so a higher layer can stamp outbound packets with the id its own channel
// was registered under.
func ServiceID(moduleID, channelID uint16) uint32 {
	return serviceID(moduleID, channelID)
}

// Send fragments body per ch's configured max packet size, stamps every
// fragment with ch's service id, and enqueues each encoded fragment onto
// ch's outbound ring buffer; Send itself returns as soon as every fragment
// is queued; the carrier write happens on ch's own send-drain goroutine
// (started by OpenChannel), which is what actually paces sends against the
// channel's flow-control window and serializes carrier writes across
// channels via sendMu. A full ring buffer backpressures Send the same way
// a full TCP send buffer would.
func (m *Manager) Send(ctx context.Context, ch *Channel, taskID uint32, command uint16, version uint8, body []byte) error {
	if ch.State() == ChannelDisconnected {
		return ErrChannelDisconnected
	}

	packets := Fragment(serviceID(ch.id.ModuleID, ch.id.ChannelID), taskID, command, version, body, ch.config.MaxPacketSize)

	for i := range packets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.enqueuePacket(ctx, ch, &packets[i]); err != nil {
			return err
		}
	}
	return nil
}

// enqueuePacket encodes pkt, drawing its wire buffer from the send pool
// whenever the encoded size fits one of the pool's fixed-size buffers, and
// hands the result to ch.enqueueSend. The pool buffer is released as soon
// as enqueueSend returns, since enqueueSend copies the bytes onto the
// channel's own ring rather than retaining the slice it was given.
func (m *Manager) enqueuePacket(ctx context.Context, ch *Channel, pkt *Packet) error {
	wireSize := HeaderSize + len(pkt.Body)

	w := &bytesWriter{}
	if wireSize <= m.sendPool.bufSize {
		pooled, err := m.sendPool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("htclow: acquiring send buffer: %w", err)
		}
		defer m.sendPool.Release(pooled)
		w.b = pooled[:0]
	}

	if err := pkt.Encode(w); err != nil {
		return err
	}
	return ch.enqueueSend(w.b)
}

// sendDrainLoop is the per-channel counterpart to the manager's receive-
// side worker loop: it blocks on ch's outbound ring buffer, applies ch's
// flow-control window to whatever it dequeues, and writes the result to
// the carrier under sendMu so fragments from every channel's drain
// goroutine interleave only at packet boundaries, never mid-packet. It
// returns once ch is closed.
func (m *Manager) sendDrainLoop(ch *Channel) {
	for {
		frame, err := ch.dequeueSend()
		if err != nil {
			return
		}

		if ch.limiter != nil {
			if err := ch.limiter.WaitN(context.Background(), len(frame)); err != nil {
				m.logger.Debug("htclow send drain: flow control wait", "error", err)
				continue
			}
		}

		m.sendMu.Lock()
		err = m.carrier.Send(frame)
		m.sendMu.Unlock()

		if err != nil {
			m.logger.Debug("htclow send drain: writing packet to carrier", "error", err)
			continue
		}
		m.metrics.PacketsSent.Inc()
	}
}

// bytesWriter is a minimal io.Writer over a byte slice, capturing
// Packet.Encode's output before handing it to the carrier in one Send call.
// It grows past its initial capacity like append normally would, so a
// pool-backed buffer that turns out too small for an oversize body still
// works, it just reallocates instead of reusing the pooled backing array.
type bytesWriter struct{ b []byte }

func (w *bytesWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// channelFor looks up a channel by its wire service_id.
func (m *Manager) channelFor(svcID uint32) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[svcID]
	return ch, ok
}

// BeginTask allocates a task from the task table, surfaced to consumers
// wrapping a begin_*/end_* RPC pair.
func (m *Manager) BeginTask(priority uint8) (*Task, error) {
	task, err := m.tasks.begin(priority)
	if err != nil {
		return nil, err
	}
	m.metrics.TasksInFlight.Inc()
	return task, nil
}

// EndTask releases a task's slot once its caller has consumed the result.
func (m *Manager) EndTask(task *Task) {
	m.tasks.end(task.ID)
	m.metrics.TasksInFlight.Dec()
}

// ChannelSnapshot is a read-only view of one open channel, for external
// inspection (a dashboard, e.g.) without exposing the channel itself.
type ChannelSnapshot struct {
	ModuleID  uint16
	ChannelID uint16
	State     ChannelState
}

// TaskSnapshot is a read-only view of one in-flight task.
type TaskSnapshot struct {
	ID       string
	Priority uint8
	State    TaskState
}

// Channels returns a snapshot of every currently open channel.
func (m *Manager) Channels() []ChannelSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChannelSnapshot, 0, len(m.channels))
	for _, ch := range m.channels {
		id := ch.ID()
		out = append(out, ChannelSnapshot{ModuleID: id.ModuleID, ChannelID: id.ChannelID, State: ch.State()})
	}
	return out
}

// Tasks returns a snapshot of every task currently in flight.
func (m *Manager) Tasks() []TaskSnapshot {
	tasks := m.tasks.list()
	out := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskSnapshot{ID: t.ID, Priority: t.Priority, State: t.State()})
	}
	return out
}

// Run starts the worker goroutine that reads packets off the carrier and
// routes them to their channel's receive buffer, then returns; the worker
// exits once ctx is canceled or Finalize is called.
func (m *Manager) Run(ctx context.Context) {
	m.workersWG.Add(1)
	go m.workerLoop(ctx)
}

func (m *Manager) workerLoop(ctx context.Context) {
	defer m.workersWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case carrierState := <-m.carrier.StateChanges():
			m.handleCarrierState(carrierState)
			continue
		default:
		}

		if m.state.Load() == int32(ManagerSuspended) {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		pkt, release, err := m.readPacket(ctx)
		if err != nil {
			m.logger.Debug("htclow worker: read error", "error", err)
			continue
		}

		m.metrics.PacketsReceived.Inc()

		ch, ok := m.channelFor(pkt.ServiceID)
		if !ok {
			m.logger.Warn("htclow worker: packet for unknown channel", "service_id", pkt.ServiceID)
			release()
			continue
		}
		if err := ch.deliver(pkt.Body); err != nil {
			m.logger.Debug("htclow worker: delivering packet", "error", err)
		}
		release()
	}
}

// carrierReader adapts Carrier.Recv to io.Reader for Decode.
type carrierReader struct {
	carrier Carrier
}

func (r carrierReader) Read(p []byte) (int, error) {
	return r.carrier.Recv(p)
}

// readPacket decodes one packet off the carrier, drawing the buffer its
// body is decoded into from the receive pool. The returned release func
// must be called once the packet's body has been consumed (deliver copies
// it onward, so the worker loop releases right after); it is always
// non-nil when err is nil.
func (m *Manager) readPacket(ctx context.Context) (*Packet, func(), error) {
	buf, err := m.recvPool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("htclow: acquiring receive buffer: %w", err)
	}
	release := func() { m.recvPool.Release(buf) }

	pkt, err := DecodeBuf(carrierReader{carrier: m.carrier}, buf)
	if err != nil {
		release()
		if err == ErrHeaderChecksum || err == ErrBodyChecksum {
			m.metrics.ChecksumErrors.Inc()
		}
		return nil, nil, err
	}
	return pkt, release, nil
}

func (m *Manager) handleCarrierState(s CarrierState) {
	switch s {
	case CarrierGone:
		m.mu.RLock()
		for _, ch := range m.channels {
			ch.Shutdown()
		}
		m.mu.RUnlock()
	case CarrierReady:
		m.mu.RLock()
		for _, ch := range m.channels {
			ch.markCarrierReady()
		}
		m.mu.RUnlock()
	}
}

// Suspend pauses the worker loop and marks every channel Disconnected, to
// be called when the host system sleeps.
func (m *Manager) Suspend() {
	m.state.Store(int32(ManagerSuspended))
	m.mu.RLock()
	for _, ch := range m.channels {
		ch.Shutdown()
	}
	m.mu.RUnlock()
	m.logger.Info("htclow manager suspended")
}

// Resume reopens the carrier and waits up to ResumeTimeout for it to report
// CarrierReady before giving up.
func (m *Manager) Resume(ctx context.Context, reopen func(context.Context) error) error {
	resumeCtx, cancel := context.WithTimeout(ctx, ResumeTimeout)
	defer cancel()

	if err := reopen(resumeCtx); err != nil {
		return fmt.Errorf("htclow: resume reopen failed: %w", err)
	}

	select {
	case s := <-m.carrier.StateChanges():
		if s != CarrierReady {
			return fmt.Errorf("htclow: resume carrier entered state %s, want ready", s)
		}
	case <-resumeCtx.Done():
		return fmt.Errorf("htclow: resume timed out after %s", ResumeTimeout)
	}

	m.state.Store(int32(ManagerRunning))
	m.logger.Info("htclow manager resumed")
	return nil
}

// NotifyAsleep propagates a host power-management sleep event.
func (m *Manager) NotifyAsleep() {
	m.Suspend()
}

// NotifyAwake propagates a host power-management wake event, distinct from
// Resume in that it does not itself reopen the carrier — the caller's
// suspend/resume orchestration decides when to call Resume.
func (m *Manager) NotifyAwake() {
	m.logger.Debug("htclow manager notified awake")
}

// Finalize stops the worker loop, closes every channel (which also
// unblocks that channel's send-drain goroutine), waits for every goroutine
// the manager started to exit, and cancels every outstanding task.
// Idempotent.
func (m *Manager) Finalize() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.state.Store(int32(ManagerFinalized))
	})

	m.mu.Lock()
	for key, ch := range m.channels {
		ch.Close()
		delete(m.channels, key)
	}
	m.mu.Unlock()

	m.workersWG.Wait()

	m.tasks.cancelAll()
}
