package cheat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/xid"
)

// hostStatsFlushSchedule drives the manager's host-stats cron job, pushing
// the latest resource snapshot into the prometheus gauges.
const hostStatsFlushSchedule = "@every 15s"

// DefaultTickInterval is how often an attached VM program runs when Start
// is given a zero interval. Real hardware ties this to a debug-event
// driven cadence; 83ms approximates three frames at 60fps, close enough
// that visible countdowns and health bars tick at a believable rate.
const DefaultTickInterval = 83 * time.Millisecond

// DefaultTogglesSyncCron persists the attached title's current toggle
// choices back to disk every 30s, so a later reattach picks up in-session
// flips, when Start is given an empty schedule.
const DefaultTogglesSyncCron = "@every 30s"

// DebugEvent is one event a debugged process reported while stopped,
// e.g. a new thread or an exception. The manager's event pump just has
// to continue execution past every event it sees; it has no interest in
// the event's payload.
type DebugEvent struct {
	Kind string
}

// DebugHandle is everything the manager needs from an attached, debugged
// process: its identity, its address space, and the ability to drain and
// continue past debug events so the process keeps running while cheats
// are active.
type DebugHandle interface {
	ProcessID() uint64
	TitleID() uint64
	BuildID() [32]byte
	QueryMemoryExtents(ctx context.Context) (Regions, error)
	ReadMemory(addr uint64, width int) (uint64, error)
	WriteMemory(addr uint64, width int, value uint64) error
	PollDebugEvent(ctx context.Context) (DebugEvent, error)
	ContinueDebugEvent(ctx context.Context, ev DebugEvent) error
	CurrentButtons() Buttons
	Close() error
}

// AttachSource watches for a new application launch and opens a debug
// handle for it once one appears.
type AttachSource interface {
	WaitForLaunch(ctx context.Context) (DebugHandle, error)
}

// CheatFileSource loads a title's cheat text and toggles file, keyed by
// title and build id, the way they are laid out under
// atmosphere/contents/<title-id>/cheats/<build-id>.txt.
type CheatFileSource interface {
	LoadCheatText(ctx context.Context, titleID uint64, buildID [32]byte) (string, error)
	LoadToggles(ctx context.Context, titleID uint64, buildID [32]byte) (string, error)
	SaveToggles(ctx context.Context, titleID uint64, buildID [32]byte, toggles Toggles) error
}

// ErrNotAttached is returned by any manager call that requires a process
// to be attached when none is.
var ErrNotAttached = fmt.Errorf("cheat: not attached to a process")

type memIO struct {
	handle DebugHandle
}

func (m memIO) Read(addr uint64, width int) (uint64, error) {
	return m.handle.ReadMemory(addr, width)
}

func (m memIO) Write(addr uint64, width int, value uint64) error {
	return m.handle.WriteMemory(addr, width, value)
}

// attachedState is everything the manager holds for the process it is
// currently attached to. It is replaced wholesale on attach and cleared
// on detach; nothing inside it survives a detach/reattach cycle.
type attachedState struct {
	sessionID xid.ID
	handle    DebugHandle
	regions   Regions
	regs      Registers
	entries   []Entry
	program   []Opcode
	dirty     bool
	frozen    frozenTable
}

// Manager runs the three independent loops a live cheat session needs: a
// watcher blocking on the next application launch, a debug-event pump
// that keeps the attached process running, and a fixed-interval ticker
// that reloads and re-runs the active cheat program. All three share a
// single lock around attachedState so a tick never races a detach.
type Manager struct {
	attach  AttachSource
	files   CheatFileSource
	logger  *slog.Logger
	metrics *Metrics

	hostStats *hostStatsCollector
	cron      *cron.Cron

	mu    sync.Mutex
	state *attachedState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	tickInterval time.Duration
}

// NewManager builds a manager around the given attach source and cheat
// file source. metrics may be nil in tests that don't care about
// observability.
func NewManager(attach AttachSource, files CheatFileSource, logger *slog.Logger, metrics *Metrics) *Manager {
	return &Manager{
		attach:    attach,
		files:     files,
		logger:    logger.With("component", "cheat_manager"),
		metrics:   metrics,
		hostStats: newHostStatsCollector(logger),
		cron:      cron.New(),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the attach watcher, debug-event pump, VM ticker, host
// stats collector, and the cron-scheduled host-stats-export/toggle-flush
// jobs. tickInterval and togglesCron fall back to DefaultTickInterval and
// DefaultTogglesSyncCron when zero/empty.
func (m *Manager) Start(tickInterval time.Duration, togglesCron string) {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if togglesCron == "" {
		togglesCron = DefaultTogglesSyncCron
	}
	m.tickInterval = tickInterval

	m.wg.Add(2)
	go m.attachLoop()
	go m.tickLoop()

	m.hostStats.start()
	if m.metrics != nil {
		m.cron.AddFunc(hostStatsFlushSchedule, func() {
			m.metrics.observeHostStats(m.hostStats.Stats())
		})
	}
	m.cron.AddFunc(togglesCron, m.flushToggles)
	m.cron.Start()
}

// Stop signals all three loops to exit and waits for them to finish, then
// flushes pending toggle changes and detaches from any attached process.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	<-m.cron.Stop().Done()
	m.hostStats.stop()
	m.flushToggles()
	m.detach("manager stopped")
}

// flushToggles persists the attached title's current per-cheat enabled
// state, if anything is attached. Runs on its own cron schedule and once
// more on Stop so the final flip before shutdown isn't lost.
func (m *Manager) flushToggles() {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state == nil {
		return
	}

	toggles := make(Toggles)
	for _, e := range state.entries {
		if e.Master {
			continue
		}
		toggles[e.Name] = e.Enabled
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.files.SaveToggles(ctx, state.handle.TitleID(), state.handle.BuildID(), toggles); err != nil {
		m.logger.Warn("persisting cheat toggles failed", "error", err)
	}
}

// Attached reports whether a process is currently attached.
func (m *Manager) Attached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != nil
}

// FrozenAddresses returns the frozen table's current contents for the
// attached process, or nil if nothing is attached.
func (m *Manager) FrozenAddresses() []FrozenAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	return m.state.frozen.list()
}

// Snapshot is a read-only view of the manager's current attachment state,
// for external inspection (a dashboard, e.g.).
type Snapshot struct {
	Attached      bool
	SessionID     string
	ProcessID     uint64
	TitleID       uint64
	ActiveCheats  int
	TotalCheats   int
	FrozenEntries int
	HostStats     HostStats
}

// Snapshot reports the manager's current attachment state in one locked
// pass, so a caller doesn't observe a torn view across several separate
// accessor calls.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{HostStats: m.hostStats.Stats()}
	if m.state == nil {
		return snap
	}

	snap.Attached = true
	snap.SessionID = m.state.sessionID.String()
	snap.ProcessID = m.state.handle.ProcessID()
	snap.TitleID = m.state.handle.TitleID()
	snap.TotalCheats = len(m.state.entries)
	snap.ActiveCheats = countEnabled(m.state.entries)
	snap.FrozenEntries = len(m.state.frozen.entries)
	return snap
}

// Freeze adds or updates a frozen address against the attached process.
func (m *Manager) Freeze(addr uint64, width int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ErrNotAttached
	}
	if err := m.state.frozen.add(addr, width, value); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.FrozenAddresses.Set(float64(len(m.state.frozen.entries)))
	}
	return nil
}

// Unfreeze removes a frozen address, if present.
func (m *Manager) Unfreeze(addr uint64, width int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ErrNotAttached
	}
	m.state.frozen.remove(addr, width)
	if m.metrics != nil {
		m.metrics.FrozenAddresses.Set(float64(len(m.state.frozen.entries)))
	}
	return nil
}

// WriteMemory performs an out-of-band write against the attached
// process's address space, e.g. a host tool poking a value directly.
// Unlike a cheat's own writes, this updates any frozen entry it overlaps
// rather than having that entry's next replay undo it.
func (m *Manager) WriteMemory(addr uint64, width int, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ErrNotAttached
	}
	if err := m.state.handle.WriteMemory(addr, width, value); err != nil {
		return err
	}
	m.state.frozen.observeExternalWrite(MemoryWrite{Addr: addr, Width: width, Value: value})
	return nil
}

// SetEnabled toggles one named cheat on or off for the remainder of the
// attached session. The change takes effect on the next tick, which
// reloads the program from the entry list whenever dirty is set.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ErrNotAttached
	}
	for i := range m.state.entries {
		if m.state.entries[i].Name == name && !m.state.entries[i].Master {
			m.state.entries[i].Enabled = enabled
			m.state.dirty = true
			return nil
		}
	}
	return fmt.Errorf("cheat: no cheat named %q", name)
}

func (m *Manager) attachLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithCancel(context.Background())
		handle, err := m.attach.WaitForLaunch(ctx)
		cancel()
		if err != nil {
			m.logger.Warn("waiting for application launch failed", "error", err)
			select {
			case <-m.stopCh:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := m.attachTo(handle); err != nil {
			m.logger.Warn("attach failed", "error", err)
			handle.Close()
			continue
		}

		m.wg.Add(1)
		go m.eventPumpLoop(handle)
	}
}

func (m *Manager) attachTo(handle DebugHandle) error {
	ctx := context.Background()
	regions, err := handle.QueryMemoryExtents(ctx)
	if err != nil {
		return fmt.Errorf("querying memory extents: %w", err)
	}

	text, err := m.files.LoadCheatText(ctx, handle.TitleID(), handle.BuildID())
	if err != nil {
		return fmt.Errorf("loading cheat text: %w", err)
	}
	entries, err := ParseCheatText(text)
	if err != nil {
		if m.metrics != nil {
			m.metrics.ParseErrors.Inc()
		}
		return fmt.Errorf("parsing cheat text: %w", err)
	}

	if toggleText, err := m.files.LoadToggles(ctx, handle.TitleID(), handle.BuildID()); err == nil {
		toggles, err := ParseToggles(toggleText)
		if err != nil {
			if m.metrics != nil {
				m.metrics.ParseErrors.Inc()
			}
			return fmt.Errorf("parsing toggles: %w", err)
		}
		ApplyToggles(entries, toggles)
	}

	sessionID := xid.New()

	m.mu.Lock()
	m.state = &attachedState{
		sessionID: sessionID,
		handle:    handle,
		regions:   regions,
		entries:   entries,
		dirty:     true,
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Attached.Set(1)
		m.metrics.ActiveCheats.Set(float64(countEnabled(entries)))
	}
	m.logger.Info("attached to process", "session_id", sessionID, "pid", handle.ProcessID(), "title_id", handle.TitleID())
	return nil
}

// SessionID returns the opaque id assigned to the current attachment, or
// the zero id if nothing is attached.
func (m *Manager) SessionID() xid.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return xid.ID{}
	}
	return m.state.sessionID
}

func countEnabled(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.Enabled || e.Master {
			n++
		}
	}
	return n
}

func (m *Manager) detach(reason string) {
	m.mu.Lock()
	state := m.state
	m.state = nil
	m.mu.Unlock()

	if state == nil {
		return
	}
	state.handle.Close()
	if m.metrics != nil {
		m.metrics.Attached.Set(0)
	}
	m.logger.Info("detached", "reason", reason)
}

// eventPumpLoop drains debug events from an attached process and
// continues past each one so the process keeps running. An error here
// almost always means the process exited or the debug handle went
// invalid, either of which calls for a transparent detach.
func (m *Manager) eventPumpLoop(handle DebugHandle) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		attached := m.state != nil && m.state.handle == handle
		m.mu.Unlock()
		if !attached {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ev, err := handle.PollDebugEvent(ctx)
		cancel()
		if err != nil {
			m.logger.Info("debug event pump stopping", "error", err)
			m.detach("debug handle invalid")
			return
		}
		if ev.Kind == "" {
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		err = handle.ContinueDebugEvent(ctx, ev)
		cancel()
		if err != nil {
			m.logger.Info("continuing debug event failed, detaching", "error", err)
			m.detach("continue failed")
			return
		}
	}
}

func (m *Manager) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return
	}
	state := m.state

	if state.dirty {
		program, err := buildProgram(state.entries)
		if err != nil {
			m.logger.Warn("rebuilding cheat program failed", "error", err)
			if m.metrics != nil {
				m.metrics.TickErrors.Inc()
			}
			return
		}
		state.program = program
		state.dirty = false
	}

	state.regs.General = [16]uint64{}
	mem := memIO{handle: state.handle}

	writes, err := Execute(&state.regs, state.program, mem, state.regions, state.handle.CurrentButtons())
	if err != nil {
		m.logger.Warn("cheat tick aborted", "error", err)
		if m.metrics != nil {
			m.metrics.TickErrors.Inc()
		}
		return
	}

	for _, w := range writes {
		if anyOverlap(state.frozen.entries, w.Addr, w.Width) && m.metrics != nil {
			m.metrics.FrozenOverwritten.Inc()
		}
	}

	if err := state.frozen.replay(mem); err != nil {
		m.logger.Warn("replaying frozen addresses failed", "error", err)
		if m.metrics != nil {
			m.metrics.TickErrors.Inc()
		}
		return
	}

	if m.metrics != nil {
		m.metrics.TicksRun.Inc()
	}
}

// buildProgram concatenates every enabled entry's words, the master
// cheat first, decodes the result once, and enforces the combined
// program's word budget.
func buildProgram(entries []Entry) ([]Opcode, error) {
	var words []uint32
	for _, e := range entries {
		if e.Master {
			words = append(words, e.Words...)
		}
	}
	for _, e := range entries {
		if e.Master || !e.Enabled {
			continue
		}
		words = append(words, e.Words...)
	}
	if len(words) > MaxProgramWords {
		return nil, ErrProgramTooLarge
	}
	return DecodeProgram(words)
}
