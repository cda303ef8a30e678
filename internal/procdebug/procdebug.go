//go:build linux

// Package procdebug implements cheat.AttachSource and cheat.DebugHandle
// against native Linux processes, using ptrace and /proc the way the
// socket carrier stands in for USB hardware: a substitute that lets the
// rest of the daemon run end-to-end in development and CI without real
// target hardware attached.
package procdebug

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/nishisan-dev/htcbridge/internal/cheat"
)

// Watcher polls the host process table for a process matching a configured
// name and ptrace-attaches to the first unseen instance it finds.
type Watcher struct {
	processName  string
	titleID      uint64
	pollInterval time.Duration

	mu   sync.Mutex
	seen map[int32]bool
}

// NewWatcher builds a Watcher looking for processName, reporting titleID
// for every handle it produces (this module has no title registry of its
// own, so one watcher instance covers one configured title).
func NewWatcher(processName string, titleID uint64, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Watcher{
		processName:  processName,
		titleID:      titleID,
		pollInterval: pollInterval,
		seen:         make(map[int32]bool),
	}
}

// WaitForLaunch blocks until a new, not-yet-attached process named
// processName appears, or ctx is done.
func (w *Watcher) WaitForLaunch(ctx context.Context) (cheat.DebugHandle, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		procs, err := process.Processes()
		if err != nil {
			continue
		}

		for _, p := range procs {
			name, err := p.Name()
			if err != nil || name != w.processName {
				continue
			}

			w.mu.Lock()
			already := w.seen[p.Pid]
			w.mu.Unlock()
			if already {
				continue
			}

			h, err := attach(p, w.titleID)
			if err != nil {
				continue
			}

			w.mu.Lock()
			w.seen[p.Pid] = true
			w.mu.Unlock()
			return h, nil
		}
	}
}

// Handle is a ptrace-backed cheat.DebugHandle for one attached process.
type Handle struct {
	pid     int32
	titleID uint64
	buildID [32]byte
	mem     *os.File
}

func attach(p *process.Process, titleID uint64) (*Handle, error) {
	runtime.LockOSThread()
	if err := syscall.PtraceAttach(int(p.Pid)); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("procdebug: ptrace attach pid %d: %w", p.Pid, err)
	}

	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(int(p.Pid), &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("procdebug: waiting for initial stop on pid %d: %w", p.Pid, err)
	}

	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", p.Pid), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("procdebug: opening memory for pid %d: %w", p.Pid, err)
	}

	exe, err := p.Exe()
	if err != nil {
		exe = fmt.Sprintf("pid:%d", p.Pid)
	}

	return &Handle{
		pid:     p.Pid,
		titleID: titleID,
		buildID: sha256.Sum256([]byte(exe)),
		mem:     mem,
	}, nil
}

// ProcessID returns the host pid, reused as the module-wide process id.
func (h *Handle) ProcessID() uint64 { return uint64(h.pid) }

// TitleID returns the title id this handle's watcher was configured with.
func (h *Handle) TitleID() uint64 { return h.titleID }

// BuildID returns a stand-in build id derived from the executable path,
// since a host binary carries no Horizon build-id section.
func (h *Handle) BuildID() [32]byte { return h.buildID }

// QueryMemoryExtents reads /proc/<pid>/maps for the first executable
// mapping (MainNso's stand-in) and the process heap.
func (h *Handle) QueryMemoryExtents(_ context.Context) (cheat.Regions, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", h.pid))
	if err != nil {
		return cheat.Regions{}, fmt.Errorf("procdebug: opening maps for pid %d: %w", h.pid, err)
	}
	defer f.Close()

	var regions cheat.Regions
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		addrRange := strings.SplitN(fields[0], "-", 2)
		if len(addrRange) != 2 {
			continue
		}
		base, err := strconv.ParseUint(addrRange[0], 16, 64)
		if err != nil {
			continue
		}

		perms := fields[1]
		path := ""
		if len(fields) >= 6 {
			path = fields[5]
		}

		switch {
		case path == "[heap]" && regions.HeapBase == 0:
			regions.HeapBase = base
		case regions.MainNsoBase == 0 && strings.Contains(perms, "x") && path != "" && !strings.HasPrefix(path, "["):
			regions.MainNsoBase = base
		}
	}
	if err := scanner.Err(); err != nil {
		return cheat.Regions{}, fmt.Errorf("procdebug: scanning maps for pid %d: %w", h.pid, err)
	}
	return regions, nil
}

// ReadMemory reads width bytes at addr via /proc/<pid>/mem.
func (h *Handle) ReadMemory(addr uint64, width int) (uint64, error) {
	buf := make([]byte, width)
	if _, err := h.mem.ReadAt(buf, int64(addr)); err != nil {
		return 0, fmt.Errorf("procdebug: reading %d bytes at %#x: %w", width, addr, err)
	}
	return decodeWidth(buf, width), nil
}

// WriteMemory writes width bytes of value at addr via /proc/<pid>/mem.
func (h *Handle) WriteMemory(addr uint64, width int, value uint64) error {
	if _, err := h.mem.WriteAt(encodeWidth(value, width), int64(addr)); err != nil {
		return fmt.Errorf("procdebug: writing %d bytes at %#x: %w", width, addr, err)
	}
	return nil
}

// PollDebugEvent blocks on the next ptrace wait status, or ctx expiring.
func (h *Handle) PollDebugEvent(ctx context.Context) (cheat.DebugEvent, error) {
	type result struct {
		ev  cheat.DebugEvent
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var ws syscall.WaitStatus
		if _, err := syscall.Wait4(int(h.pid), &ws, 0, nil); err != nil {
			ch <- result{err: fmt.Errorf("procdebug: wait4 pid %d: %w", h.pid, err)}
			return
		}
		switch {
		case ws.Exited():
			ch <- result{ev: cheat.DebugEvent{Kind: "exited"}}
		case ws.Stopped():
			ch <- result{ev: cheat.DebugEvent{Kind: "stopped"}}
		default:
			ch <- result{ev: cheat.DebugEvent{Kind: "signalled"}}
		}
	}()

	select {
	case <-ctx.Done():
		return cheat.DebugEvent{}, ctx.Err()
	case r := <-ch:
		return r.ev, r.err
	}
}

// ContinueDebugEvent resumes the process past ev, unless it already exited.
func (h *Handle) ContinueDebugEvent(_ context.Context, ev cheat.DebugEvent) error {
	if ev.Kind == "exited" {
		return nil
	}
	if err := syscall.PtraceCont(int(h.pid), 0); err != nil {
		return fmt.Errorf("procdebug: ptrace cont pid %d: %w", h.pid, err)
	}
	return nil
}

func decodeWidth(buf []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	default:
		return binary.LittleEndian.Uint64(buf)
	}
}

func encodeWidth(value uint64, width int) []byte {
	buf := make([]byte, width)
	switch width {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	default:
		binary.LittleEndian.PutUint64(buf, value)
	}
	return buf
}
