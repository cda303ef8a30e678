package cheat

import (
	"context"
	"log/slog"
	"testing"
)

type fakeDebugHandle struct {
	mem     *fakeMemory
	regions Regions
	pid     uint64
	titleID uint64
	buildID [32]byte
	buttons Buttons
	closed  bool
}

func (h *fakeDebugHandle) ProcessID() uint64 { return h.pid }
func (h *fakeDebugHandle) TitleID() uint64   { return h.titleID }
func (h *fakeDebugHandle) BuildID() [32]byte { return h.buildID }
func (h *fakeDebugHandle) QueryMemoryExtents(ctx context.Context) (Regions, error) {
	return h.regions, nil
}
func (h *fakeDebugHandle) ReadMemory(addr uint64, width int) (uint64, error) {
	return h.mem.Read(addr, width)
}
func (h *fakeDebugHandle) WriteMemory(addr uint64, width int, value uint64) error {
	return h.mem.Write(addr, width, value)
}
func (h *fakeDebugHandle) PollDebugEvent(ctx context.Context) (DebugEvent, error) {
	<-ctx.Done()
	return DebugEvent{}, ctx.Err()
}
func (h *fakeDebugHandle) ContinueDebugEvent(ctx context.Context, ev DebugEvent) error { return nil }
func (h *fakeDebugHandle) CurrentButtons() Buttons                                    { return h.buttons }
func (h *fakeDebugHandle) Close() error                                               { h.closed = true; return nil }

func testManager() *Manager {
	return NewManager(nil, nil, slog.Default(), nil)
}

func TestManagerTickAppliesFrozenReplayAfterCheatWrite(t *testing.T) {
	mem := newFakeMemory()
	mem.Write(0x100, 4, 0xDEADBEEF)
	handle := &fakeDebugHandle{mem: mem}

	program, err := DecodeProgram(mustEncode(t, []Opcode{
		StoreStatic{Width: 4, RelAddr: 0x100, Value: 0},
	}))
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}

	m := testManager()
	m.state = &attachedState{
		handle:  handle,
		program: program,
	}
	m.state.frozen.add(0x100, 4, 0xDEADBEEF)

	m.tick()

	got, _ := mem.Read(0x100, 4)
	if got != 0xDEADBEEF {
		t.Fatalf("memory after tick = %#x, want 0xDEADBEEF", got)
	}
	if m.state.frozen.entries[0].Value != 0xDEADBEEF {
		t.Fatalf("cached frozen value changed to %#x, want unchanged 0xDEADBEEF", m.state.frozen.entries[0].Value)
	}
}

func TestManagerTickRebuildsDirtyProgram(t *testing.T) {
	mem := newFakeMemory()
	handle := &fakeDebugHandle{mem: mem}

	m := testManager()
	words, _ := EncodeProgram([]Opcode{StoreStatic{Width: 1, RelAddr: 0x1, Value: 5}})
	m.state = &attachedState{
		handle: handle,
		entries: []Entry{
			{Name: "master", Master: true, Enabled: true, Words: words},
		},
		dirty: true,
	}

	m.tick()

	if m.state.dirty {
		t.Fatal("tick should have cleared the dirty flag after rebuilding the program")
	}
	got, _ := mem.Read(0x1, 1)
	if got != 5 {
		t.Fatalf("memory = %#x, want 5", got)
	}
}

func TestManagerTickSkipsDisabledCheats(t *testing.T) {
	mem := newFakeMemory()
	handle := &fakeDebugHandle{mem: mem}
	words, _ := EncodeProgram([]Opcode{StoreStatic{Width: 1, RelAddr: 0x1, Value: 5}})

	m := testManager()
	m.state = &attachedState{
		handle: handle,
		entries: []Entry{
			{Name: "disabled", Enabled: false, Words: words},
		},
		dirty: true,
	}

	m.tick()

	got, _ := mem.Read(0x1, 1)
	if got != 0 {
		t.Fatalf("disabled cheat ran anyway, memory = %#x", got)
	}
}

func TestManagerFreezeRequiresAttachment(t *testing.T) {
	m := testManager()
	if err := m.Freeze(0x10, 1, 1); err != ErrNotAttached {
		t.Fatalf("got %v, want ErrNotAttached", err)
	}
}

func TestManagerWriteMemoryUpdatesFrozenCache(t *testing.T) {
	mem := newFakeMemory()
	handle := &fakeDebugHandle{mem: mem}
	m := testManager()
	m.state = &attachedState{handle: handle}
	m.state.frozen.add(0x10, 4, 1)

	if err := m.WriteMemory(0x10, 4, 42); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if m.state.frozen.entries[0].Value != 42 {
		t.Fatalf("expected external write to update the frozen cache, got %d", m.state.frozen.entries[0].Value)
	}
}

func mustEncode(t *testing.T, ops []Opcode) []uint32 {
	t.Helper()
	words, err := EncodeProgram(ops)
	if err != nil {
		t.Fatalf("EncodeProgram: %v", err)
	}
	return words
}
