package cheat

import "testing"

// fakeMemory is a byte-addressable little scratch space keyed by absolute
// address, enough to exercise the VM's read/write calls without a real
// debug handle.
type fakeMemory struct {
	bytes map[uint64]byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{bytes: make(map[uint64]byte)}
}

func (f *fakeMemory) Read(addr uint64, width int) (uint64, error) {
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(f.bytes[addr+uint64(i)]) << (8 * i)
	}
	return v, nil
}

func (f *fakeMemory) Write(addr uint64, width int, value uint64) error {
	for i := 0; i < width; i++ {
		f.bytes[addr+uint64(i)] = byte(value >> (8 * i))
	}
	return nil
}

func TestExecuteLoadThenStoreStatic(t *testing.T) {
	mem := newFakeMemory()
	regions := Regions{MainNsoBase: 0x1000}
	program := []Opcode{
		LoadRegImm{Reg: 0, Imm: 0x12345678},
		StoreStatic{Width: 1, Mem: MemMainNso, RelAddr: 0x10200000, Value: 0xAA},
	}

	var regs Registers
	writes, err := Execute(&regs, program, mem, regions, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if regs.General[0] != 0x12345678 {
		t.Fatalf("regs[0] = %#x, want 0x12345678", regs.General[0])
	}
	if len(writes) != 1 || writes[0].Value != 0xAA {
		t.Fatalf("writes = %+v, want one write of 0xAA", writes)
	}

	got, _ := mem.Read(regions.MainNsoBase+0x10200000, 1)
	if got != 0xAA {
		t.Fatalf("memory at target address = %#x, want 0xAA", got)
	}
}

func TestExecuteBeginCondSkipsFalseBranch(t *testing.T) {
	mem := newFakeMemory()
	regions := Regions{MainNsoBase: 0}
	mem.Write(0x10, 4, 5)

	program := []Opcode{
		BeginCond{Width: 4, RelAddr: 0x10, Cmp: CmpEqual, Value: 999},
		StoreStatic{Width: 4, RelAddr: 0x20, Value: 0xAAAAAAAA},
		EndCond{},
		StoreStatic{Width: 4, RelAddr: 0x30, Value: 0xBBBBBBBB},
	}

	var regs Registers
	if _, err := Execute(&regs, program, mem, regions, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if v, _ := mem.Read(0x20, 4); v != 0 {
		t.Fatalf("write inside false condition should not apply, got %#x", v)
	}
	if v, _ := mem.Read(0x30, 4); v != 0xBBBBBBBB {
		t.Fatalf("write after EndCond should apply, got %#x", v)
	}
}

func TestExecuteStrayEndCondIsNoOp(t *testing.T) {
	mem := newFakeMemory()
	program := []Opcode{EndCond{}, StoreStatic{Width: 1, RelAddr: 0x1, Value: 7}}
	var regs Registers
	if _, err := Execute(&regs, program, mem, Regions{}, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v, _ := mem.Read(0x1, 1); v != 7 {
		t.Fatal("store after a stray EndCond should still run")
	}
}

func TestExecuteBeginKeyCondGatesOnButtons(t *testing.T) {
	mem := newFakeMemory()
	program := []Opcode{
		BeginKeyCond{Mask: 0x1},
		StoreStatic{Width: 1, RelAddr: 0x1, Value: 1},
		EndCond{},
	}
	var regs Registers
	Execute(&regs, program, mem, Regions{}, 0)
	if v, _ := mem.Read(0x1, 1); v != 0 {
		t.Fatal("key condition without the button held should not run its body")
	}

	mem2 := newFakeMemory()
	Execute(&regs, program, mem2, Regions{}, Buttons(0x1))
	if v, _ := mem2.Read(0x1, 1); v != 1 {
		t.Fatal("key condition with the button held should run its body")
	}
}

func TestExecuteLoopRepeatsBody(t *testing.T) {
	mem := newFakeMemory()
	program := []Opcode{
		Loop{Reg: 1, Iters: 3},
		ArithImm{Width: 4, Reg: 0, Op: ArithAdd, Imm: 1},
		Loop{Reg: 1, IsEnd: true},
	}
	var regs Registers
	if _, err := Execute(&regs, program, mem, Regions{}, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if regs.General[0] != 3 {
		t.Fatalf("loop body ran %d times, want 3", regs.General[0])
	}
}

func TestExecuteSaveRestoreRegSurvivesAcrossCalls(t *testing.T) {
	mem := newFakeMemory()
	var regs Registers
	regs.General[0] = 42

	Execute(&regs, []Opcode{SaveRestoreReg{Dst: 0, Src: 0, IsSave: true}}, mem, Regions{}, 0)

	// Simulate the next tick zeroing General, as the manager does.
	regs.General = [16]uint64{}

	Execute(&regs, []Opcode{SaveRestoreReg{Dst: 0, Src: 0, IsSave: false}}, mem, Regions{}, 0)
	if regs.General[0] != 42 {
		t.Fatalf("restored register = %d, want 42", regs.General[0])
	}
}

func TestArithRegWithImmediateOperand(t *testing.T) {
	mem := newFakeMemory()
	var regs Registers
	regs.General[1] = 10
	Execute(&regs, []Opcode{
		ArithReg{Width: 4, Op: ArithMul, Dst: 0, Src1: 1, UsesImm: true, Imm: 3},
	}, mem, Regions{}, 0)
	if regs.General[0] != 30 {
		t.Fatalf("regs[0] = %d, want 30", regs.General[0])
	}
}
