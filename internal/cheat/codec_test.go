package cheat

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ops := []Opcode{
		StoreStatic{Width: 1, Mem: MemMainNso, RelAddr: 0x10200000, Value: 0xAA},
		BeginCond{Width: 4, Cmp: CmpEqual, RelAddr: 0x10, Value: 5},
		EndCond{},
		Loop{Reg: 2, Iters: 4},
		Loop{Reg: 2, IsEnd: true},
		LoadRegImm{Reg: 1, Imm: 0x12345678},
		LoadRegMem{Width: 8, Reg: 3, Addr: 0x20},
		StoreImmAtReg{Width: 4, Reg: 0, Value: 7},
		ArithImm{Width: 4, Reg: 0, Op: ArithAdd, Imm: 1},
		BeginKeyCond{Mask: 0x1},
		ArithReg{Width: 4, Op: ArithMul, Dst: 0, Src1: 1, UsesImm: true, Imm: 2},
		ArithReg{Width: 4, Op: ArithOr, Dst: 0, Src1: 1, Src2: 2},
		StoreRegAtReg{Width: 4, Src: 0, OfsType: OffsetImm, Operand: 0x30},
		BeginRegCond{Width: 4, Cmp: CmpGreater, ValReg: 0, Operand: 10},
		SaveRestoreReg{Dst: 0, Src: 1, IsSave: true},
		SaveRestoreMask{IsSave: false, Mask: 0x3},
	}

	words, err := EncodeProgram(ops)
	if err != nil {
		t.Fatalf("EncodeProgram: %v", err)
	}
	decoded, err := DecodeProgram(words)
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if len(decoded) != len(ops) {
		t.Fatalf("decoded %d opcodes, want %d", len(decoded), len(ops))
	}
	for i := range ops {
		if decoded[i] != ops[i] {
			t.Fatalf("opcode %d: got %#v, want %#v", i, decoded[i], ops[i])
		}
	}
}

func TestDecodeProgramRejectsTruncatedOperand(t *testing.T) {
	// StoreStatic's tag word with no following relAddr/value words.
	words := []uint32{uint32(0x0) << 28}
	if _, err := DecodeProgram(words); err == nil {
		t.Fatal("expected an error for a truncated operand")
	}
}

func TestDecodeProgramRejectsUnknownOpcode(t *testing.T) {
	words := []uint32{uint32(0xB) << 28}
	if _, err := DecodeProgram(words); err == nil {
		t.Fatal("expected an error for an unknown opcode tag")
	}
}

func TestDecodeProgramRejectsOversizeProgram(t *testing.T) {
	words := make([]uint32, MaxProgramWords+1)
	if _, err := DecodeProgram(words); err != ErrProgramTooLarge {
		t.Fatalf("got %v, want ErrProgramTooLarge", err)
	}
}
