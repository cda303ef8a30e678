package cheat

import "fmt"

// wordReader walks a program's 32-bit words, tracking position for error
// messages and bounds checks.
type wordReader struct {
	words []uint32
	pos   int
}

func (r *wordReader) next() (uint32, error) {
	if r.pos >= len(r.words) {
		return 0, fmt.Errorf("cheat: unexpected end of program at word %d", r.pos)
	}
	w := r.words[r.pos]
	r.pos++
	return w, nil
}

func (r *wordReader) nextU64() (uint64, error) {
	hi, err := r.next()
	if err != nil {
		return 0, err
	}
	lo, err := r.next()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

func nibble(w uint32, i int) uint8 {
	return uint8((w >> (i * 4)) & 0xf)
}

// DecodeProgram decodes a flat word stream into its opcode sequence. The
// top nibble of each instruction's first word selects the opcode; 0xC is
// an extended escape whose second nibble selects the concrete sub-opcode.
func DecodeProgram(words []uint32) ([]Opcode, error) {
	if len(words) > MaxProgramWords {
		return nil, ErrProgramTooLarge
	}
	r := &wordReader{words: words}
	var ops []Opcode
	for r.pos < len(r.words) {
		op, err := decodeOne(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOne(r *wordReader) (Opcode, error) {
	w0, err := r.next()
	if err != nil {
		return nil, err
	}
	tag := nibble(w0, 7)

	switch tag {
	case 0x0:
		width, err := codeToWidth(nibble(w0, 6))
		if err != nil {
			return nil, err
		}
		relAddr, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		value, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		return StoreStatic{
			Width:   width,
			Mem:     MemRegion(nibble(w0, 5)),
			RegOff:  nibble(w0, 4),
			RelAddr: relAddr,
			Value:   value,
		}, nil

	case 0x1:
		width, err := codeToWidth(nibble(w0, 6))
		if err != nil {
			return nil, err
		}
		relAddr, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		value, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		return BeginCond{
			Width:   width,
			Mem:     MemRegion(nibble(w0, 5)),
			Cmp:     CompareOp(nibble(w0, 4)),
			RelAddr: relAddr,
			Value:   value,
		}, nil

	case 0x2:
		return EndCond{}, nil

	case 0x3:
		reg := nibble(w0, 6)
		isEnd := nibble(w0, 5) != 0
		if isEnd {
			return Loop{Reg: reg, IsEnd: true}, nil
		}
		iters, err := r.next()
		if err != nil {
			return nil, err
		}
		return Loop{Reg: reg, Iters: iters}, nil

	case 0x4:
		imm, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		return LoadRegImm{Reg: nibble(w0, 6), Imm: imm}, nil

	case 0x5:
		width, err := codeToWidth(nibble(w0, 6))
		if err != nil {
			return nil, err
		}
		addr, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		return LoadRegMem{
			Width:   width,
			Mem:     MemRegion(nibble(w0, 5)),
			Reg:     nibble(w0, 4),
			FromReg: nibble(w0, 3) != 0,
			Addr:    addr,
		}, nil

	case 0x6:
		width, err := codeToWidth(nibble(w0, 6))
		if err != nil {
			return nil, err
		}
		value, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		return StoreImmAtReg{
			Width:  width,
			Reg:    nibble(w0, 5),
			Incr:   nibble(w0, 4) != 0,
			AddOff: nibble(w0, 3) != 0,
			OffReg: nibble(w0, 2),
			Value:  value,
		}, nil

	case 0x7:
		width, err := codeToWidth(nibble(w0, 6))
		if err != nil {
			return nil, err
		}
		imm, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		return ArithImm{
			Width: width,
			Reg:   nibble(w0, 5),
			Op:    ArithOp(nibble(w0, 4)),
			Imm:   imm,
		}, nil

	case 0x8:
		mask, err := r.next()
		if err != nil {
			return nil, err
		}
		return BeginKeyCond{Mask: mask}, nil

	case 0x9:
		width, err := codeToWidth(nibble(w0, 6))
		if err != nil {
			return nil, err
		}
		op := ArithOp(nibble(w0, 5))
		dst := nibble(w0, 4)
		src1 := nibble(w0, 3)
		usesImm := nibble(w0, 2) != 0
		if usesImm {
			imm, err := r.nextU64()
			if err != nil {
				return nil, err
			}
			return ArithReg{Width: width, Op: op, Dst: dst, Src1: src1, UsesImm: true, Imm: imm}, nil
		}
		src2w, err := r.next()
		if err != nil {
			return nil, err
		}
		return ArithReg{Width: width, Op: op, Dst: dst, Src1: src1, Src2: uint8(src2w)}, nil

	case 0xA:
		width, err := codeToWidth(nibble(w0, 6))
		if err != nil {
			return nil, err
		}
		addr, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		operand, err := r.nextU64()
		if err != nil {
			return nil, err
		}
		return StoreRegAtReg{
			Width:   width,
			Src:     nibble(w0, 5),
			Incr:    nibble(w0, 4) != 0,
			OfsType: OffsetType(nibble(w0, 3)),
			Addr:    addr,
			Operand: operand,
		}, nil

	case 0xC:
		sub := nibble(w0, 6)
		switch sub {
		case 0x0:
			width, err := codeToWidth(nibble(w0, 5))
			if err != nil {
				return nil, err
			}
			operand, err := r.nextU64()
			if err != nil {
				return nil, err
			}
			return BeginRegCond{
				Width:    width,
				Cmp:      CompareOp(nibble(w0, 4)),
				ValReg:   nibble(w0, 3),
				CompType: OffsetType(nibble(w0, 2)),
				Operand:  operand,
			}, nil
		case 0x1:
			return SaveRestoreReg{
				Dst:    nibble(w0, 5),
				Src:    nibble(w0, 4),
				IsSave: nibble(w0, 3) != 0,
			}, nil
		case 0x2:
			maskWord, err := r.next()
			if err != nil {
				return nil, err
			}
			return SaveRestoreMask{
				IsSave: nibble(w0, 5) != 0,
				Mask:   uint16(maskWord),
			}, nil
		default:
			return nil, fmt.Errorf("cheat: unknown extended opcode C%X", sub)
		}

	default:
		return nil, fmt.Errorf("cheat: unknown opcode %X", tag)
	}
}

// EncodeProgram is DecodeProgram's inverse, used by tests and by anything
// that synthesizes a program in memory rather than parsing it from text.
func EncodeProgram(ops []Opcode) ([]uint32, error) {
	var words []uint32
	appendU64 := func(v uint64) {
		words = append(words, uint32(v>>32), uint32(v))
	}
	for _, op := range ops {
		switch v := op.(type) {
		case StoreStatic:
			code, err := widthToCode(v.Width)
			if err != nil {
				return nil, err
			}
			words = append(words, uint32(0x0)<<28|uint32(code)<<24|uint32(v.Mem)<<20|uint32(v.RegOff)<<16)
			appendU64(v.RelAddr)
			appendU64(v.Value)

		case BeginCond:
			code, err := widthToCode(v.Width)
			if err != nil {
				return nil, err
			}
			words = append(words, uint32(0x1)<<28|uint32(code)<<24|uint32(v.Mem)<<20|uint32(v.Cmp)<<16)
			appendU64(v.RelAddr)
			appendU64(v.Value)

		case EndCond:
			words = append(words, uint32(0x2)<<28)

		case Loop:
			if v.IsEnd {
				words = append(words, uint32(0x3)<<28|uint32(v.Reg)<<24|uint32(1)<<20)
				continue
			}
			words = append(words, uint32(0x3)<<28|uint32(v.Reg)<<24)
			words = append(words, v.Iters)

		case LoadRegImm:
			words = append(words, uint32(0x4)<<28|uint32(v.Reg)<<24)
			appendU64(v.Imm)

		case LoadRegMem:
			code, err := widthToCode(v.Width)
			if err != nil {
				return nil, err
			}
			fromReg := uint32(0)
			if v.FromReg {
				fromReg = 1
			}
			words = append(words, uint32(0x5)<<28|uint32(code)<<24|uint32(v.Mem)<<20|uint32(v.Reg)<<16|fromReg<<12)
			appendU64(v.Addr)

		case StoreImmAtReg:
			code, err := widthToCode(v.Width)
			if err != nil {
				return nil, err
			}
			incr, addOff := uint32(0), uint32(0)
			if v.Incr {
				incr = 1
			}
			if v.AddOff {
				addOff = 1
			}
			words = append(words, uint32(0x6)<<28|uint32(code)<<24|uint32(v.Reg)<<20|incr<<16|addOff<<12|uint32(v.OffReg)<<8)
			appendU64(v.Value)

		case ArithImm:
			code, err := widthToCode(v.Width)
			if err != nil {
				return nil, err
			}
			words = append(words, uint32(0x7)<<28|uint32(code)<<24|uint32(v.Reg)<<20|uint32(v.Op)<<16)
			appendU64(v.Imm)

		case BeginKeyCond:
			words = append(words, uint32(0x8)<<28)
			words = append(words, v.Mask)

		case ArithReg:
			code, err := widthToCode(v.Width)
			if err != nil {
				return nil, err
			}
			usesImm := uint32(0)
			if v.UsesImm {
				usesImm = 1
			}
			words = append(words, uint32(0x9)<<28|uint32(code)<<24|uint32(v.Op)<<20|uint32(v.Dst)<<16|uint32(v.Src1)<<12|usesImm<<8)
			if v.UsesImm {
				appendU64(v.Imm)
			} else {
				words = append(words, uint32(v.Src2))
			}

		case StoreRegAtReg:
			code, err := widthToCode(v.Width)
			if err != nil {
				return nil, err
			}
			incr := uint32(0)
			if v.Incr {
				incr = 1
			}
			words = append(words, uint32(0xA)<<28|uint32(code)<<24|uint32(v.Src)<<20|incr<<16|uint32(v.OfsType)<<12)
			appendU64(v.Addr)
			appendU64(v.Operand)

		case BeginRegCond:
			code, err := widthToCode(v.Width)
			if err != nil {
				return nil, err
			}
			words = append(words, uint32(0xC)<<28|uint32(0x0)<<24|uint32(code)<<20|uint32(v.Cmp)<<16|uint32(v.ValReg)<<12|uint32(v.CompType)<<8)
			appendU64(v.Operand)

		case SaveRestoreReg:
			isSave := uint32(0)
			if v.IsSave {
				isSave = 1
			}
			words = append(words, uint32(0xC)<<28|uint32(0x1)<<24|uint32(v.Dst)<<20|uint32(v.Src)<<16|isSave<<12)

		case SaveRestoreMask:
			isSave := uint32(0)
			if v.IsSave {
				isSave = 1
			}
			words = append(words, uint32(0xC)<<28|uint32(0x2)<<24|isSave<<20)
			words = append(words, uint32(v.Mask))

		default:
			return nil, fmt.Errorf("cheat: cannot encode opcode of type %T", op)
		}
	}
	if len(words) > MaxProgramWords {
		return nil, ErrProgramTooLarge
	}
	return words, nil
}
