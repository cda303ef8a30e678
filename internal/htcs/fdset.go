package htcs

import (
	"encoding/binary"
	"fmt"
)

// encodeFdSets serializes the three fd sets a select call operates over as
// three (count, fd...) runs, in read/write/except order.
func encodeFdSets(read, write, except []uint64) []byte {
	var buf []byte
	for _, set := range [][]uint64{read, write, except} {
		n := make([]byte, 8)
		binary.LittleEndian.PutUint64(n, uint64(len(set)))
		buf = append(buf, n...)
		for _, fd := range set {
			v := make([]byte, 8)
			binary.LittleEndian.PutUint64(v, fd)
			buf = append(buf, v...)
		}
	}
	return buf
}

// decodeFdSets parses the three (count, fd...) runs a select response
// carries back as its ready read/write/except sets.
func decodeFdSets(payload []byte) ([3][]uint64, error) {
	var out [3][]uint64
	off := 0
	for i := 0; i < 3; i++ {
		if off+8 > len(payload) {
			return out, fmt.Errorf("htcs: truncated fd set count")
		}
		count := binary.LittleEndian.Uint64(payload[off:])
		off += 8
		set := make([]uint64, 0, count)
		for j := uint64(0); j < count; j++ {
			if off+8 > len(payload) {
				return out, fmt.Errorf("htcs: truncated fd set values")
			}
			set = append(set, binary.LittleEndian.Uint64(payload[off:]))
			off += 8
		}
		out[i] = set
	}
	return out, nil
}
