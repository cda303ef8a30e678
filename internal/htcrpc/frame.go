// Package htcrpc implements the RPC body framing and version negotiation
// shared by the HTCFS and HTCS services layered on top of HTCLOW channels.
package htcrpc

import (
	"encoding/binary"
	"fmt"
)

// Category distinguishes a request body from its response.
type Category uint16

const (
	CategoryRequest  Category = 0
	CategoryResponse Category = 1
)

// PreludeSize is the fixed size of the RPC body prelude, in bytes.
const PreludeSize = 0x40

// Protocol is the only supported value of the prelude's protocol field.
const Protocol uint16 = 1

// Prelude is the fixed-size header that precedes every HTCFS/HTCS request
// or response body. Optional arguments (e.g. path strings) follow it
// immediately in the packet body.
type Prelude struct {
	Protocol uint16
	Version  uint16
	Category Category
	Type     uint16
	BodySize uint64
	Params   [5]uint64
	Reserved uint64
}

// Encode writes the prelude to a PreludeSize-byte buffer, little-endian.
func (p *Prelude) Encode() []byte {
	buf := make([]byte, PreludeSize)
	binary.LittleEndian.PutUint16(buf[0x00:], p.Protocol)
	binary.LittleEndian.PutUint16(buf[0x02:], p.Version)
	binary.LittleEndian.PutUint16(buf[0x04:], uint16(p.Category))
	binary.LittleEndian.PutUint16(buf[0x06:], p.Type)
	binary.LittleEndian.PutUint64(buf[0x08:], p.BodySize)
	for i, param := range p.Params {
		binary.LittleEndian.PutUint64(buf[0x10+i*8:], param)
	}
	binary.LittleEndian.PutUint64(buf[0x38:], p.Reserved)
	return buf
}

// DecodePrelude parses a PreludeSize-byte buffer into a Prelude, validating
// the fixed protocol field.
func DecodePrelude(buf []byte) (*Prelude, error) {
	if len(buf) < PreludeSize {
		return nil, fmt.Errorf("htcrpc: prelude truncated: got %d bytes, want %d", len(buf), PreludeSize)
	}

	p := &Prelude{
		Protocol: binary.LittleEndian.Uint16(buf[0x00:]),
		Version:  binary.LittleEndian.Uint16(buf[0x02:]),
		Category: Category(binary.LittleEndian.Uint16(buf[0x04:])),
		Type:     binary.LittleEndian.Uint16(buf[0x06:]),
		BodySize: binary.LittleEndian.Uint64(buf[0x08:]),
		Reserved: binary.LittleEndian.Uint64(buf[0x38:]),
	}
	for i := range p.Params {
		p.Params[i] = binary.LittleEndian.Uint64(buf[0x10+i*8:])
	}

	if p.Protocol != Protocol {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedProtocol, p.Protocol, Protocol)
	}

	return p, nil
}

// ErrUnsupportedProtocol is returned when a prelude's protocol field isn't 1.
var ErrUnsupportedProtocol = fmt.Errorf("htcrpc: unsupported protocol")

// NewRequest builds the Prelude for an outgoing request of the given type,
// carrying the negotiated version and up to 5 u64 parameters. args is any
// trailing argument bytes (e.g. a NUL-terminated path) that follow the
// prelude in the packet body; BodySize is set to its length.
func NewRequest(version, requestType uint16, params [5]uint64, args []byte) *Prelude {
	return &Prelude{
		Protocol: Protocol,
		Version:  version,
		Category: CategoryRequest,
		Type:     requestType,
		BodySize: uint64(len(args)),
		Params:   params,
	}
}

// NewResponse mirrors a request's type and version into a response prelude.
// params[0] conventionally carries the HtcfsResult code.
func NewResponse(req *Prelude, params [5]uint64, bodySize uint64) *Prelude {
	return &Prelude{
		Protocol: Protocol,
		Version:  req.Version,
		Category: CategoryResponse,
		Type:     req.Type,
		BodySize: bodySize,
		Params:   params,
	}
}
