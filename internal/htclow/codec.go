// Package htclow implements the packet codec, channel engine and manager
// that sit directly on top of the carrier byte stream.
package htclow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// HeaderSize is the fixed wire size of a Packet header, in bytes. This shape
// is wire-visible and MUST NOT change.
const HeaderSize = 0x28

// MaxBodySize bounds a single packet's body.
const MaxBodySize = 0x3E000

// Errors returned by Decode. A header checksum mismatch or an oversize body
// means the byte stream can no longer be trusted at the packet boundary;
// callers close the channel rather than attempt a byte-level resync.
var (
	ErrHeaderChecksum = errors.New("htclow: header checksum mismatch")
	ErrBodyChecksum   = errors.New("htclow: body checksum mismatch")
	ErrBodyTooLarge   = errors.New("htclow: body exceeds max packet body size")
)

// Packet is one HTCLOW wire packet: a fixed header plus a body of at most
// MaxBodySize bytes. Fields mirror the wire layout exactly; reserved is kept
// around (rather than discarded on decode) so a future field can be added to
// it without changing HeaderSize.
type Packet struct {
	ServiceID      uint32
	TaskID         uint32
	Command        uint16
	IsContinuation bool
	Version        uint8
	Reserved       [16]byte
	Body           []byte
}

// Encode writes the packet's header and body to w, computing both checksums.
// Large bodies must already have been split by Fragment before calling
// Encode — Encode itself never fragments.
func (p *Packet) Encode(w io.Writer) error {
	if len(p.Body) > MaxBodySize {
		return ErrBodyTooLarge
	}

	buf := make([]byte, HeaderSize+len(p.Body))
	binary.LittleEndian.PutUint32(buf[0x00:], p.ServiceID)
	binary.LittleEndian.PutUint32(buf[0x04:], p.TaskID)
	binary.LittleEndian.PutUint16(buf[0x08:], p.Command)
	if p.IsContinuation {
		buf[0x0A] = 1
	}
	buf[0x0B] = p.Version
	binary.LittleEndian.PutUint32(buf[0x0C:], uint32(len(p.Body)))
	copy(buf[0x10:0x20], p.Reserved[:])

	copy(buf[HeaderSize:], p.Body)

	var bodyChecksum uint32
	if len(p.Body) > 0 {
		bodyChecksum = crc32.ChecksumIEEE(p.Body)
	}
	binary.LittleEndian.PutUint32(buf[0x20:], bodyChecksum)

	headerChecksum := crc32.ChecksumIEEE(buf[0x00:0x24])
	binary.LittleEndian.PutUint32(buf[0x24:], headerChecksum)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("htclow: writing packet: %w", err)
	}
	return nil
}

// Decode reads one packet from r: exactly HeaderSize bytes of header,
// followed by body_len bytes of body. The header checksum is validated
// before the body is read at all, per the codec's "never resync mid-stream"
// contract — a corrupt header is detected without consuming an unknown
// number of body bytes. The body is always freshly allocated; callers on a
// hot path that want to reuse a buffer should call DecodeBuf instead.
func Decode(r io.Reader) (*Packet, error) {
	return DecodeBuf(r, nil)
}

// DecodeBuf behaves exactly like Decode, except the packet body is decoded
// into buf instead of a fresh allocation whenever buf has enough capacity
// for it. This lets Manager decode received packets directly into a
// buffer drawn from its receive pool.
func DecodeBuf(r io.Reader, buf []byte) (*Packet, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("htclow: reading packet header: %w", err)
	}

	wantHeaderChecksum := binary.LittleEndian.Uint32(header[0x24:0x28])
	gotHeaderChecksum := crc32.ChecksumIEEE(header[0x00:0x24])
	if gotHeaderChecksum != wantHeaderChecksum {
		return nil, ErrHeaderChecksum
	}

	bodyLen := binary.LittleEndian.Uint32(header[0x0C:0x10])
	if bodyLen > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	p := &Packet{
		ServiceID:      binary.LittleEndian.Uint32(header[0x00:0x04]),
		TaskID:         binary.LittleEndian.Uint32(header[0x04:0x08]),
		Command:        binary.LittleEndian.Uint16(header[0x08:0x0A]),
		IsContinuation: header[0x0A] != 0,
		Version:        header[0x0B],
	}
	copy(p.Reserved[:], header[0x10:0x20])

	if bodyLen > 0 {
		if cap(buf) >= int(bodyLen) {
			p.Body = buf[:bodyLen]
		} else {
			p.Body = make([]byte, bodyLen)
		}
		if _, err := io.ReadFull(r, p.Body); err != nil {
			return nil, fmt.Errorf("htclow: reading packet body: %w", err)
		}
	}

	wantBodyChecksum := binary.LittleEndian.Uint32(header[0x20:0x24])
	var gotBodyChecksum uint32
	if bodyLen > 0 {
		gotBodyChecksum = crc32.ChecksumIEEE(p.Body)
	}
	if gotBodyChecksum != wantBodyChecksum {
		return nil, ErrBodyChecksum
	}

	return p, nil
}

// Fragment splits body into one or more packets sized to fit maxPacketSize,
// all sharing serviceID/taskID/command. IsContinuation is set on every
// packet but the last. A zero-length body still yields exactly one packet.
func Fragment(serviceID, taskID uint32, command uint16, version uint8, body []byte, maxPacketSize uint32) []Packet {
	maxBody := int(maxPacketSize) - HeaderSize
	if maxBody <= 0 || maxBody > MaxBodySize {
		maxBody = MaxBodySize
	}

	if len(body) == 0 {
		return []Packet{{ServiceID: serviceID, TaskID: taskID, Command: command, Version: version}}
	}

	var packets []Packet
	for offset := 0; offset < len(body); offset += maxBody {
		end := offset + maxBody
		if end > len(body) {
			end = len(body)
		}
		packets = append(packets, Packet{
			ServiceID:      serviceID,
			TaskID:         taskID,
			Command:        command,
			Version:        version,
			IsContinuation: end < len(body),
			Body:           body[offset:end],
		})
	}
	return packets
}
