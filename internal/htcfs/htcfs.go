// Package htcfs implements the remote filesystem RPC client layered on top
// of an HTCLOW channel pair: a control channel carrying request/response
// preludes, and an on-demand bulk channel for oversize payloads.
package htcfs

import (
	"github.com/nishisan-dev/htcbridge/internal/htclow"
	"github.com/nishisan-dev/htcbridge/internal/htcrpc"
)

// ModuleID is the HTCLOW module id HTCFS channels are registered under.
// Channel 0 of the module is always the RPC control channel; channel 1 is
// opened on demand as the bulk-receive data channel for oversize reads.
const ModuleID uint16 = 1

const (
	controlChannelID = 0
	dataChannelID    = 1
)

// Request types carried in an htcrpc.Prelude.Type field.
const (
	TypeGetMaxProtocolVersion uint16 = iota
	TypeSetProtocolVersion
	TypeOpenFile
	TypeCloseFile
	TypeReadFile
	TypeWriteFile
	TypeGetFileSize
	TypeSetFileSize
	TypeOpenDirectory
	TypeCloseDirectory
	TypeReadDirectory
	TypeCreateFile
	TypeDeleteFile
	TypeRenameFile
	TypeGetEntryType
)

// OpenMode mirrors the host-side open flags a request's params[0] carries.
type OpenMode uint64

const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
	OpenAppend
)

// EntryType reports whether a path names a file or a directory, returned by
// GetEntryType and directory listings.
type EntryType uint64

const (
	EntryTypeDirectory EntryType = iota
	EntryTypeFile
)

// controlChannelConfig is the buffer sizing used for the HTCFS control
// channel: small request/response frames only, so the default 16 KiB
// packet size comfortably covers a prelude plus a path argument.
var controlChannelConfig = htclow.DefaultChannelConfig

// requestBytes serializes a prelude followed by its trailing argument bytes
// (a path string, typically) into the single packet body HTCLOW sends.
func requestBytes(p *htcrpc.Prelude, args []byte) []byte {
	buf := make([]byte, 0, htcrpc.PreludeSize+len(args))
	buf = append(buf, p.Encode()...)
	buf = append(buf, args...)
	return buf
}
