// Package htcs implements the POSIX-like remote socket RPC client layered
// on top of an HTCLOW channel pair, mirroring the request/response shape
// htcfs uses for its own control channel.
package htcs

import "github.com/nishisan-dev/htcbridge/internal/htclow"

// ModuleID is the HTCLOW module id HTCS channels are registered under.
const ModuleID uint16 = 2

const (
	controlChannelID = 0
	dataChannelID     = 1
)

// Request types carried in an htcrpc.Prelude.Type field.
const (
	TypeSocket uint16 = iota
	TypeClose
	TypeBind
	TypeConnect
	TypeListen
	TypeAcceptStart
	TypeAcceptResults
	TypeRecvStart
	TypeRecvResults
	TypeSendStart
	TypeSendResults
	TypeShutdown
	TypeFcntl
	TypeSelectStart
	TypeSelectResults
)

// ShutdownHow mirrors POSIX shutdown(2)'s how argument.
type ShutdownHow uint64

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

// controlChannelConfig sizes the HTCS control channel the same way the
// HTCFS control channel is sized: small request/response frames only.
var controlChannelConfig = htclow.DefaultChannelConfig

// bulkThreshold bounds how large a recv payload can be before it's moved
// to the secondary bulk data channel instead of riding the control
// channel's own packet budget. Send payloads of any size ride the control
// channel; no bulk channel is opened for them.
var bulkThreshold = uint32(htclow.DefaultChannelConfig.MaxPacketSize) - 64
