package htcrpc

import "fmt"

// MaxSupportedVersion is the highest RPC protocol version this module
// speaks. Per the version-negotiation design note, a peer advertising a
// higher max is clamped down to this value rather than rejected outright.
const MaxSupportedVersion uint16 = 1

// NegotiateVersion implements the client side of version negotiation: given
// the server's advertised max (from GetMaxProtocolVersion), pick
// min(MaxSupportedVersion, serverMax), except that a serverMax of 0 (no
// version advertised) also yields MaxSupportedVersion. Any serverMax above
// MaxSupportedVersion is silently clamped rather than treated as an error,
// since a future server is still expected to speak version 1.
func NegotiateVersion(serverMax uint16) uint16 {
	if serverMax > MaxSupportedVersion {
		return MaxSupportedVersion
	}
	if serverMax == 0 {
		return MaxSupportedVersion
	}
	return serverMax
}

// CheckResponseVersion validates that a response prelude carries the
// version the client set via SetProtocolVersion. A mismatch means the
// server is misbehaving or stale, never a situation the client works
// around.
func CheckResponseVersion(negotiated uint16, resp *Prelude) error {
	if resp.Version != negotiated {
		return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedResponseVersion, resp.Version, negotiated)
	}
	return nil
}

// ErrUnexpectedResponseVersion is returned when a response's version field
// does not match the version negotiated for the connection.
var ErrUnexpectedResponseVersion = fmt.Errorf("htcrpc: unexpected response protocol version")
