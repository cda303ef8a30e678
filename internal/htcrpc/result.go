package htcrpc

import "fmt"

// HtcfsResult is the closed result enum every HTCFS/HTCS server response
// carries in params[0].
type HtcfsResult uint64

const (
	ResultSuccess HtcfsResult = iota
	ResultUnknownError
	ResultUnsupportedProtocolVersion
	ResultInvalidRequest
	ResultInvalidHandle
	ResultOutOfHandle
	ResultReady
)

func (r HtcfsResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultUnknownError:
		return "unknown_error"
	case ResultUnsupportedProtocolVersion:
		return "unsupported_protocol_version"
	case ResultInvalidRequest:
		return "invalid_request"
	case ResultInvalidHandle:
		return "invalid_handle"
	case ResultOutOfHandle:
		return "out_of_handle"
	case ResultReady:
		return "ready"
	default:
		return fmt.Sprintf("htcfs_result(%d)", uint64(r))
	}
}

// ToHostError translates a server-side HtcfsResult into the error the
// target-side filesystem layer surfaces to its own callers, per the result
// conversion rules in the RPC framing design.
func (r HtcfsResult) ToHostError() error {
	switch r {
	case ResultSuccess, ResultReady:
		return nil
	case ResultOutOfHandle:
		return ErrOpenCountLimit
	case ResultInvalidHandle:
		return ErrInvalidHandle
	case ResultInvalidRequest:
		return ErrInvalidArgument
	case ResultUnsupportedProtocolVersion:
		return ErrUnexpectedResponseVersion
	default:
		return ErrInternal
	}
}

// Host-level errors an HTCFS consumer observes, independent of the
// transport-level error taxonomy in htclow.
var (
	ErrOpenCountLimit = fmt.Errorf("htcrpc: open count limit reached")
	ErrInvalidHandle  = fmt.Errorf("htcrpc: invalid handle")
	ErrInvalidArgument = fmt.Errorf("htcrpc: invalid argument")
	ErrInternal       = fmt.Errorf("htcrpc: internal error")
	ErrTargetNotFound = fmt.Errorf("htcrpc: target not found")
)
