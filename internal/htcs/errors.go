package htcs

import "fmt"

// Errno is the POSIX-style error code an HTCS call reports in its (err,
// value) result pair. Zero means success.
type Errno uint32

const (
	Success   Errno = 0
	EBADF     Errno = 9
	EAGAIN    Errno = 11
	EINTR     Errno = 4
	ENOTCONN  Errno = 107
	ENETDOWN  Errno = 100
	EINVAL    Errno = 22
	ECONNRESET Errno = 104
)

func (e Errno) String() string {
	switch e {
	case Success:
		return "success"
	case EBADF:
		return "EBADF"
	case EAGAIN:
		return "EAGAIN"
	case EINTR:
		return "EINTR"
	case ENOTCONN:
		return "ENOTCONN"
	case ENETDOWN:
		return "ENETDOWN"
	case EINVAL:
		return "EINVAL"
	case ECONNRESET:
		return "ECONNRESET"
	default:
		return fmt.Sprintf("errno(%d)", uint32(e))
	}
}

// Result is the (err, value) pair every HTCS call resolves to: err==0
// means value is meaningful, otherwise value is -1 and err names the
// POSIX-style failure.
type Result struct {
	Err   Errno
	Value int64
}

// Ok reports whether the call succeeded.
func (r Result) Ok() bool { return r.Err == Success }

// AsError converts a non-success Result into a Go error, or nil.
func (r Result) AsError() error {
	if r.Ok() {
		return nil
	}
	return fmt.Errorf("htcs: %s", r.Err)
}

// disconnectedResult maps a transport failure to the (err, value) pair a
// caller observes, per the operation it was attempting: a disconnected
// transport surfaces as ENOTCONN for operations needing a live peer,
// ENETDOWN for accept, and EINTR when the task queue itself is gone.
func disconnectedResult(op string) Result {
	switch op {
	case "accept":
		return Result{Err: ENETDOWN, Value: -1}
	case "task_queue":
		return Result{Err: EINTR, Value: -1}
	default:
		return Result{Err: ENOTCONN, Value: -1}
	}
}
