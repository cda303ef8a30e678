package htcrpc

import "testing"

func TestHtcfsResultToHostError(t *testing.T) {
	cases := map[HtcfsResult]error{
		ResultSuccess:                    nil,
		ResultReady:                      nil,
		ResultOutOfHandle:                ErrOpenCountLimit,
		ResultInvalidHandle:              ErrInvalidHandle,
		ResultInvalidRequest:             ErrInvalidArgument,
		ResultUnsupportedProtocolVersion: ErrUnexpectedResponseVersion,
		ResultUnknownError:               ErrInternal,
	}

	for result, want := range cases {
		got := result.ToHostError()
		if got != want {
			t.Errorf("%v.ToHostError() = %v, want %v", result, got, want)
		}
	}
}

func TestHtcfsResultString(t *testing.T) {
	if ResultOutOfHandle.String() != "out_of_handle" {
		t.Fatalf("got %q", ResultOutOfHandle.String())
	}
	if HtcfsResult(99).String() == "" {
		t.Fatal("expected a non-empty fallback string for unknown codes")
	}
}
