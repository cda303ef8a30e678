package htcs

import "testing"

func TestResultOkAndAsError(t *testing.T) {
	ok := Result{Err: Success, Value: 4}
	if !ok.Ok() || ok.AsError() != nil {
		t.Fatalf("expected a successful result, got %+v", ok)
	}

	bad := Result{Err: EBADF, Value: -1}
	if bad.Ok() || bad.AsError() == nil {
		t.Fatalf("expected a failing result, got %+v", bad)
	}
}

func TestDisconnectedResultMapsByOperation(t *testing.T) {
	if got := disconnectedResult("accept"); got.Err != ENETDOWN {
		t.Fatalf("accept: got %s, want ENETDOWN", got.Err)
	}
	if got := disconnectedResult("task_queue"); got.Err != EINTR {
		t.Fatalf("task_queue: got %s, want EINTR", got.Err)
	}
	if got := disconnectedResult("recv"); got.Err != ENOTCONN {
		t.Fatalf("recv: got %s, want ENOTCONN", got.Err)
	}
}

func TestErrnoString(t *testing.T) {
	if EBADF.String() != "EBADF" {
		t.Fatalf("got %q", EBADF.String())
	}
	if Errno(9999).String() == "" {
		t.Fatal("expected a non-empty fallback string")
	}
}
