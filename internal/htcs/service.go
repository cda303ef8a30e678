package htcs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/htcbridge/internal/htclow"
	"github.com/nishisan-dev/htcbridge/internal/htcrpc"
)

// PendingOp is the task/wake-handle pair a _start call returns: Wait
// blocks until the matching _results call (already running in the
// background) has a Result ready.
type PendingOp struct {
	task *htclow.Task
}

// Wait blocks until the operation completes.
func (p *PendingOp) Wait() { p.task.Wait() }

// Done exposes the wake handle directly, for a caller that wants to
// select on it alongside other channels.
func (p *PendingOp) Done() <-chan struct{} { return p.task.Done() }

// Service exposes HTCS's POSIX-like remote socket operations. Every call
// acquires the service's own RPC mutex, mirroring the one htcfs holds for
// its control channel: the two-phase accept/recv/send/select calls model
// their "_start" half as minting a task, without sending any request, and
// their "_results" half as a background call that
// runs the full blocking round trip, so only one control-channel RPC is
// ever actually in flight at a time.
type Service struct {
	manager *htclow.Manager
	logger  *slog.Logger
	monitor *monitor

	mu sync.Mutex
}

// NewService builds an HTCS client bound to manager. Call Start before
// issuing any request.
func NewService(manager *htclow.Manager, logger *slog.Logger) *Service {
	return &Service{
		manager: manager,
		logger:  logger.With("component", "htcs_service"),
		monitor: newMonitor(manager, logger),
	}
}

// Start launches the monitor thread maintaining the control channel.
func (s *Service) Start() { s.monitor.Start() }

// Stop tears the monitor and control channel down.
func (s *Service) Stop() { s.monitor.Stop() }

// State reports the control channel's connection state.
func (s *Service) State() string { return s.monitor.State() }

func (s *Service) doRequest(ctx context.Context, reqType uint16, params [5]uint64, args []byte) (*htcrpc.Prelude, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.monitor.waitConnected(ctx); err != nil {
		return nil, nil, fmt.Errorf("htcs: control channel unavailable: %w", err)
	}
	ch, version, ok := s.monitor.channelAndVersion()
	if !ok {
		return nil, nil, disconnectedResult("generic").AsError()
	}

	req := htcrpc.NewRequest(version, reqType, params, args)
	body := append(req.Encode(), args...)
	if err := s.manager.Send(ctx, ch, 0, reqType, uint8(version), body); err != nil {
		return nil, nil, fmt.Errorf("htcs: sending request: %w", err)
	}

	preludeBuf := make([]byte, htcrpc.PreludeSize)
	if err := ch.WaitReceive(ctx, len(preludeBuf)); err != nil {
		return nil, nil, fmt.Errorf("htcs: waiting for response: %w", err)
	}
	if _, err := ch.Receive(preludeBuf, htclow.ReceiveAll); err != nil {
		return nil, nil, fmt.Errorf("htcs: reading response prelude: %w", err)
	}
	resp, err := htcrpc.DecodePrelude(preludeBuf)
	if err != nil {
		return nil, nil, err
	}
	if err := htcrpc.CheckResponseVersion(version, resp); err != nil {
		return nil, nil, err
	}

	var payload []byte
	if resp.BodySize > 0 {
		payload = make([]byte, resp.BodySize)
		if err := ch.WaitReceive(ctx, len(payload)); err != nil {
			return nil, nil, fmt.Errorf("htcs: waiting for response payload: %w", err)
		}
		if _, err := ch.Receive(payload, htclow.ReceiveAll); err != nil {
			return nil, nil, fmt.Errorf("htcs: reading response payload: %w", err)
		}
	}
	return resp, payload, nil
}

// resultFrom reads the (err, value) pair every HTCS response carries in
// params[0]/params[1].
func resultFrom(resp *htcrpc.Prelude) Result {
	return Result{Err: Errno(resp.Params[0]), Value: int64(resp.Params[1])}
}

// Socket creates a socket of the given domain/type/protocol and returns
// its descriptor.
func (s *Service) Socket(ctx context.Context, domain, typ, protocol uint64) Result {
	resp, _, err := s.doRequest(ctx, TypeSocket, [5]uint64{domain, typ, protocol}, nil)
	if err != nil {
		return disconnectedResult("generic")
	}
	return resultFrom(resp)
}

// Close releases fd.
func (s *Service) Close(ctx context.Context, fd uint64) Result {
	resp, _, err := s.doRequest(ctx, TypeClose, [5]uint64{fd}, nil)
	if err != nil {
		return disconnectedResult("generic")
	}
	return resultFrom(resp)
}

// Bind binds fd to addr.
func (s *Service) Bind(ctx context.Context, fd uint64, addr []byte) Result {
	resp, _, err := s.doRequest(ctx, TypeBind, [5]uint64{fd, uint64(len(addr))}, addr)
	if err != nil {
		return disconnectedResult("generic")
	}
	return resultFrom(resp)
}

// Connect connects fd to addr.
func (s *Service) Connect(ctx context.Context, fd uint64, addr []byte) Result {
	resp, _, err := s.doRequest(ctx, TypeConnect, [5]uint64{fd, uint64(len(addr))}, addr)
	if err != nil {
		return disconnectedResult("generic")
	}
	return resultFrom(resp)
}

// Listen marks fd as a passive socket with the given backlog.
func (s *Service) Listen(ctx context.Context, fd uint64, backlog uint64) Result {
	resp, _, err := s.doRequest(ctx, TypeListen, [5]uint64{fd, backlog}, nil)
	if err != nil {
		return disconnectedResult("generic")
	}
	return resultFrom(resp)
}

// Shutdown shuts down fd's read, write, or both directions.
func (s *Service) Shutdown(ctx context.Context, fd uint64, how ShutdownHow) Result {
	resp, _, err := s.doRequest(ctx, TypeShutdown, [5]uint64{fd, uint64(how)}, nil)
	if err != nil {
		return disconnectedResult("generic")
	}
	return resultFrom(resp)
}

// Fcntl applies a POSIX fcntl(2)-style command to fd.
func (s *Service) Fcntl(ctx context.Context, fd, cmd, arg uint64) Result {
	resp, _, err := s.doRequest(ctx, TypeFcntl, [5]uint64{fd, cmd, arg}, nil)
	if err != nil {
		return disconnectedResult("generic")
	}
	return resultFrom(resp)
}

// AcceptStart begins an asynchronous accept on the listening socket fd.
func (s *Service) AcceptStart(ctx context.Context, fd uint64) (*PendingOp, error) {
	return s.startOp(ctx, "accept", fd, func(resultsCtx context.Context) (any, error) {
		resp, payload, err := s.doRequest(resultsCtx, TypeAcceptResults, [5]uint64{fd}, nil)
		if err != nil {
			return disconnectedResult("accept"), nil
		}
		return acceptOutcome{result: resultFrom(resp), peerAddr: payload}, nil
	})
}

type acceptOutcome struct {
	result   Result
	peerAddr []byte
}

// AcceptResults blocks until op completes and returns the new connected
// socket's descriptor (in Result.Value) along with the peer address.
func (s *Service) AcceptResults(op *PendingOp) (Result, []byte) {
	op.Wait()
	v, err := op.task.Result()
	if err != nil {
		return disconnectedResult("accept"), nil
	}
	if r, ok := v.(Result); ok {
		return r, nil
	}
	out := v.(acceptOutcome)
	return out.result, out.peerAddr
}

// RecvStart begins an asynchronous recv of up to size bytes on fd.
func (s *Service) RecvStart(ctx context.Context, fd, size uint64) (*PendingOp, error) {
	return s.startOp(ctx, "recv", fd, func(resultsCtx context.Context) (any, error) {
		if size > uint64(bulkThreshold) {
			return s.recvLarge(resultsCtx, fd, size)
		}
		resp, payload, err := s.doRequest(resultsCtx, TypeRecvResults, [5]uint64{fd, size}, nil)
		if err != nil {
			return disconnectedResult("generic"), nil
		}
		return recvOutcome{result: resultFrom(resp), data: payload}, nil
	})
}

type recvOutcome struct {
	result Result
	data   []byte
}

// RecvResults blocks until op completes and returns the received bytes.
func (s *Service) RecvResults(op *PendingOp) (Result, []byte) {
	op.Wait()
	v, err := op.task.Result()
	if err != nil {
		return disconnectedResult("generic"), nil
	}
	if r, ok := v.(Result); ok {
		return r, nil
	}
	out := v.(recvOutcome)
	return out.result, out.data
}

func (s *Service) recvLarge(ctx context.Context, fd, size uint64) (any, error) {
	bufBytes := int64(size) + int64(htclow.BulkReceiveChannelConfig.MaxPacketSize)
	dataCh, err := s.manager.OpenChannel(ModuleID, dataChannelID, htclow.BulkReceiveChannelConfig, bufBytes, bufBytes, 0)
	if err != nil {
		return disconnectedResult("generic"), nil
	}
	defer s.manager.CloseChannel(ModuleID, dataChannelID)

	for dataCh.State() != htclow.ChannelConnectable {
		select {
		case <-ctx.Done():
			return disconnectedResult("generic"), nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	noopSend := func([]byte) error { return nil }
	noopRecv := func(context.Context) ([]byte, error) { return nil, nil }
	if err := dataCh.Connect(ctx, noopSend, noopRecv); err != nil {
		return disconnectedResult("generic"), nil
	}

	resp, _, err := s.doRequest(ctx, TypeRecvResults, [5]uint64{fd, size, uint64(dataChannelID)}, nil)
	if err != nil {
		return disconnectedResult("generic"), nil
	}
	result := resultFrom(resp)
	if !result.Ok() {
		return recvOutcome{result: result}, nil
	}

	buf := make([]byte, result.Value)
	if err := dataCh.WaitReceive(ctx, len(buf)); err != nil {
		return disconnectedResult("generic"), nil
	}
	if _, err := dataCh.Receive(buf, htclow.ReceiveAll); err != nil {
		return disconnectedResult("generic"), nil
	}
	return recvOutcome{result: result, data: buf}, nil
}

// SendStart begins an asynchronous send of data on fd.
func (s *Service) SendStart(ctx context.Context, fd uint64, data []byte) (*PendingOp, error) {
	return s.startOp(ctx, "send", fd, func(resultsCtx context.Context) (any, error) {
		resp, _, err := s.doRequest(resultsCtx, TypeSendResults, [5]uint64{fd, uint64(len(data))}, data)
		if err != nil {
			return disconnectedResult("generic"), nil
		}
		return resultFrom(resp), nil
	})
}

// SendResults blocks until op completes and returns the number of bytes
// accepted (in Result.Value).
func (s *Service) SendResults(op *PendingOp) Result {
	op.Wait()
	v, err := op.task.Result()
	if err != nil {
		return disconnectedResult("generic")
	}
	return v.(Result)
}

// SelectStart begins an asynchronous select across the given fd sets.
func (s *Service) SelectStart(ctx context.Context, readFds, writeFds, exceptFds []uint64, timeout time.Duration) (*PendingOp, error) {
	return s.startOp(ctx, "select", 0, func(resultsCtx context.Context) (any, error) {
		args := encodeFdSets(readFds, writeFds, exceptFds)
		resp, payload, err := s.doRequest(resultsCtx, TypeSelectResults, [5]uint64{uint64(timeout.Milliseconds())}, args)
		if err != nil {
			return disconnectedResult("generic"), nil
		}
		ready, err := decodeFdSets(payload)
		if err != nil {
			return disconnectedResult("generic"), nil
		}
		return selectOutcome{result: resultFrom(resp), ready: ready}, nil
	})
}

type selectOutcome struct {
	result Result
	ready  [3][]uint64
}

// SelectResults blocks until op completes and returns the ready read,
// write, and exception fd sets.
func (s *Service) SelectResults(op *PendingOp) (result Result, readyFdSets []uint64, writeFdSets []uint64, exceptFdSets []uint64) {
	op.Wait()
	v, err := op.task.Result()
	if err != nil {
		return disconnectedResult("generic"), nil, nil, nil
	}
	if r, ok := v.(Result); ok {
		return r, nil, nil, nil
	}
	out := v.(selectOutcome)
	return out.result, out.ready[0], out.ready[1], out.ready[2]
}

// startOp mints a task, sends the op's "_start" signal is implicit in the
// first doRequest the finish func issues, and runs that func in the
// background so Wait() unblocks exactly when it completes.
func (s *Service) startOp(ctx context.Context, op string, fd uint64, finish func(context.Context) (any, error)) (*PendingOp, error) {
	task, err := s.manager.BeginTask(0)
	if err != nil {
		return nil, fmt.Errorf("htcs: starting %s: %w", op, err)
	}

	go func() {
		defer s.manager.EndTask(task)
		result, err := finish(ctx)
		task.Complete(result, err)
	}()

	return &PendingOp{task: task}, nil
}
