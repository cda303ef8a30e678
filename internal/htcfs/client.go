package htcfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/htcbridge/internal/htclow"
	"github.com/nishisan-dev/htcbridge/internal/htcrpc"
)

// ErrNotConnected is returned by every Client call when the control
// channel isn't live and ctx expires before it comes back.
var ErrNotConnected = fmt.Errorf("htcfs: control channel not connected")

// bulkThreshold is the largest read size the control channel itself ever
// carries in one response. Anything above it is fetched over a secondary
// bulk-receive channel (see readLarge) instead of inflating the control
// channel's own buffers.
var bulkThreshold = uint32(htclow.DefaultChannelConfig.MaxPacketSize) - htcrpc.PreludeSize - 64

// DirEntry is one entry of a ReadDirectory result.
type DirEntry struct {
	Name string
	Type EntryType
	Size uint64
}

// Client exposes HTCFS's remote file and directory operations to the
// target-side filesystem layer. All calls serialize through a single RPC
// mutex: only one request is ever in flight on the control channel, so
// request and response never need a task id to stay paired.
type Client struct {
	manager *htclow.Manager
	logger  *slog.Logger
	monitor *monitor
	cache   smallFileCache

	compressionMode byte

	mu sync.Mutex
}

// NewClient builds an HTCFS client bound to manager. compressionMode
// (CompressionNone/Gzip/Zstd) is requested on every bulk read over the
// secondary data channel; it has no effect on requests small enough to
// ride the control channel. Call Start before issuing any request.
func NewClient(manager *htclow.Manager, logger *slog.Logger, compressionMode byte) *Client {
	c := &Client{
		manager:         manager,
		logger:          logger.With("component", "htcfs_client"),
		compressionMode: compressionMode,
	}
	c.monitor = newMonitor(manager, logger, c.cache.invalidate)
	return c
}

// Start launches the monitor thread that establishes and maintains the
// control channel.
func (c *Client) Start() { c.monitor.Start() }

// Stop tears the monitor and control channel down.
func (c *Client) Stop() { c.monitor.Stop() }

// State reports the control channel's connection state, for diagnostics.
func (c *Client) State() string { return c.monitor.State() }

// doRequest is every call's shared spine: acquire the RPC mutex, confirm
// the monitor has a live channel, send the request, and block for the
// matching response.
func (c *Client) doRequest(ctx context.Context, reqType uint16, params [5]uint64, args []byte) (*htcrpc.Prelude, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.monitor.waitConnected(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	ch, version, ok := c.monitor.channelAndVersion()
	if !ok {
		return nil, nil, ErrNotConnected
	}

	req := htcrpc.NewRequest(version, reqType, params, args)
	if err := c.manager.Send(ctx, ch, 0, reqType, uint8(version), requestBytes(req, args)); err != nil {
		return nil, nil, fmt.Errorf("htcfs: sending request: %w", err)
	}

	preludeBuf := make([]byte, htcrpc.PreludeSize)
	if err := ch.WaitReceive(ctx, len(preludeBuf)); err != nil {
		return nil, nil, fmt.Errorf("htcfs: waiting for response: %w", err)
	}
	if _, err := ch.Receive(preludeBuf, htclow.ReceiveAll); err != nil {
		return nil, nil, fmt.Errorf("htcfs: reading response prelude: %w", err)
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
			return nil, nil, fmt.Errorf("htcfs: waiting for response payload: %w", err)
		}
		if _, err := ch.Receive(payload, htclow.ReceiveAll); err != nil {
			return nil, nil, fmt.Errorf("htcfs: reading response payload: %w", err)
		}
	}

	result := htcrpc.HtcfsResult(resp.Params[0])
	if result != htcrpc.ResultSuccess && result != htcrpc.ResultReady {
		return resp, payload, result.ToHostError()
	}
	return resp, payload, nil
}

// Open opens path under the given mode and returns its handle and current
// size. When the response carries a cache hint and a small enough body,
// the opened file's contents are seeded into the small-file cache.
func (c *Client) Open(ctx context.Context, path string, mode OpenMode) (handle, fileSize uint64, err error) {
	resp, payload, err := c.doRequest(ctx, TypeOpenFile, [5]uint64{uint64(mode)}, nulPath(path))
	if err != nil {
		return 0, 0, err
	}
	handle = resp.Params[1]
	fileSize = resp.Params[2]
	cacheHint := resp.Params[3] != 0
	if cacheHint && len(payload) <= smallFileCacheLimit {
		c.cache.fill(handle, fileSize, payload)
	}
	return handle, fileSize, nil
}

// Close releases handle and invalidates any cached content for it.
func (c *Client) Close(ctx context.Context, handle uint64) error {
	_, _, err := c.doRequest(ctx, TypeCloseFile, [5]uint64{handle}, nil)
	c.cache.invalidateHandle(handle)
	return err
}

// Read returns size bytes from handle at offset, satisfying the request
// from the small-file cache when possible and falling back to a secondary
// bulk channel for reads too large for the control channel.
func (c *Client) Read(ctx context.Context, handle, offset uint64, size uint32) ([]byte, error) {
	if data, ok := c.cache.read(handle, offset, uint64(size)); ok {
		return data, nil
	}
	if size > bulkThreshold {
		return c.readLarge(ctx, handle, offset, size)
	}
	_, payload, err := c.doRequest(ctx, TypeReadFile, [5]uint64{handle, offset, uint64(size)}, nil)
	return payload, err
}

// readLarge opens a secondary bulk-receive channel, tells the server to
// stream the requested range to it, and reassembles the result before
// closing the channel.
func (c *Client) readLarge(ctx context.Context, handle, offset uint64, size uint32) ([]byte, error) {
	bufBytes := int64(size) + int64(htclow.BulkReceiveChannelConfig.MaxPacketSize)
	dataCh, err := c.manager.OpenChannel(ModuleID, dataChannelID, htclow.BulkReceiveChannelConfig, bufBytes, bufBytes, 0)
	if err != nil {
		return nil, fmt.Errorf("htcfs: opening bulk data channel: %w", err)
	}
	defer c.manager.CloseChannel(ModuleID, dataChannelID)

	for dataCh.State() != htclow.ChannelConnectable {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	noopSend := func([]byte) error { return nil }
	noopRecv := func(context.Context) ([]byte, error) { return nil, nil }
	if err := dataCh.Connect(ctx, noopSend, noopRecv); err != nil {
		return nil, fmt.Errorf("htcfs: connecting bulk data channel: %w", err)
	}

	resp, _, err := c.doRequest(ctx, TypeReadFile, [5]uint64{handle, offset, uint64(size), uint64(dataChannelID), uint64(c.compressionMode)}, nil)
	if err != nil {
		return nil, err
	}

	wireSize := size
	if c.compressionMode != CompressionNone {
		wireSize = uint32(resp.Params[1])
	}

	buf := make([]byte, wireSize)
	if err := dataCh.WaitReceive(ctx, len(buf)); err != nil {
		return nil, fmt.Errorf("htcfs: waiting for bulk payload: %w", err)
	}
	if _, err := dataCh.Receive(buf, htclow.ReceiveAll); err != nil {
		return nil, fmt.Errorf("htcfs: reading bulk payload: %w", err)
	}
	return decompress(c.compressionMode, buf)
}

// Write writes data to handle at offset and returns the number of bytes
// the server accepted. Always invalidates any cached content for handle.
func (c *Client) Write(ctx context.Context, handle, offset uint64, data []byte) (uint32, error) {
	resp, _, err := c.doRequest(ctx, TypeWriteFile, [5]uint64{handle, offset, uint64(len(data))}, data)
	c.cache.invalidateHandle(handle)
	if err != nil {
		return 0, err
	}
	return uint32(resp.Params[1]), nil
}

// GetFileSize returns handle's current size.
func (c *Client) GetFileSize(ctx context.Context, handle uint64) (uint64, error) {
	resp, _, err := c.doRequest(ctx, TypeGetFileSize, [5]uint64{handle}, nil)
	if err != nil {
		return 0, err
	}
	return resp.Params[1], nil
}

// SetFileSize truncates or extends handle to size, invalidating any cached
// content for it.
func (c *Client) SetFileSize(ctx context.Context, handle, size uint64) error {
	_, _, err := c.doRequest(ctx, TypeSetFileSize, [5]uint64{handle, size}, nil)
	c.cache.invalidateHandle(handle)
	return err
}

// OpenDirectory opens path for listing and returns its handle.
func (c *Client) OpenDirectory(ctx context.Context, path string) (uint64, error) {
	resp, _, err := c.doRequest(ctx, TypeOpenDirectory, [5]uint64{}, nulPath(path))
	if err != nil {
		return 0, err
	}
	return resp.Params[1], nil
}

// CloseDirectory releases a directory handle opened by OpenDirectory.
func (c *Client) CloseDirectory(ctx context.Context, handle uint64) error {
	_, _, err := c.doRequest(ctx, TypeCloseDirectory, [5]uint64{handle}, nil)
	return err
}

// ReadDirectory returns up to maxEntries entries from handle, starting
// where the previous ReadDirectory call on this handle left off.
func (c *Client) ReadDirectory(ctx context.Context, handle uint64, maxEntries uint32) ([]DirEntry, error) {
	resp, payload, err := c.doRequest(ctx, TypeReadDirectory, [5]uint64{handle, uint64(maxEntries)}, nil)
	if err != nil {
		return nil, err
	}
	return decodeDirEntries(payload, resp.Params[1])
}

// CreateFile creates path with the given initial size.
func (c *Client) CreateFile(ctx context.Context, path string, size uint64) error {
	_, _, err := c.doRequest(ctx, TypeCreateFile, [5]uint64{size}, nulPath(path))
	return err
}

// DeleteFile removes path.
func (c *Client) DeleteFile(ctx context.Context, path string) error {
	_, _, err := c.doRequest(ctx, TypeDeleteFile, [5]uint64{}, nulPath(path))
	return err
}

// RenameFile moves oldPath to newPath.
func (c *Client) RenameFile(ctx context.Context, oldPath, newPath string) error {
	oldArg := nulPath(oldPath)
	args := append(append([]byte{}, oldArg...), nulPath(newPath)...)
	_, _, err := c.doRequest(ctx, TypeRenameFile, [5]uint64{uint64(len(oldArg))}, args)
	return err
}

// GetEntryType reports whether path names a file or a directory.
func (c *Client) GetEntryType(ctx context.Context, path string) (EntryType, error) {
	resp, _, err := c.doRequest(ctx, TypeGetEntryType, [5]uint64{}, nulPath(path))
	if err != nil {
		return 0, err
	}
	return EntryType(resp.Params[1]), nil
}

func nulPath(path string) []byte {
	b := make([]byte, len(path)+1)
	copy(b, path)
	return b
}

func decodeDirEntries(payload []byte, count uint64) ([]DirEntry, error) {
	entries := make([]DirEntry, 0, count)
	off := 0
	for i := uint64(0); i < count; i++ {
		if off+16 > len(payload) {
			return nil, fmt.Errorf("htcfs: truncated directory entry payload")
		}
		typ := EntryType(binary.LittleEndian.Uint64(payload[off:]))
		size := binary.LittleEndian.Uint64(payload[off+8:])
		off += 16

		nameEnd := off
		for nameEnd < len(payload) && payload[nameEnd] != 0 {
			nameEnd++
		}
		if nameEnd >= len(payload) {
			return nil, fmt.Errorf("htcfs: unterminated directory entry name")
		}
		entries = append(entries, DirEntry{Name: string(payload[off:nameEnd]), Type: typ, Size: size})
		off = nameEnd + 1
	}
	return entries, nil
}
