package htcfs

import "sync"

// smallFileCacheLimit bounds how much of a file's body the single-slot
// cache will hold.
const smallFileCacheLimit = 32 * 1024

// smallFileCache remembers the body of the most recently opened file whose
// Open response carried the server's cache hint, so reads wholly inside the
// cached region never cross the HTCLOW channel. It holds at most one file
// at a time — opening a second cacheable file evicts the first.
type smallFileCache struct {
	mu sync.Mutex

	valid    bool
	handle   uint64
	fileSize uint64
	body     []byte
}

// fill replaces the cache contents for a newly opened handle. body must be
// at most smallFileCacheLimit bytes; a larger body means the file was not
// cacheable and fill should not be called.
func (c *smallFileCache) fill(handle, fileSize uint64, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(body) > smallFileCacheLimit {
		return
	}
	c.valid = true
	c.handle = handle
	c.fileSize = fileSize
	c.body = append([]byte(nil), body...)
}

// read attempts to satisfy a read of length n at offset for handle locally.
// ok is false if the cache doesn't cover this handle or range; the caller
// must then fall back to an RPC read.
func (c *smallFileCache) read(handle uint64, offset, n uint64) (data []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.valid || c.handle != handle {
		return nil, false
	}
	if offset+n > uint64(len(c.body)) {
		return nil, false
	}
	return c.body[offset : offset+n], true
}

// invalidate drops the cache unconditionally. Called on any write, size
// change, close of the cached handle, or channel reconnect.
func (c *smallFileCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.body = nil
}

// invalidateHandle drops the cache only if it currently holds handle.
func (c *smallFileCache) invalidateHandle(handle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.handle == handle {
		c.valid = false
		c.body = nil
	}
}
