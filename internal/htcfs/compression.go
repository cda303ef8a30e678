package htcfs

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compression modes negotiated on a bulk readLarge request, mirroring the
// byte-in-params idiom the control channel already uses for request type
// and version.
const (
	CompressionNone byte = 0x00
	CompressionGzip byte = 0x01
	CompressionZstd byte = 0x02
)

// ParseCompressionMode converts a config string ("none", "gzip", "zstd")
// into its wire byte, defaulting to CompressionNone for anything else so a
// typo in a config file degrades to uncompressed transfers rather than an
// unreadable stream.
func ParseCompressionMode(mode string) byte {
	switch mode {
	case "gzip":
		return CompressionGzip
	case "zstd":
		return CompressionZstd
	default:
		return CompressionNone
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil)

// decompress reverses whatever compression the target applied before
// streaming a bulk payload back over the data channel.
func decompress(mode byte, data []byte) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("htcfs: opening gzip stream: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("htcfs: reading gzip stream: %w", err)
		}
		return out, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("htcfs: opening zstd stream: %w", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("htcfs: reading zstd stream: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("htcfs: unknown compression mode 0x%02x", mode)
	}
}

// compress is the inverse of decompress. No client request path calls it;
// tests use it to round-trip a payload without a live target on the other
// end.
func compress(mode byte, data []byte) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("htcfs: unknown compression mode 0x%02x", mode)
	}
}
