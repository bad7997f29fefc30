package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 64 * 1024 * 1024

	encodingIdentity = "identity"
	encodingZstd     = "zstd"
)

// ErrDecompressionBomb is returned when decompressed size exceeds the limit.
var ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

// Compressor applies zstd to large payloads.
// The encoder and decoder are goroutine-safe and reused.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCompressor creates a compressor with a shared zstd encoder/decoder.
func NewCompressor() (*Compressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Compressor{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *Compressor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data when it is large enough and compression shrinks it.
func (c *Compressor) Encode(data []byte) ([]byte, string) {
	if len(data) < CompressionThreshold {
		return data, encodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, encodingIdentity
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, encodingIdentity
	}
	return compressed, encodingZstd
}

// Decode reverses Encode.
func (c *Compressor) Decode(payload []byte, encoding string, length int64) ([]byte, error) {
	switch encoding {
	case "", encodingIdentity:
		return payload, nil
	case encodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if length > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if len(decompressed) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return decompressed, nil
}
