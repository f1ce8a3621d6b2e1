package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	cacheerrors "github.com/objectfs/artifactcache/pkg/errors"
)

// Compressor applies zstd to stored payloads. Encoder and decoder are shared
// and safe for concurrent EncodeAll/DecodeAll calls.
type Compressor struct {
	enabled bool
	level   zstd.EncoderLevel
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a compressor. level follows the zstd command line
// scale (1 fastest .. 19+ best) and is mapped to the nearest encoder level.
func NewCompressor(enabled bool, level int) (*Compressor, error) {
	encLevel := zstd.EncoderLevelFromZstd(level)

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Compressor{
		enabled: enabled,
		level:   encLevel,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Enabled reports whether Encode compresses
func (c *Compressor) Enabled() bool {
	return c.enabled
}

// Level returns the effective encoder level name
func (c *Compressor) Level() string {
	return c.level.String()
}

// Compress returns the zstd frame for data. Encoding into memory cannot fail.
func (c *Compressor) Compress(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2+64))
}

// Decompress reverses Compress when wasCompressed is set and returns data
// unchanged otherwise.
func (c *Compressor) Decompress(data []byte, wasCompressed bool) ([]byte, error) {
	if !wasCompressed {
		return data, nil
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeCompressionFailed, "zstd decode failed").
			WithComponent("compressor").
			WithOperation("decompress")
	}
	return out, nil
}

// Encode prepares payload for storage. It compresses when enabled and keeps
// the raw bytes when compression is disabled or does not shrink the payload.
func (c *Compressor) Encode(payload []byte) (stored []byte, compressed bool) {
	if !c.enabled || len(payload) == 0 {
		return payload, false
	}
	out := c.Compress(payload)
	if len(out) >= len(payload) {
		return payload, false
	}
	return out, true
}

// Close releases encoder and decoder resources
func (c *Compressor) Close() {
	c.encoder.Close()
	c.decoder.Close()
}
