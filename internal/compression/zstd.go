// Package compression wraps zstd for the warm-start disk cache.
package compression

import (
	"github.com/klauspost/compress/zstd"
)

// Codec compresses and decompresses warm-cache payloads. A disabled codec
// passes data through untouched.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

// minCompressSize skips compression for payloads where the frame overhead
// would dominate.
const minCompressSize = 128

// NewCodec creates a codec for the given level (1 = fastest, 2 = default,
// 3 = better ratio). Any other level falls back to the default.
func NewCodec(level int, enabled bool) (*Codec, error) {
	if !enabled {
		return &Codec{}, nil
	}

	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	return &Codec{encoder: encoder, decoder: decoder, enabled: true}, nil
}

// Compress returns the compressed payload, or the input unchanged when
// compression is disabled, the input is tiny, or compression would grow it.
func (c *Codec) Compress(data []byte) []byte {
	if !c.enabled || len(data) < minCompressSize {
		return data
	}
	compressed := c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data
	}
	return compressed
}

// Decompress reverses Compress. Payloads stored uncompressed (because the
// codec skipped them) come back unchanged: zstd decode failure means the
// data was raw.
func (c *Codec) Decompress(data []byte) []byte {
	if !c.enabled {
		return data
	}
	decompressed, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return data
	}
	return decompressed
}

// Close releases encoder and decoder resources.
func (c *Codec) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
