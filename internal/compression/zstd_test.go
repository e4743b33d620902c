package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	codec, err := NewCodec(2, true)
	require.NoError(t, err)
	defer codec.Close()

	data := bytes.Repeat([]byte("compressible payload "), 100)
	compressed := codec.Compress(data)
	require.Less(t, len(compressed), len(data))
	require.Equal(t, data, codec.Decompress(compressed))
}

func TestTinyPayloadPassesThrough(t *testing.T) {
	codec, err := NewCodec(2, true)
	require.NoError(t, err)
	defer codec.Close()

	data := []byte("too small to bother")
	compressed := codec.Compress(data)
	require.Equal(t, data, compressed)

	// Raw payloads survive Decompress unchanged.
	require.Equal(t, data, codec.Decompress(compressed))
}

func TestDisabledCodec(t *testing.T) {
	codec, err := NewCodec(2, false)
	require.NoError(t, err)
	defer codec.Close()

	data := bytes.Repeat([]byte("x"), 1024)
	require.Equal(t, data, codec.Compress(data))
	require.Equal(t, data, codec.Decompress(data))
}
