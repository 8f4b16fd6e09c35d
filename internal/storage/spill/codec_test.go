package spill

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/agentfs/pkg/errors"
)

func TestCodecRoundTrip(t *testing.T) {
	random := make([]byte, 4096)
	_, err := rand.Read(random)
	require.NoError(t, err)

	inputs := map[string][]byte{
		"compressible": bytes.Repeat([]byte("agentfs chunk "), 512),
		"random":       random,
		"single byte":  {0x42},
	}

	for _, algo := range []string{CompressionNone, CompressionZstd, CompressionLZ4} {
		codec, err := NewCodec(algo)
		require.NoError(t, err)
		defer codec.Close()

		for name, data := range inputs {
			t.Run(algo+"/"+name, func(t *testing.T) {
				frame, sum := codec.Encode(data)
				assert.Equal(t, Sum(data), sum)

				out, err := codec.Decode(frame)
				require.NoError(t, err)
				assert.Equal(t, data, out)
			})
		}
	}
}

func TestCodecCompresses(t *testing.T) {
	codec, err := NewCodec(CompressionZstd)
	require.NoError(t, err)
	defer codec.Close()

	data := bytes.Repeat([]byte{0}, 64<<10)
	frame, _ := codec.Encode(data)
	assert.Less(t, len(frame), len(data)/10)
}

func TestCodecDetectsCorruption(t *testing.T) {
	codec, err := NewCodec(CompressionNone)
	require.NoError(t, err)
	defer codec.Close()

	frame, _ := codec.Encode([]byte("important bytes"))

	flipped := append([]byte(nil), frame...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = codec.Decode(flipped)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSpillCorrupt))

	_, err = codec.Decode(frame[:5])
	assert.True(t, errors.IsCode(err, errors.ErrCodeSpillCorrupt))

	badVersion := append([]byte(nil), frame...)
	badVersion[2] = 9
	_, err = codec.Decode(badVersion)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSpillCorrupt))
}

func TestCodecReadsFramesFromOtherAlgorithms(t *testing.T) {
	zstdCodec, err := NewCodec(CompressionZstd)
	require.NoError(t, err)
	defer zstdCodec.Close()
	plain, err := NewCodec(CompressionNone)
	require.NoError(t, err)
	defer plain.Close()

	data := bytes.Repeat([]byte("abc"), 1000)
	frame, _ := zstdCodec.Encode(data)
	out, err := plain.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestNewCodecUnknown(t *testing.T) {
	_, err := NewCodec("brotli")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))
}

func TestKey(t *testing.T) {
	sum := Sum([]byte("x"))
	a := Key(sum, 1)
	b := Key(sum, 2)
	assert.NotEqual(t, a, b)
	assert.NoError(t, validKey(a))
	assert.Error(t, validKey("../etc/passwd"))
}
