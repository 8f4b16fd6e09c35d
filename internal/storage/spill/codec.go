package spill

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/agentharbor/agentfs/pkg/errors"
)

// Compression algorithms accepted by NewCodec.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

const (
	frameMagic0  = 'A'
	frameMagic1  = 'F'
	frameVersion = 1
	headerSize   = 4 + 4 + blake3Size
	blake3Size   = 32
)

const (
	codecNone byte = iota
	codecZstd
	codecLZ4
)

// Codec frames chunk bytes for the spill medium. A frame is
//
//	magic(2) version(1) codec(1) rawLen(4, big endian) blake3(32) payload
//
// The checksum covers the uncompressed bytes and is verified on Decode.
type Codec struct {
	algo    byte
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec returns a codec for the named compression algorithm.
func NewCodec(compression string) (*Codec, error) {
	c := &Codec{}
	switch compression {
	case CompressionNone, "":
		c.algo = codecNone
	case CompressionZstd:
		c.algo = codecZstd
	case CompressionLZ4:
		c.algo = codecLZ4
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown spill compression %q", compression)
	}

	// The decoder handles every codec so frames written under a previous
	// setting stay readable.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.decoder = dec

	if c.algo == codecZstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.encoder = enc
	}
	return c, nil
}

// Sum returns the blake3 digest of data.
func Sum(data []byte) [blake3Size]byte {
	return blake3.Sum256(data)
}

// Encode frames data and returns the frame together with its checksum.
func (c *Codec) Encode(data []byte) ([]byte, [blake3Size]byte) {
	sum := Sum(data)

	algo := c.algo
	var payload []byte
	switch algo {
	case codecZstd:
		payload = c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	case codecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil || n == 0 {
			// incompressible
			algo = codecNone
		} else {
			payload = buf[:n]
		}
	}
	if algo == codecNone || len(payload) >= len(data) {
		algo = codecNone
		payload = data
	}

	frame := make([]byte, headerSize+len(payload))
	frame[0], frame[1], frame[2], frame[3] = frameMagic0, frameMagic1, frameVersion, algo
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(data)))
	copy(frame[8:headerSize], sum[:])
	copy(frame[headerSize:], payload)
	return frame, sum
}

// Decode validates a frame and returns the original bytes. Any mismatch
// is reported as SPILL_CORRUPT.
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	if len(frame) < headerSize || frame[0] != frameMagic0 || frame[1] != frameMagic1 {
		return nil, errors.NewError(errors.ErrCodeSpillCorrupt, "invalid spill frame header")
	}
	if frame[2] != frameVersion {
		return nil, errors.Newf(errors.ErrCodeSpillCorrupt, "unsupported spill frame version %d", frame[2])
	}

	rawLen := int(binary.BigEndian.Uint32(frame[4:8]))
	payload := frame[headerSize:]

	var data []byte
	switch frame[3] {
	case codecNone:
		data = make([]byte, len(payload))
		copy(data, payload)
	case codecZstd:
		out, err := c.decoder.DecodeAll(payload, make([]byte, 0, rawLen))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeSpillCorrupt, err, "zstd decode failed")
		}
		data = out
	case codecLZ4:
		data = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, data)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeSpillCorrupt, err, "lz4 decode failed")
		}
		data = data[:n]
	default:
		return nil, errors.Newf(errors.ErrCodeSpillCorrupt, "unknown spill codec %d", frame[3])
	}

	if len(data) != rawLen {
		return nil, errors.Newf(errors.ErrCodeSpillCorrupt, "spill frame length %d, want %d", len(data), rawLen)
	}
	if sum := Sum(data); string(sum[:]) != string(frame[8:headerSize]) {
		return nil, errors.NewError(errors.ErrCodeSpillCorrupt, "spill frame checksum mismatch")
	}
	return data, nil
}

// Close releases the codec's encoder and decoder.
func (c *Codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	c.decoder.Close()
}
