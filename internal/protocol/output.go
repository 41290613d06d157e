package protocol

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stream identifies the build output stream a chunk belongs to.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Output carries one chunk of build output.
type Output struct {
	Stream     Stream `cbor:"stream"`
	Data       []byte `cbor:"data"`
	Compressed bool   `cbor:"compressed,omitempty"`
}

// MaxOutputChunk bounds the decompressed size of one output chunk. It is
// four times the largest accepted build.max_chunk_bytes.
const MaxOutputChunk = 4 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxOutputChunk))
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// NewOutput builds an output chunk, compressing data when it is at least
// threshold bytes and compression shrinks it. A threshold of 0 disables
// compression.
func NewOutput(stream Stream, data []byte, threshold int) Output {
	out := Output{Stream: stream, Data: data}
	if threshold <= 0 || len(data) < threshold {
		return out
	}
	compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return out
	}
	out.Data = compressed
	out.Compressed = true
	return out
}

// Bytes returns the uncompressed chunk contents. Chunks that decompress
// past MaxOutputChunk are rejected.
func (o Output) Bytes() ([]byte, error) {
	if !o.Compressed {
		return o.Data, nil
	}
	data, err := zstdDecoder.DecodeAll(o.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s chunk: %w", o.Stream, err)
	}
	return data, nil
}
