package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// Batch encoding format (binary, little-endian):
// - First sequence number (8 bytes)
// - Record count (4 bytes)
// - Width, values per record (4 bytes)
// - Per record:
//   - Timestamp (8 bytes, float64)
//   - Values (width * 8 bytes, float64)
//   - Aux length (4 bytes) + Aux bytes
//
// The stored payload is prefixed with one codec byte and the encoded batch,
// compressed according to the codec.

const (
	batchHeaderSize = 16
	maxWidth        = 1 << 16
)

// Compression selects the payload codec.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// ParseCompression maps a config value to a codec. Unknown values disable compression.
func ParseCompression(s string) Compression {
	if s == "zstd" {
		return CompressionZstd
	}
	return CompressionNone
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", byte(c))
	}
}

// encodeBatch encodes a run of records starting at sequence number first.
func encodeBatch(first int64, width int, recs []types.Record) ([]byte, error) {
	size := batchHeaderSize
	for i := range recs {
		size += 8 + width*8 + 4 + len(recs[i].Aux)
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(first))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(recs)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(width))

	for i := range recs {
		r := &recs[i]
		if len(r.Values) != width {
			return nil, fmt.Errorf("record %d has %d values, want %d", first+int64(i), len(r.Values), width)
		}

		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.Timestamp))
		for _, v := range r.Values {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Aux)))
		buf = append(buf, r.Aux...)
	}

	return buf, nil
}

// decodeBatch decodes a batch produced by encodeBatch.
func decodeBatch(data []byte) (types.RecordBatch, error) {
	var batch types.RecordBatch

	if len(data) < batchHeaderSize {
		return batch, fmt.Errorf("data too short for batch header")
	}

	batch.First = int64(binary.LittleEndian.Uint64(data[0:8]))
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	width := int(binary.LittleEndian.Uint32(data[12:16]))
	offset := batchHeaderSize

	if width > maxWidth {
		return batch, fmt.Errorf("batch width %d exceeds %d", width, maxWidth)
	}

	// Each record needs at least its timestamp, values and aux length.
	if minSize := count * (12 + width*8); len(data)-offset < minSize {
		return batch, fmt.Errorf("data too short for %d records of width %d", count, width)
	}

	batch.Records = make([]types.Record, count)
	values := make([]float64, count*width)

	for i := 0; i < count; i++ {
		if offset+8+width*8+4 > len(data) {
			return batch, fmt.Errorf("record %d: data too short", i)
		}

		r := &batch.Records[i]
		r.Timestamp = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		r.Values = values[i*width : (i+1)*width : (i+1)*width]
		for c := range r.Values {
			r.Values[c] = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
			offset += 8
		}

		auxLen := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if offset+auxLen > len(data) {
			return batch, fmt.Errorf("record %d: data too short for aux", i)
		}
		if auxLen > 0 {
			r.Aux = make([]byte, auxLen)
			copy(r.Aux, data[offset:offset+auxLen])
			offset += auxLen
		}
	}

	if offset != len(data) {
		return batch, fmt.Errorf("%d trailing bytes after batch", len(data)-offset)
	}

	return batch, nil
}

// codec compresses and decompresses batch payloads. It is safe for
// concurrent use.
type codec struct {
	compression Compression
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

func newCodec(c Compression) (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{compression: c, enc: enc, dec: dec}, nil
}

// pack prefixes the encoded batch with the codec byte and compresses it.
func (c *codec) pack(encoded []byte) []byte {
	switch c.compression {
	case CompressionZstd:
		out := make([]byte, 1, 1+len(encoded)/2)
		out[0] = byte(CompressionZstd)
		return c.enc.EncodeAll(encoded, out)
	default:
		out := make([]byte, 1+len(encoded))
		out[0] = byte(CompressionNone)
		copy(out[1:], encoded)
		return out
	}
}

// unpack reverses pack.
func (c *codec) unpack(payload []byte) ([]byte, error) {
	return unpackPayload(c.dec, payload)
}

// unpackPayload decodes a stored payload. The codec byte of the payload wins
// over any configured compression so segments stay readable by any reader.
func unpackPayload(dec *zstd.Decoder, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	switch Compression(payload[0]) {
	case CompressionNone:
		return payload[1:], nil
	case CompressionZstd:
		out, err := dec.DecodeAll(payload[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload codec %d", payload[0])
	}
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}
