package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// Reader reads record batches sequentially from one segment file.
type Reader struct {
	path string
	file *os.File
	dec  *zstd.Decoder

	// Statistics
	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	BatchesRead int64
	RecordsRead int64
	BytesRead   int64
}

// NewReader creates a new WAL reader for a segment file.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	// Verify header
	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(walMagic), magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Reader{
		path: path,
		file: f,
		dec:  dec,
	}, nil
}

// ReadBatch reads the next batch from the segment.
// Returns io.EOF when there are no more records.
func (r *Reader) ReadBatch() (types.RecordBatch, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF {
			return types.RecordBatch{}, io.EOF
		}
		return types.RecordBatch{}, fmt.Errorf("read record header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	if length > maxRecordSize {
		return types.RecordBatch{}, fmt.Errorf("record too large: %d bytes", length)
	}

	buf := make([]byte, recordHeaderSize+int(length))
	copy(buf, header[:])
	if _, err := io.ReadFull(r.file, buf[recordHeaderSize:]); err != nil {
		return types.RecordBatch{}, fmt.Errorf("read payload: %w", err)
	}

	payload, err := verifyRecord(buf)
	if err != nil {
		return types.RecordBatch{}, err
	}

	encoded, err := unpackPayload(r.dec, payload)
	if err != nil {
		return types.RecordBatch{}, err
	}

	batch, err := decodeBatch(encoded)
	if err != nil {
		return types.RecordBatch{}, fmt.Errorf("decode batch: %w", err)
	}

	r.stats.BatchesRead++
	r.stats.RecordsRead += int64(batch.Len())
	r.stats.BytesRead += int64(len(buf))

	return batch, nil
}

// ReadAll reads all batches from the segment. It stops at the first corrupt
// record since framing cannot be recovered past it.
func (r *Reader) ReadAll() ([]types.RecordBatch, error) {
	var batches []types.RecordBatch

	for {
		batch, err := r.ReadBatch()
		if err == io.EOF {
			return batches, nil
		}
		if err != nil {
			return batches, err
		}
		batches = append(batches, batch)
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	r.dec.Close()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment is a convenience function to read all batches from a segment file.
func ReadSegment(path string) ([]types.RecordBatch, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}

// Scan reads every segment in dir in order and calls fn for each batch. It
// fails if sequence numbers are not contiguous from 0.
func Scan(dir string, fn func(types.RecordBatch) error) error {
	paths, err := ListSegments(dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}

	var next int64
	for _, path := range paths {
		batches, err := ReadSegment(path)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", path, err)
		}

		for _, batch := range batches {
			if batch.First != next {
				return fmt.Errorf("segment %s: batch starts at %d, want %d", path, batch.First, next)
			}
			next = batch.End()

			if err := fn(batch); err != nil {
				return err
			}
		}
	}

	return nil
}
