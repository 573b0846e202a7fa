package parquet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// ChannelsKey is the key/value metadata entry holding the JSON channel list.
const ChannelsKey = "acqbuf.channels"

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the maximum number of rows per row group
	RowGroupSize int64
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// RecordRow represents a record in Parquet format. A record without aux is
// stored with an empty aux value.
type RecordRow struct {
	Seq       int64     `parquet:"seq"`
	Timestamp float64   `parquet:"timestamp"`
	Values    []float64 `parquet:"values"`
	Aux       []byte    `parquet:"aux"`
}

// RecordToRow converts a Record at sequence number seq to a RecordRow.
func RecordToRow(seq int64, r *types.Record) RecordRow {
	row := RecordRow{
		Seq:       seq,
		Timestamp: r.Timestamp,
		Values:    r.Values,
	}
	if r.HasAux() {
		row.Aux = r.Aux
	}
	return row
}

// RowToRecord converts a RecordRow to a Record.
func RowToRecord(r *RecordRow) types.Record {
	rec := types.Record{
		Values:    r.Values,
		Timestamp: r.Timestamp,
	}
	if len(r.Aux) > 0 {
		rec.Aux = append([]byte(nil), r.Aux...)
	}
	return rec
}

// RecordWriter writes records to a Parquet file.
type RecordWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[RecordRow]
	width    int
	next     int64
	rowCount int64
	closed   bool
}

// NewRecordWriter creates a Parquet writer for records with the given
// channels. The first written record gets sequence number first.
func NewRecordWriter(path string, channels []string, first int64, opts Options) (*RecordWriter, error) {
	meta, err := json.Marshal(channels)
	if err != nil {
		return nil, fmt.Errorf("encode channels: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
		parquet.KeyValueMetadata(ChannelsKey, string(meta)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}

	writer := parquet.NewGenericWriter[RecordRow](f, writerOpts...)

	return &RecordWriter{
		path:   path,
		file:   f,
		writer: writer,
		width:  len(channels),
		next:   first,
	}, nil
}

// Write appends records with consecutive sequence numbers.
func (w *RecordWriter) Write(recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]RecordRow, len(recs))
	for i := range recs {
		if len(recs[i].Values) != w.width {
			return fmt.Errorf("record %d has %d values, want %d", w.next+int64(i), len(recs[i].Values), w.width)
		}
		rows[i] = RecordToRow(w.next+int64(i), &recs[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.next += int64(n)
	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *RecordWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *RecordWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *RecordWriter) Path() string {
	return w.path
}

// WriteFile writes recs to a new Parquet file in one call.
func WriteFile(path string, channels []string, first int64, recs []types.Record, opts Options) error {
	w, err := NewRecordWriter(path, channels, first, opts)
	if err != nil {
		return err
	}

	if err := w.Write(recs); err != nil {
		w.Close()
		os.Remove(path)
		return err
	}

	return w.Close()
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
