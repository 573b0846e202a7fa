package parquet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// RecordReader reads records from a Parquet file.
type RecordReader struct {
	file     *os.File
	reader   *parquet.GenericReader[RecordRow]
	path     string
	channels []string
}

// NewRecordReader opens a record file and loads its channel list.
func NewRecordReader(path string) (*RecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	var channels []string
	if meta, ok := pf.Lookup(ChannelsKey); ok {
		if err := json.Unmarshal([]byte(meta), &channels); err != nil {
			f.Close()
			return nil, fmt.Errorf("decode channels: %w", err)
		}
	}

	reader := parquet.NewGenericReader[RecordRow](f)

	return &RecordReader{
		file:     f,
		reader:   reader,
		path:     path,
		channels: channels,
	}, nil
}

// Read reads up to n records with their sequence numbers.
// Returns io.EOF once all rows were returned.
func (r *RecordReader) Read(n int) ([]int64, []types.Record, error) {
	rows := make([]RecordRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return nil, nil, err
	}

	seqs := make([]int64, count)
	recs := make([]types.Record, count)
	for i := 0; i < count; i++ {
		seqs[i] = rows[i].Seq
		recs[i] = RowToRecord(&rows[i])
	}

	return seqs, recs, nil
}

// ReadAll reads all records from the file. It fails if the stored sequence
// numbers are not consecutive.
func (r *RecordReader) ReadAll() (types.RecordBatch, error) {
	var batch types.RecordBatch

	numRows := r.reader.NumRows()
	rows := make([]RecordRow, numRows)

	n, err := r.reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return batch, fmt.Errorf("read rows: %w", err)
	}
	if int64(n) != numRows {
		return batch, fmt.Errorf("read %d of %d rows", n, numRows)
	}

	batch.Records = make([]types.Record, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			batch.First = rows[0].Seq
		} else if rows[i].Seq != batch.First+int64(i) {
			return batch, fmt.Errorf("row %d has sequence %d, want %d", i, rows[i].Seq, batch.First+int64(i))
		}
		batch.Records[i] = RowToRecord(&rows[i])
	}

	return batch, nil
}

// Channels returns the channel list stored in the file metadata.
func (r *RecordReader) Channels() []string {
	return append([]string(nil), r.channels...)
}

// NumRows returns the total number of rows in the file.
func (r *RecordReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *RecordReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *RecordReader) Path() string {
	return r.path
}

// ReadFile reads a whole record file.
func ReadFile(path string) ([]string, types.RecordBatch, error) {
	r, err := NewRecordReader(path)
	if err != nil {
		return nil, types.RecordBatch{}, err
	}
	defer r.Close()

	batch, err := r.ReadAll()
	if err != nil {
		return nil, batch, err
	}
	return r.Channels(), batch, nil
}

// FileInfo holds information about a record file.
type FileInfo struct {
	Path     string
	Size     int64
	NumRows  int64
	Channels []string
}

// GetFileInfo returns information about a record file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	r, err := NewRecordReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return &FileInfo{
		Path:     path,
		Size:     stat.Size(),
		NumRows:  r.NumRows(),
		Channels: r.Channels(),
	}, nil
}
