// Package wal implements a segment-log durable medium.
//
// Every flushed batch becomes one CRC32-framed record in the current segment
// file. An in-memory index maps sequence ranges to record locations, so range
// reads touch only the batches they need.
package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/logging"
	"github.com/xtxerr/acqbuf/internal/storage/types"
)

var log = logging.Component("wal")

type batchEntry struct {
	first int64
	count int64
	loc   Location
}

// Medium stores records as batches in a WAL directory.
type Medium struct {
	mu sync.RWMutex

	dir    string
	width  int
	writer *Writer
	codec  *codec

	index []batchEntry
	next  int64

	closed bool
}

// Open creates a fresh WAL medium in dir. dir may be missing, empty or a
// WAL directory left by an earlier medium, whose segments are removed. Any
// other path is refused.
func Open(dir string, width int, opts Options) (*Medium, error) {
	if width <= 0 {
		return nil, errors.NewInvalidValue("width", width, "must be positive")
	}

	if err := removeStale(dir); err != nil {
		return nil, err
	}

	c, err := newCodec(opts.Compression)
	if err != nil {
		return nil, err
	}

	w, err := NewWriter(dir, opts)
	if err != nil {
		c.close()
		return nil, err
	}

	log.Debug("medium opened", "dir", dir, "width", width, "compression", opts.Compression)

	return &Medium{
		dir:    dir,
		width:  width,
		writer: w,
		codec:  c,
	}, nil
}

// WriteBatch writes recs as one record. first must continue the stored sequence.
func (m *Medium) WriteBatch(ctx context.Context, first int64, recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.ErrClosed
	}
	if first != m.next {
		return fmt.Errorf("batch starts at %d, medium continues at %d", first, m.next)
	}

	for i := range recs {
		if len(recs[i].Values) != m.width {
			return &errors.ShapeError{Expected: m.width, Actual: len(recs[i].Values)}
		}
	}

	encoded, err := encodeBatch(first, m.width, recs)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	loc, err := m.writer.Write(m.codec.pack(encoded))
	if err != nil {
		return err
	}

	m.index = append(m.index, batchEntry{first: first, count: int64(len(recs)), loc: loc})
	m.next = first + int64(len(recs))
	return nil
}

// ReadRange returns the records with sequence numbers in [start, end).
func (m *Medium) ReadRange(ctx context.Context, start, end int64) ([]types.Record, error) {
	if end <= start {
		return nil, nil
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, errors.ErrClosed
	}
	if start < 0 || end > m.next {
		next := m.next
		m.mu.RUnlock()
		return nil, fmt.Errorf("range [%d, %d) outside stored [0, %d)", start, end, next)
	}

	// First batch that ends after start.
	i := sort.Search(len(m.index), func(i int) bool {
		e := m.index[i]
		return e.first+e.count > start
	})
	j := i
	for j < len(m.index) && m.index[j].first < end {
		j++
	}
	// Stored batches are immutable; reading them does not hold up WriteBatch.
	entries := append([]batchEntry(nil), m.index[i:j]...)
	m.mu.RUnlock()

	out := make([]types.Record, 0, end-start)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := m.readBatch(e)
		if err != nil {
			return nil, err
		}

		lo := max(start-e.first, 0)
		hi := min(end-e.first, e.count)
		out = append(out, batch.Records[lo:hi]...)
	}

	return out, nil
}

func (m *Medium) readBatch(e batchEntry) (types.RecordBatch, error) {
	payload, err := m.writer.ReadAt(e.loc)
	if err != nil {
		return types.RecordBatch{}, fmt.Errorf("batch at %d: %w", e.first, err)
	}

	encoded, err := m.codec.unpack(payload)
	if err != nil {
		return types.RecordBatch{}, fmt.Errorf("batch at %d: %w", e.first, err)
	}

	batch, err := decodeBatch(encoded)
	if err != nil {
		return types.RecordBatch{}, fmt.Errorf("batch at %d: %w", e.first, err)
	}
	if batch.First != e.first || int64(batch.Len()) != e.count {
		return types.RecordBatch{}, fmt.Errorf("batch at %d: index mismatch, stored [%d, %d)",
			e.first, batch.First, batch.End())
	}

	return batch, nil
}

// Count returns the number of stored records.
func (m *Medium) Count() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.next
}

// Stats returns the underlying writer statistics.
func (m *Medium) Stats() WriterStats {
	return m.writer.Stats()
}

// Close closes all segment files. It is idempotent.
func (m *Medium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	err := m.writer.Close()
	m.codec.close()
	return err
}

// Remove deletes the segments this medium wrote and then the directory if
// nothing else is left in it.
func (m *Medium) Remove() error {
	var errs []error
	for _, path := range m.writer.SegmentPaths() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(m.dir); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// removeStale clears the segments of an earlier medium from dir. It fails
// without touching anything if dir is a file or holds anything but segments.
func removeStale(dir string) error {
	st, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s exists and is not a wal directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	stale := make([]string, 0, len(entries))
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() || !isSegment(path) {
			return fmt.Errorf("%s is not a wal directory: found %s", dir, entry.Name())
		}
		stale = append(stale, path)
	}

	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale segment: %w", err)
		}
	}
	if len(stale) > 0 {
		log.Debug("stale segments removed", "dir", dir, "segments", len(stale))
	}
	return nil
}

// isSegment reports whether path starts with a segment header.
func isSegment(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint64(header[0:8]) == walMagic
}

// Path returns the WAL directory.
func (m *Medium) Path() string {
	return m.dir
}
