// Package buffer implements the acquisition record store: a single-writer,
// multi-reader ordered sequence of records, indexed from 0.
//
// Appended records first go to a working set of at most one chunk. When the
// chunk is full it is written to the durable medium as one batch and the
// working set is cleared. Queries merge the medium and the working set, so
// every committed record is readable exactly once by its index.
//
// Usage:
//
//	cfg := config.New([]string{"Fp1", "Fp2"}, "buffer.db")
//	buf, err := buffer.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer buf.Cleanup()
//
//	buf.Append(types.NewRecord([]float64{1, 2}, 0.004, nil))
//	recs, err := buf.Query(0, buf.Count())
package buffer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/logging"
	"github.com/xtxerr/acqbuf/internal/metrics"
	"github.com/xtxerr/acqbuf/internal/storage/config"
	"github.com/xtxerr/acqbuf/internal/storage/medium"
	"github.com/xtxerr/acqbuf/internal/storage/types"
)

var log = logging.Component("buffer")

// openMedium is replaced in tests to inject medium faults.
var openMedium = medium.Open

// Buffer is the record store.
//
// Append, Flush and Cleanup must come from one writer at a time; Count,
// Query and Stats may be called concurrently with the writer.
type Buffer struct {
	mu sync.RWMutex

	// readMu is held shared by queries while they read the medium without
	// mu, and exclusively by Cleanup before the medium is closed.
	readMu sync.RWMutex

	cfg      *config.Config
	channels types.Channels

	work    *WorkingSet
	medium  medium.Medium
	lock    *medium.Lock
	tempDir string

	// flushed is the number of records stored in the medium.
	flushed int64
	// count is flushed plus the resident records, published after commit.
	count atomic.Int64

	closed bool

	// Statistics
	flushes      atomic.Int64
	flushErrors  atomic.Int64
	flushLatency *metrics.Latency
	created      time.Time
}

// New creates an empty buffer. It validates cfg, takes exclusive ownership of
// the backing name and creates a fresh medium.
//
// With an empty BackingName the medium lives in a new temporary directory
// that Cleanup removes.
func New(cfg *config.Config) (*Buffer, error) {
	if cfg == nil {
		return nil, errors.NewValidation("config", "must not be nil")
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Buffer{
		cfg:          cfg,
		channels:     types.Channels(cfg.Channels).Clone(),
		work:         NewWorkingSet(cfg.ChunkSize),
		flushLatency: metrics.NewLatency("flush"),
		created:      time.Now(),
	}

	path := cfg.BackingName
	if path == "" {
		dir, err := os.MkdirTemp("", "acqbuf-*")
		if err != nil {
			return nil, errors.Medium("create temp dir", err)
		}
		b.tempDir = dir
		path = filepath.Join(dir, backingFile(cfg.Medium))
	}

	lock, err := medium.AcquireLock(path)
	if err != nil {
		b.removeTempDir()
		return nil, err
	}
	b.lock = lock

	m, err := openMedium(cfg, path)
	if err != nil {
		lock.Release()
		b.removeTempDir()
		return nil, err
	}
	b.medium = m

	log.Info("buffer created",
		"path", path,
		"medium", cfg.Medium,
		"channels", len(b.channels),
		"chunk_size", cfg.ChunkSize)

	return b, nil
}

func backingFile(kind string) string {
	if kind == config.MediumWAL {
		return "buffer.wal"
	}
	return "buffer.db"
}

func (b *Buffer) removeTempDir() {
	if b.tempDir == "" {
		return
	}
	if err := os.RemoveAll(b.tempDir); err != nil {
		log.Warn("failed to remove temp dir", "dir", b.tempDir, "error", err)
	}
	b.tempDir = ""
}

// =============================================================================
// Write path
// =============================================================================

// Append commits rec as the next record.
//
// A record with the wrong number of values fails with a ShapeError. If the
// append fills the working set, the chunk is flushed before Append returns;
// if that flush fails the record is not committed and a MediumError is
// returned, leaving Count and the working set as they were.
func (b *Buffer) Append(rec types.Record) error {
	if err := b.channels.CheckShape(&rec); err != nil {
		return err
	}
	rec = rec.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrClosed
	}

	// A failed flush drops the new record again, so there is always room.
	b.work.Push(rec)

	if b.work.IsFull() {
		if err := b.flushLocked(context.Background()); err != nil {
			b.work.DropNewest()
			return err
		}
	}

	b.count.Add(1)
	return nil
}

// Flush writes all resident records to the medium.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrClosed
	}
	return b.flushLocked(context.Background())
}

// flushLocked writes the working set as one batch. The caller holds the
// write lock.
func (b *Buffer) flushLocked(ctx context.Context) error {
	if b.work.IsEmpty() {
		return nil
	}

	n := b.work.Len()
	start := time.Now()
	err := b.medium.WriteBatch(ctx, b.flushed, b.work.Records())
	b.flushLatency.Since(start)

	if err != nil {
		b.flushErrors.Add(1)
		log.Error("flush failed",
			"first", b.flushed,
			"records", n,
			"error", err)
		return errors.Medium("flush", err)
	}

	b.flushed += int64(n)
	b.work.Clear()
	b.flushes.Add(1)

	log.Debug("chunk flushed",
		"records", n,
		"flushed", b.flushed,
		"duration", time.Since(start))
	return nil
}

// =============================================================================
// Read path
// =============================================================================

// Count returns the number of committed records.
func (b *Buffer) Count() int64 {
	return b.count.Load()
}

// Len is Count as an int.
func (b *Buffer) Len() int {
	return int(b.count.Load())
}

// Query returns the records at indices [start, end) in append order.
func (b *Buffer) Query(start, end int64) ([]types.Record, error) {
	return b.QueryContext(context.Background(), start, end)
}

// QueryContext is Query with a context for the medium read.
//
// An empty range [k, k) with 0 <= k <= Count returns no records. Otherwise
// start must lie in [0, Count) and end must not be below start; end is
// clamped to Count. Violations fail with a RangeError.
func (b *Buffer) QueryContext(ctx context.Context, start, end int64) ([]types.Record, error) {
	b.mu.RLock()

	if b.closed {
		b.mu.RUnlock()
		return nil, errors.ErrClosed
	}

	flushed := b.flushed
	count := flushed + int64(b.work.Len())

	if start == end && start >= 0 && start <= count {
		b.mu.RUnlock()
		return []types.Record{}, nil
	}
	if start < 0 || end < start || start >= count {
		b.mu.RUnlock()
		return nil, &errors.RangeError{Start: start, End: end, Count: count}
	}
	end = min(end, count)

	var resident []types.Record
	if end > flushed {
		lo := max(start, flushed) - flushed
		resident = b.work.CopyRange(int(lo), int(end-flushed))
	}

	if start >= flushed {
		b.mu.RUnlock()
		return resident, nil
	}

	// Flushed records never change, so the medium is read without blocking
	// the writer. Cleanup waits on readMu before closing the medium.
	b.readMu.RLock()
	b.mu.RUnlock()
	defer b.readMu.RUnlock()

	recs, err := b.medium.ReadRange(ctx, start, min(end, flushed))
	if err != nil {
		return nil, errors.Medium("read", err)
	}

	out := make([]types.Record, 0, len(recs)+len(resident))
	out = append(out, recs...)
	return append(out, resident...), nil
}

// Channels returns a copy of the channel list.
func (b *Buffer) Channels() []string {
	return b.channels.Clone()
}

// Path returns the backing medium path.
func (b *Buffer) Path() string {
	return b.medium.Path()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Cleanup flushes resident records, closes the medium, releases the backing
// name and removes the backing medium unless KeepBacking is set. A temporary
// backing directory is always removed.
//
// Every step runs even if an earlier one fails; the errors are joined.
// Cleanup is idempotent.
func (b *Buffer) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	kept := b.cfg.KeepBacking && b.tempDir == ""

	var errs []error
	if err := b.flushLocked(context.Background()); err != nil {
		errs = append(errs, err)
	}

	b.readMu.Lock()
	defer b.readMu.Unlock()

	if err := b.medium.Close(); err != nil {
		errs = append(errs, errors.Medium("close", err))
	}
	if !kept {
		if err := b.medium.Remove(); err != nil {
			errs = append(errs, errors.Medium("remove", err))
		}
	}
	if err := b.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	b.removeTempDir()

	log.Info("buffer cleaned up",
		"path", b.medium.Path(),
		"records", b.count.Load(),
		"kept", kept,
		"errors", len(errs))

	return errors.Join(errs...)
}

// Closed reports whether Cleanup has run.
func (b *Buffer) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
