// Package medium defines the durable medium behind a Buffer and opens the
// configured implementation.
//
// A medium stores flushed records keyed by their 0-based sequence number.
// Batches are written atomically: after a failed WriteBatch no record of the
// batch is visible to ReadRange.
package medium

import (
	"context"

	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/storage/config"
	"github.com/xtxerr/acqbuf/internal/storage/duckdb"
	"github.com/xtxerr/acqbuf/internal/storage/types"
	"github.com/xtxerr/acqbuf/internal/storage/wal"
)

// Medium is a durable store of records keyed by sequence number.
type Medium interface {
	// WriteBatch stores recs at sequence numbers first, first+1, ...
	WriteBatch(ctx context.Context, first int64, recs []types.Record) error

	// ReadRange returns the records with sequence numbers in [start, end).
	ReadRange(ctx context.Context, start, end int64) ([]types.Record, error)

	// Close releases the medium handle. It is idempotent.
	Close() error

	// Remove deletes the on-disk artifacts. The medium must be closed.
	Remove() error

	// Path returns the backing path.
	Path() string
}

var (
	_ Medium = (*duckdb.Medium)(nil)
	_ Medium = (*wal.Medium)(nil)
)

// Open creates a fresh medium of the configured kind at path.
// Existing artifacts at path are replaced.
func Open(cfg *config.Config, path string) (Medium, error) {
	switch cfg.Medium {
	case config.MediumDuckDB, "":
		m, err := duckdb.Open(path, cfg.Channels, duckdb.Options{
			MemoryLimit: cfg.DuckDB.MemoryLimit,
			Threads:     cfg.DuckDB.Threads,
		})
		if err != nil {
			return nil, errors.Medium("open duckdb medium", err)
		}
		return m, nil

	case config.MediumWAL:
		m, err := wal.Open(path, len(cfg.Channels), wal.Options{
			MaxSegmentSize: cfg.WAL.MaxSegmentSize,
			Compression:    wal.ParseCompression(cfg.WAL.Compression),
			Fsync:          cfg.WAL.Fsync,
		})
		if err != nil {
			return nil, errors.Medium("open wal medium", err)
		}
		return m, nil

	default:
		return nil, errors.NewInvalidValue("medium", cfg.Medium, "unknown medium")
	}
}
