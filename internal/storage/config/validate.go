package config

import (
	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	v.Add(types.Channels(c.Channels).Validate())

	if c.ChunkSize <= 0 {
		v.AddField("chunk_size", "must be positive")
	}

	switch c.Medium {
	case MediumDuckDB:
		v.Add(c.DuckDB.Validate())
	case MediumWAL:
		v.Add(c.WAL.Validate())
	default:
		v.Add(errors.NewInvalidValue("medium", c.Medium, "must be duckdb or wal"))
	}

	return v.Err()
}

// Validate checks the WAL configuration.
func (c *WALConfig) Validate() error {
	v := errors.NewValidationErrors()

	if c.MaxSegmentSize <= 0 {
		v.AddField("wal.max_segment_size", "must be positive")
	}

	switch c.Compression {
	case "zstd", "none", "":
	default:
		v.Add(errors.NewInvalidValue("wal.compression", c.Compression, "must be zstd or none"))
	}

	return v.Err()
}

// Validate checks the DuckDB configuration.
func (c *DuckDBConfig) Validate() error {
	if c.Threads < 0 {
		return errors.NewValidation("duckdb.threads", "must not be negative")
	}
	return nil
}
