// Package config provides configuration defaults and utilities
// for the acqbuf application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via a YAML buffer config or CLI flags.
package config

import "time"

// =============================================================================
// Buffer Defaults
// =============================================================================

const (
	// DefaultChunkSize is the working-set size that triggers a batch flush.
	// Larger chunks amortize write cost; the unflushed window on abnormal
	// termination is at most one chunk.
	// Override via config: chunk_size
	DefaultChunkSize = 10000

	// DefaultBackingName is the backing medium file name used when none is given.
	// Override via config: backing_name
	DefaultBackingName = "buffer.db"

	// DefaultMedium is the durable medium implementation.
	// Override via config: medium
	DefaultMedium = "duckdb"

	// DefaultWALSegmentSize is the maximum size of a WAL medium segment file.
	// Override via config: wal.max_segment_size
	DefaultWALSegmentSize = 64 * 1024 * 1024

	// DefaultWALCompression is the payload compression of the WAL medium.
	// Override via config: wal.compression
	DefaultWALCompression = "zstd"
)

// =============================================================================
// Wire / Server Defaults
// =============================================================================

const (
	// DefaultMaxMessageSize limits a single frame to prevent OOM on a corrupt
	// length prefix. A get_data response for a full default chunk of 25
	// channels is well under 4 MiB.
	DefaultMaxMessageSize = 64 * 1024 * 1024

	// HostEnvVar marks a process started by the process launcher as a buffer host.
	HostEnvVar = "ACQBUF_HOST"

	// LogLevelEnvVar sets the log level of hosted processes (debug, info, warn, error).
	LogLevelEnvVar = "ACQBUF_LOG_LEVEL"

	// DefaultHostExitTimeout bounds how long Stop waits for a hosted process to
	// exit after it acknowledged the stop request before killing it.
	DefaultHostExitTimeout = 10 * time.Second
)

// =============================================================================
// Demo Defaults (from the acquisition demo scripts)
// =============================================================================

const (
	// DefaultDemoRecords is the number of records the throughput demo appends.
	DefaultDemoRecords = 100000

	// DefaultDemoChannels is the channel count used by the demos.
	DefaultDemoChannels = 25

	// DefaultServerDemoRows is the number of rows the hosted demo appends.
	DefaultServerDemoRows = 1000
)
