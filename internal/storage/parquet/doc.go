// Package parquet exports and imports buffer record ranges as Parquet files.
//
// The package provides:
//   - RecordWriter/RecordReader for record ranges
//   - Channel names stored in the file's key/value metadata
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//   - Conversion between storage records and Parquet rows
package parquet
