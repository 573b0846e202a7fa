// Package config holds the configuration of a single Buffer and its durable medium.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/acqbuf/config"
)

// Medium kinds.
const (
	MediumDuckDB = "duckdb"
	MediumWAL    = "wal"
)

// Config represents the complete configuration of one Buffer.
type Config struct {
	// Channels is the ordered channel list that fixes the record shape.
	Channels []string `yaml:"channels"`

	// ChunkSize is the working-set size that triggers a batch flush.
	ChunkSize int `yaml:"chunk_size"`

	// BackingName is the path of the durable medium. Empty means a fresh
	// temporary directory is created and removed on cleanup.
	BackingName string `yaml:"backing_name"`

	// Medium selects the durable medium: duckdb or wal.
	Medium string `yaml:"medium"`

	// KeepBacking leaves the backing medium on disk after cleanup.
	KeepBacking bool `yaml:"keep_backing"`

	// WAL configures the wal medium.
	WAL WALConfig `yaml:"wal"`

	// DuckDB configures the duckdb medium.
	DuckDB DuckDBConfig `yaml:"duckdb"`
}

// WALConfig configures the segment-log medium.
type WALConfig struct {
	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// Compression is the batch payload compression: zstd or none.
	Compression string `yaml:"compression"`

	// Fsync forces an fsync after every batch.
	Fsync bool `yaml:"fsync"`
}

// DuckDBConfig configures the DuckDB medium.
type DuckDBConfig struct {
	// MemoryLimit is the DuckDB memory limit, e.g. "512MB". Empty keeps the DuckDB default.
	MemoryLimit string `yaml:"memory_limit"`

	// Threads limits DuckDB worker threads. Zero keeps the DuckDB default.
	Threads int `yaml:"threads"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration on top of the defaults.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
// Channels must still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize: defaults.DefaultChunkSize,
		Medium:    defaults.DefaultMedium,
		WAL: WALConfig{
			MaxSegmentSize: defaults.DefaultWALSegmentSize,
			Compression:    defaults.DefaultWALCompression,
		},
	}
}

// New returns the default configuration for the given channels and backing name.
func New(channels []string, backingName string) *Config {
	cfg := DefaultConfig()
	cfg.Channels = append([]string(nil), channels...)
	cfg.BackingName = backingName
	return cfg
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Channels = append([]string(nil), c.Channels...)
	return &out
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
