package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/acqbuf/internal/storage/config"
)

func TestBuildConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.yaml")
	data := "channels: [Fz, Cz, Pz]\nchunk_size: 77\nmedium: wal\nbacking_name: from-file.wal\nkeep_backing: true\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	flags := configFlags{chunk: 1000, width: 5, medium: "duckdb", backing: "flag.db"}

	tests := []struct {
		name    string
		path    string
		set     map[string]bool
		chunk   int
		medium  string
		backing string
		keep    bool
		width   int
	}{
		{"file only", path, nil, 77, config.MediumWAL, "from-file.wal", true, 3},
		{"file and chunk flag", path, map[string]bool{"s": true}, 1000, config.MediumWAL, "from-file.wal", true, 3},
		{"file and every flag", path, map[string]bool{"s": true, "medium": true, "backing": true, "keep": true, "c": true},
			1000, config.MediumDuckDB, "flag.db", false, 5},
		{"no file", "", nil, 1000, config.MediumDuckDB, "flag.db", false, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := buildConfig(tt.path, tt.set, flags)
			if err != nil {
				t.Fatalf("buildConfig() error = %v", err)
			}
			if cfg.ChunkSize != tt.chunk || cfg.Medium != tt.medium || cfg.BackingName != tt.backing || cfg.KeepBacking != tt.keep {
				t.Errorf("buildConfig() = chunk %d medium %s backing %s keep %v",
					cfg.ChunkSize, cfg.Medium, cfg.BackingName, cfg.KeepBacking)
			}
			if len(cfg.Channels) != tt.width {
				t.Errorf("buildConfig() channels = %v, want %d", cfg.Channels, tt.width)
			}
		})
	}
}

func TestBuildConfig_UnknownDevice(t *testing.T) {
	if _, err := buildConfig("", nil, configFlags{chunk: 10, width: 2, device: "nope", medium: "duckdb"}); err == nil {
		t.Error("expected error for unknown device")
	}
}
