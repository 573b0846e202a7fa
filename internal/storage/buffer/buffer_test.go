package buffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/storage/config"
	"github.com/xtxerr/acqbuf/internal/storage/medium"
	"github.com/xtxerr/acqbuf/internal/storage/types"
	testutil "github.com/xtxerr/acqbuf/internal/testing"
)

var media = []string{config.MediumDuckDB, config.MediumWAL}

func testConfig(t *testing.T, kind string, width, chunk int) *config.Config {
	t.Helper()
	cfg := config.New(types.Numbered("ch", width), filepath.Join(t.TempDir(), "buf.db"))
	cfg.Medium = kind
	cfg.ChunkSize = chunk
	return cfg
}

func newTestBuffer(t *testing.T, cfg *config.Config) *Buffer {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { b.Cleanup() })
	return b
}

func appendAll(t *testing.T, b *Buffer, recs []types.Record) {
	t.Helper()
	for i, rec := range recs {
		if err := b.Append(rec); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
}

func forEachMedium(t *testing.T, fn func(t *testing.T, kind string)) {
	for _, kind := range media {
		t.Run(kind, func(t *testing.T) { fn(t, kind) })
	}
}

func TestBuffer_RoundTrip(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		const chunk = 10

		for _, n := range []int{0, 1, 9, 10, 11, 20, 37} {
			t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
				b := newTestBuffer(t, testConfig(t, kind, 3, chunk))
				want := testutil.Records(0, n, 3)
				appendAll(t, b, want)

				if got := b.Count(); got != int64(n) {
					t.Errorf("Count() = %d, want %d", got, n)
				}
				if got := b.Len(); got != n {
					t.Errorf("Len() = %d, want %d", got, n)
				}

				got, err := b.Query(0, int64(n))
				if err != nil {
					t.Fatalf("Query(0, %d) error = %v", n, err)
				}
				if err := testutil.CheckRecords(got, want); err != nil {
					t.Error(err)
				}

				stats := b.Stats()
				if stats.Flushed != int64(n/chunk*chunk) {
					t.Errorf("Stats().Flushed = %d, want %d", stats.Flushed, n/chunk*chunk)
				}
				if stats.Resident != n%chunk {
					t.Errorf("Stats().Resident = %d, want %d", stats.Resident, n%chunk)
				}
			})
		}
	})
}

func TestBuffer_QuerySubranges(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		b := newTestBuffer(t, testConfig(t, kind, 2, 8))
		all := testutil.Records(0, 30, 2)
		appendAll(t, b, all)

		ranges := [][2]int64{{0, 1}, {7, 9}, {8, 16}, {5, 29}, {23, 30}, {24, 25}, {29, 30}}
		for _, r := range ranges {
			got, err := b.Query(r[0], r[1])
			if err != nil {
				t.Fatalf("Query(%d, %d) error = %v", r[0], r[1], err)
			}
			if err := testutil.CheckRecords(got, all[r[0]:r[1]]); err != nil {
				t.Errorf("Query(%d, %d): %v", r[0], r[1], err)
			}
		}
	})
}

func TestBuffer_QueryBoundaries(t *testing.T) {
	b := newTestBuffer(t, testConfig(t, config.MediumWAL, 1, 10))

	empty, err := b.Query(0, 0)
	if err != nil {
		t.Fatalf("Query(0, 0) on empty buffer error = %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Query(0, 0) = %v, want empty non-nil slice", empty)
	}
	if _, err := b.Query(0, 1); !errors.Is(err, errors.ErrRange) {
		t.Errorf("Query(0, 1) on empty buffer error = %v, want ErrRange", err)
	}

	appendAll(t, b, testutil.Records(0, 25, 1))

	tests := []struct {
		name      string
		start     int64
		end       int64
		wantLen   int
		wantRange bool
	}{
		{"empty at zero", 0, 0, 0, false},
		{"empty inside", 12, 12, 0, false},
		{"empty at count", 25, 25, 0, false},
		{"empty past count", 26, 26, 0, true},
		{"negative empty", -1, -1, 0, true},
		{"end clamps", 0, 100, 25, false},
		{"tail clamps", 24, 30, 1, false},
		{"start at count", 25, 26, 0, true},
		{"start past count", 30, 40, 0, true},
		{"end before start", 5, 3, 0, true},
		{"negative start", -1, 3, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Query(tt.start, tt.end)
			if tt.wantRange {
				var rangeErr *errors.RangeError
				if !errors.As(err, &rangeErr) {
					t.Fatalf("Query(%d, %d) error = %v, want RangeError", tt.start, tt.end, err)
				}
				if rangeErr.Count != 25 {
					t.Errorf("RangeError.Count = %d, want 25", rangeErr.Count)
				}
				return
			}
			if err != nil {
				t.Fatalf("Query(%d, %d) error = %v", tt.start, tt.end, err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("Query(%d, %d) returned %d records, want %d", tt.start, tt.end, len(got), tt.wantLen)
			}
		})
	}
}

func TestBuffer_ShapeError(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		b := newTestBuffer(t, testConfig(t, kind, 3, 4))
		appendAll(t, b, testutil.Records(0, 2, 3))

		err := b.Append(types.NewRecord([]float64{1, 2}, 0, nil))
		if !errors.Is(err, errors.ErrShape) {
			t.Fatalf("Append() error = %v, want ErrShape", err)
		}

		var shapeErr *errors.ShapeError
		if !errors.As(err, &shapeErr) || shapeErr.Expected != 3 || shapeErr.Actual != 2 {
			t.Errorf("ShapeError = %+v, want Expected=3 Actual=2", shapeErr)
		}

		if b.Count() != 2 {
			t.Errorf("Count() after rejected append = %d, want 2", b.Count())
		}
	})
}

func TestBuffer_CommittedRecordsAreImmutable(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		b := newTestBuffer(t, testConfig(t, kind, 2, 2))

		values := []float64{1, 2}
		aux := []byte("a")
		if err := b.Append(types.NewRecord(values, 1, aux)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if err := b.Append(types.NewRecord([]float64{3, 4}, 2, nil)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if err := b.Append(types.NewRecord([]float64{5, 6}, 3, nil)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}

		values[0] = 99
		aux[0] = 'z'

		got, err := b.Query(0, 3)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if got[0].Values[0] != 1 || string(got[0].Aux) != "a" {
			t.Errorf("flushed record changed after caller mutation: %v", got[0])
		}

		got[2].Values[0] = 99
		again, err := b.Query(2, 3)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if again[0].Values[0] != 5 {
			t.Errorf("resident record changed after result mutation: %v", again[0])
		}
	})
}

func TestBuffer_EmptyAuxIsAbsent(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		b := newTestBuffer(t, testConfig(t, kind, 1, 2))

		appendAll(t, b, []types.Record{
			types.NewRecord([]float64{1}, 0, []byte{}),
			types.NewRecord([]float64{2}, 1, nil),
			types.NewRecord([]float64{3}, 2, []byte{}),
		})

		got, err := b.Query(0, 3)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		for i, rec := range got {
			if rec.Aux != nil {
				t.Errorf("record %d aux = %v, want nil", i, rec.Aux)
			}
		}
	})
}

func TestBuffer_CleanupIdempotent(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		cfg := testConfig(t, kind, 2, 4)
		b, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		appendAll(t, b, testutil.Records(0, 6, 2))

		if err := b.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
		entries, _ := os.ReadDir(filepath.Dir(cfg.BackingName))

		if err := b.Cleanup(); err != nil {
			t.Errorf("second Cleanup() error = %v", err)
		}
		again, _ := os.ReadDir(filepath.Dir(cfg.BackingName))
		if len(entries) != len(again) {
			t.Errorf("second Cleanup() changed directory: %d -> %d entries", len(entries), len(again))
		}

		if _, err := os.Stat(cfg.BackingName); !os.IsNotExist(err) {
			t.Errorf("backing medium still exists after Cleanup")
		}
		if _, err := os.Stat(medium.LockPath(cfg.BackingName)); !os.IsNotExist(err) {
			t.Errorf("lock file still exists after Cleanup")
		}

		if !b.Closed() {
			t.Error("Closed() = false after Cleanup")
		}
		if err := b.Append(testutil.Record(6, 2)); !errors.Is(err, errors.ErrClosed) {
			t.Errorf("Append() after Cleanup error = %v, want ErrClosed", err)
		}
		if _, err := b.Query(0, 1); !errors.Is(err, errors.ErrClosed) {
			t.Errorf("Query() after Cleanup error = %v, want ErrClosed", err)
		}
	})
}

func TestBuffer_KeepBacking(t *testing.T) {
	cfg := testConfig(t, config.MediumDuckDB, 2, 4)
	cfg.KeepBacking = true

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	appendAll(t, b, testutil.Records(0, 5, 2))
	if err := b.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	if _, err := os.Stat(cfg.BackingName); err != nil {
		t.Errorf("backing medium removed despite keep_backing: %v", err)
	}
}

func TestBuffer_TemporaryBacking(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		cfg := testConfig(t, kind, 1, 3)
		cfg.BackingName = ""
		cfg.KeepBacking = true

		b, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		appendAll(t, b, testutil.Records(0, 7, 1))

		dir := filepath.Dir(b.Path())
		if err := b.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("temporary directory %s still exists", dir)
		}
	})
}

func TestBuffer_BackingInUse(t *testing.T) {
	cfg := testConfig(t, config.MediumDuckDB, 1, 4)

	first, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = New(cfg)
	if !errors.Is(err, errors.ErrBackingInUse) {
		t.Fatalf("second New() error = %v, want ErrBackingInUse", err)
	}
	if !errors.Is(err, errors.ErrMedium) {
		t.Errorf("second New() error = %v, want ErrMedium", err)
	}

	if err := first.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	second := newTestBuffer(t, cfg)
	if second.Count() != 0 {
		t.Errorf("Count() = %d, want 0", second.Count())
	}
}

func TestBuffer_FreshMediumReplacesOldFile(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		cfg := testConfig(t, kind, 2, 2)
		cfg.KeepBacking = true

		b, err := New(cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		appendAll(t, b, testutil.Records(0, 5, 2))
		if err := b.Cleanup(); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}

		b = newTestBuffer(t, cfg)
		if b.Count() != 0 {
			t.Errorf("Count() = %d, want 0", b.Count())
		}
		appendAll(t, b, testutil.Records(100, 3, 2))
		got, err := b.Query(0, 3)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if err := testutil.CheckRecords(got, testutil.Records(100, 3, 2)); err != nil {
			t.Error(err)
		}
	})
}

// faultyMedium fails writes while fail is set.
type faultyMedium struct {
	medium.Medium
	fail atomic.Bool
}

func (f *faultyMedium) WriteBatch(ctx context.Context, first int64, recs []types.Record) error {
	if f.fail.Load() {
		return fmt.Errorf("injected write failure")
	}
	return f.Medium.WriteBatch(ctx, first, recs)
}

func TestBuffer_FlushFailureRollsBackAppend(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		var faulty *faultyMedium
		orig := openMedium
		openMedium = func(cfg *config.Config, path string) (medium.Medium, error) {
			m, err := orig(cfg, path)
			if err != nil {
				return nil, err
			}
			faulty = &faultyMedium{Medium: m}
			return faulty, nil
		}
		defer func() { openMedium = orig }()

		b := newTestBuffer(t, testConfig(t, kind, 2, 4))
		all := testutil.Records(0, 8, 2)
		appendAll(t, b, all[:3])

		faulty.fail.Store(true)
		err := b.Append(all[3])
		if !errors.Is(err, errors.ErrMedium) {
			t.Fatalf("Append() at chunk boundary error = %v, want ErrMedium", err)
		}
		if b.Count() != 3 {
			t.Errorf("Count() after failed flush = %d, want 3", b.Count())
		}
		got, err := b.Query(0, 3)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if err := testutil.CheckRecords(got, all[:3]); err != nil {
			t.Error(err)
		}
		if b.Stats().FlushErrors != 1 {
			t.Errorf("Stats().FlushErrors = %d, want 1", b.Stats().FlushErrors)
		}

		faulty.fail.Store(false)
		appendAll(t, b, all[3:])

		got, err = b.Query(0, 8)
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if err := testutil.CheckRecords(got, all); err != nil {
			t.Error(err)
		}
	})
}

func TestBuffer_CleanupReleasesAfterFlushError(t *testing.T) {
	var faulty *faultyMedium
	orig := openMedium
	openMedium = func(cfg *config.Config, path string) (medium.Medium, error) {
		m, err := orig(cfg, path)
		if err != nil {
			return nil, err
		}
		faulty = &faultyMedium{Medium: m}
		return faulty, nil
	}
	defer func() { openMedium = orig }()

	cfg := testConfig(t, config.MediumWAL, 1, 10)
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	appendAll(t, b, testutil.Records(0, 3, 1))

	faulty.fail.Store(true)
	if err := b.Cleanup(); !errors.Is(err, errors.ErrMedium) {
		t.Errorf("Cleanup() error = %v, want ErrMedium", err)
	}

	if _, err := os.Stat(medium.LockPath(cfg.BackingName)); !os.IsNotExist(err) {
		t.Errorf("lock file still exists after failed Cleanup")
	}
	if err := b.Cleanup(); err != nil {
		t.Errorf("second Cleanup() error = %v", err)
	}
}

// blockingMedium holds ReadRange until release is closed.
type blockingMedium struct {
	medium.Medium
	started chan struct{}
	release chan struct{}
}

func (m *blockingMedium) ReadRange(ctx context.Context, start, end int64) ([]types.Record, error) {
	close(m.started)
	<-m.release
	return m.Medium.ReadRange(ctx, start, end)
}

func TestBuffer_MediumReadDoesNotBlockWriter(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		blocking := &blockingMedium{
			started: make(chan struct{}),
			release: make(chan struct{}),
		}
		orig := openMedium
		openMedium = func(cfg *config.Config, path string) (medium.Medium, error) {
			m, err := orig(cfg, path)
			if err != nil {
				return nil, err
			}
			blocking.Medium = m
			return blocking, nil
		}
		defer func() { openMedium = orig }()

		const width = 3
		b := newTestBuffer(t, testConfig(t, kind, width, 4))
		all := testutil.Records(0, 16, width)
		appendAll(t, b, all[:8])

		type result struct {
			recs []types.Record
			err  error
		}
		queried := make(chan result, 1)
		go func() {
			recs, err := b.Query(0, 10)
			queried <- result{recs, err}
		}()
		<-blocking.started

		// Appends including a chunk flush complete while the read is held.
		err := testutil.WithTimeout(5*time.Second, func() error {
			for i := 8; i < 16; i++ {
				if err := b.Append(all[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			close(blocking.release)
			t.Fatalf("Append during medium read: %v", err)
		}
		if b.Count() != 16 {
			t.Errorf("Count() = %d, want 16", b.Count())
		}

		cleaned := make(chan error, 1)
		go func() { cleaned <- b.Cleanup() }()

		select {
		case err := <-cleaned:
			t.Fatalf("Cleanup() returned during a medium read: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		close(blocking.release)

		res := <-queried
		if res.err != nil {
			t.Fatalf("Query() error = %v", res.err)
		}
		if err := testutil.CheckRecords(res.recs, all[:8]); err != nil {
			t.Error(err)
		}
		if err := <-cleaned; err != nil {
			t.Errorf("Cleanup() error = %v", err)
		}
	})
}

func TestBuffer_ExplicitFlush(t *testing.T) {
	b := newTestBuffer(t, testConfig(t, config.MediumWAL, 1, 100))
	appendAll(t, b, testutil.Records(0, 7, 1))

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	stats := b.Stats()
	if stats.Flushed != 7 || stats.Resident != 0 {
		t.Errorf("after Flush() flushed=%d resident=%d, want 7 and 0", stats.Flushed, stats.Resident)
	}

	appendAll(t, b, testutil.Records(7, 3, 1))
	got, err := b.Query(0, 10)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if err := testutil.CheckRecords(got, testutil.Records(0, 10, 1)); err != nil {
		t.Error(err)
	}
}

func TestBuffer_ConcurrentReaders(t *testing.T) {
	forEachMedium(t, func(t *testing.T, kind string) {
		const (
			total = 2000
			width = 4
		)
		b := newTestBuffer(t, testConfig(t, kind, width, 64))

		gt := testutil.NewGoroutineTest(t)
		var done atomic.Bool

		gt.Go(func() error {
			defer done.Store(true)
			for i := 0; i < total; i++ {
				if err := b.Append(testutil.Record(i, width)); err != nil {
					return fmt.Errorf("append %d: %w", i, err)
				}
			}
			return nil
		})

		for r := 0; r < 4; r++ {
			gt.Go(func() error {
				for !done.Load() {
					n := b.Count()
					if n == 0 {
						continue
					}
					start := n / 2
					got, err := b.Query(start, n)
					if err != nil {
						return fmt.Errorf("query [%d, %d): %w", start, n, err)
					}
					want := testutil.Records(int(start), int(n-start), width)
					if err := testutil.CheckRecords(got, want); err != nil {
						return fmt.Errorf("query [%d, %d): %w", start, n, err)
					}
				}
				return nil
			})
		}

		gt.Wait()

		if b.Count() != total {
			t.Errorf("Count() = %d, want %d", b.Count(), total)
		}
	})
}

func TestBuffer_Stats(t *testing.T) {
	b := newTestBuffer(t, testConfig(t, config.MediumDuckDB, 3, 5))
	appendAll(t, b, testutil.Records(0, 12, 3))

	stats := b.Stats()
	if stats.Channels != 3 || stats.Count != 12 || stats.ChunkSize != 5 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.Flushes != 2 {
		t.Errorf("Stats().Flushes = %d, want 2", stats.Flushes)
	}
	if stats.FlushLatency.Count != 2 {
		t.Errorf("Stats().FlushLatency.Count = %d, want 2", stats.FlushLatency.Count)
	}
	if stats.Medium != config.MediumDuckDB {
		t.Errorf("Stats().Medium = %q", stats.Medium)
	}
	if stats.String() == "" {
		t.Error("Stats().String() is empty")
	}
}

func TestBuffer_ParquetExportImport(t *testing.T) {
	src := newTestBuffer(t, testConfig(t, config.MediumDuckDB, 3, 8))
	all := testutil.Records(0, 20, 3)
	appendAll(t, src, all)

	path := filepath.Join(t.TempDir(), "export.parquet")
	n, err := src.ExportParquet(path, 0, 20)
	if err != nil {
		t.Fatalf("ExportParquet() error = %v", err)
	}
	if n != 20 {
		t.Errorf("ExportParquet() wrote %d records, want 20", n)
	}

	dst := newTestBuffer(t, testConfig(t, config.MediumWAL, 3, 8))
	n, err = dst.ImportParquet(path)
	if err != nil {
		t.Fatalf("ImportParquet() error = %v", err)
	}
	if n != 20 {
		t.Errorf("ImportParquet() appended %d records, want 20", n)
	}

	got, err := dst.Query(0, 20)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if err := testutil.CheckRecords(got, all); err != nil {
		t.Error(err)
	}

	other := newTestBuffer(t, testConfig(t, config.MediumWAL, 2, 8))
	if _, err := other.ImportParquet(path); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("ImportParquet() with other channels error = %v, want ErrInvalidConfig", err)
	}

	if _, err := src.ExportParquet(path, 30, 40); !errors.Is(err, errors.ErrRange) {
		t.Errorf("ExportParquet() out of range error = %v, want ErrRange", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"no channels", func(c *config.Config) { c.Channels = nil }},
		{"duplicate channel", func(c *config.Config) { c.Channels = []string{"a", "a"} }},
		{"zero chunk", func(c *config.Config) { c.ChunkSize = 0 }},
		{"unknown medium", func(c *config.Config) { c.Medium = "tape" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, config.MediumDuckDB, 2, 4)
			tt.mutate(cfg)
			if _, err := New(cfg); !errors.Is(err, errors.ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := New(nil); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("New(nil) error = %v, want ErrInvalidConfig", err)
	}
}
