package duckdb

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/storage/types"
)

func makeRecords(first, n, width int) []types.Record {
	recs := make([]types.Record, n)
	for i := range recs {
		seq := first + i
		values := make([]float64, width)
		for c := range values {
			values[c] = float64(seq*100 + c)
		}
		recs[i] = types.Record{Values: values, Timestamp: float64(seq) / 500}
		if seq%3 == 0 {
			recs[i].Aux = []byte{byte(seq), 0xFF}
		}
	}
	return recs
}

func openTest(t *testing.T, channels []string) *Medium {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buffer.db")
	m, err := Open(path, channels, Options{Threads: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMedium_WriteRead(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, []string{"Fp1", "Fp2", "Cz"})

	if err := m.WriteBatch(ctx, 0, makeRecords(0, 10, 3)); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if err := m.WriteBatch(ctx, 10, makeRecords(10, 5, 3)); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	got, err := m.ReadRange(ctx, 0, 15)
	if err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	want := makeRecords(0, 15, 3)
	if len(got) != len(want) {
		t.Fatalf("ReadRange() returned %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(&want[i]) {
			t.Errorf("record %d = %v, want %v", i, got[i], want[i])
		}
	}

	got, err = m.ReadRange(ctx, 8, 12)
	if err != nil {
		t.Fatalf("ReadRange(8, 12) error = %v", err)
	}
	if len(got) != 4 || got[0].Timestamp != want[8].Timestamp {
		t.Errorf("ReadRange(8, 12) = %v", got)
	}

	n, err := m.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 15 {
		t.Errorf("Count() = %d, want 15", n)
	}
}

func TestMedium_SpecialValues(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, []string{"a", "b"})

	recs := []types.Record{
		{Values: []float64{math.Inf(1), math.Inf(-1)}, Timestamp: -1},
		{Values: []float64{math.MaxFloat64, -0.5}, Timestamp: 0, Aux: []byte("trigger")},
	}
	if err := m.WriteBatch(ctx, 0, recs); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	got, err := m.ReadRange(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	for i := range recs {
		if !got[i].Equal(&recs[i]) {
			t.Errorf("record %d = %v, want %v", i, got[i], recs[i])
		}
	}
	if got[0].Aux != nil {
		t.Errorf("record 0 aux = %v, want nil", got[0].Aux)
	}
}

func TestMedium_DuplicateBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, []string{"a"})

	if err := m.WriteBatch(ctx, 0, makeRecords(0, 4, 1)); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	// Overlaps seq 3 and violates the primary key.
	if err := m.WriteBatch(ctx, 3, makeRecords(3, 4, 1)); err == nil {
		t.Fatal("WriteBatch() with duplicate sequence should fail")
	}

	n, err := m.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 4 {
		t.Errorf("Count() after failed batch = %d, want 4", n)
	}

	if err := m.WriteBatch(ctx, 4, makeRecords(4, 2, 1)); err != nil {
		t.Fatalf("WriteBatch() after rollback error = %v", err)
	}
	if _, err := m.ReadRange(ctx, 0, 6); err != nil {
		t.Errorf("ReadRange() after rollback error = %v", err)
	}
}

func TestMedium_ShapeMismatch(t *testing.T) {
	m := openTest(t, []string{"a", "b"})

	err := m.WriteBatch(context.Background(), 0, makeRecords(0, 2, 3))
	if !errors.Is(err, errors.ErrShape) {
		t.Errorf("WriteBatch() error = %v, want ErrShape", err)
	}
}

func TestMedium_MissingRange(t *testing.T) {
	ctx := context.Background()
	m := openTest(t, []string{"a"})

	if err := m.WriteBatch(ctx, 0, makeRecords(0, 3, 1)); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if _, err := m.ReadRange(ctx, 0, 5); err == nil {
		t.Error("ReadRange() past stored records should fail")
	}
}

func TestMedium_ChannelNames(t *testing.T) {
	names := []string{"select", "from", "a b", "ts"}
	m := openTest(t, names)

	got, err := m.Channels(context.Background())
	if err != nil {
		t.Fatalf("Channels() error = %v", err)
	}
	if len(got) != len(names) {
		t.Fatalf("Channels() = %v, want %v", got, names)
	}
	for i := range names {
		if got[i] != names[i] {
			t.Errorf("channel %d = %q, want %q", i, got[i], names[i])
		}
	}
}

func TestMedium_FreshAndRemove(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "buffer.db")

	m, err := Open(path, []string{"a"}, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.WriteBatch(ctx, 0, makeRecords(0, 3, 1)); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	m, err = Open(path, []string{"a"}, Options{})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	n, err := m.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 0 {
		t.Errorf("reopened medium holds %d records, want 0", n)
	}

	if err := m.WriteBatch(ctx, 0, makeRecords(0, 1, 1)); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	m.Close()

	if err := m.WriteBatch(ctx, 1, makeRecords(1, 1, 1)); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("WriteBatch() after Close error = %v, want ErrClosed", err)
	}

	if err := m.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("database file still exists after Remove")
	}
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kept.db")

	m, err := Open(path, []string{"C3", "C4"}, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.WriteBatch(ctx, 0, makeRecords(0, 6, 2)); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	info, err := Inspect(ctx, path)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if info.Records != 6 {
		t.Errorf("Records = %d, want 6", info.Records)
	}
	if len(info.Channels) != 2 || info.Channels[0] != "C3" || info.Channels[1] != "C4" {
		t.Errorf("Channels = %v", info.Channels)
	}
	if info.Size <= 0 {
		t.Errorf("Size = %d", info.Size)
	}

	if _, err := Inspect(ctx, filepath.Join(t.TempDir(), "missing.db")); !os.IsNotExist(err) {
		t.Errorf("Inspect(missing) error = %v, want not-exist", err)
	}
}
