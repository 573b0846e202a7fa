// Package duckdb implements the default durable medium on an embedded DuckDB
// database file.
//
// Records live in one table keyed by sequence number. Channel values are stored
// in positional columns ch_0..ch_N-1; the channel names are kept in a side
// table so arbitrary names never collide with SQL identifiers.
package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"strings"
	"sync"

	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/logging"
	"github.com/xtxerr/acqbuf/internal/storage/types"
)

var log = logging.Component("duckdb")

// Options configures the DuckDB instance.
type Options struct {
	// MemoryLimit, e.g. "512MB". Empty keeps the DuckDB default.
	MemoryLimit string

	// Threads limits worker threads. Zero keeps the DuckDB default.
	Threads int
}

// Medium stores records in a DuckDB file.
//
// Writes go through a dedicated connection using the DuckDB appender inside an
// explicit transaction. Reads use the pooled database handle.
type Medium struct {
	mu sync.Mutex

	path     string
	channels []string

	connector *goduckdb.Connector
	db        *sql.DB
	conn      driver.Conn

	selectSQL string
	closed    bool
}

// Open creates a fresh database at path. An existing file and its DuckDB
// write-ahead log are removed first.
func Open(path string, channels []string, opts Options) (*Medium, error) {
	if len(channels) == 0 {
		return nil, errors.NewValidation("channels", "at least one channel is required")
	}

	for _, p := range []string{path, path + ".wal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale %s: %w", p, err)
		}
	}

	connector, err := goduckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		var stmts []string
		if opts.MemoryLimit != "" {
			stmts = append(stmts, fmt.Sprintf("SET memory_limit = '%s'", strings.ReplaceAll(opts.MemoryLimit, "'", "")))
		}
		if opts.Threads > 0 {
			stmts = append(stmts, fmt.Sprintf("SET threads = %d", opts.Threads))
		}
		for _, stmt := range stmts {
			if _, err := execer.ExecContext(context.Background(), stmt, nil); err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := &Medium{
		path:      path,
		channels:  append([]string(nil), channels...),
		connector: connector,
		db:        sql.OpenDB(connector),
		selectSQL: selectStatement(len(channels)),
	}

	ctx := context.Background()
	if err := m.createSchema(ctx); err != nil {
		m.db.Close()
		return nil, err
	}

	conn, err := connector.Connect(ctx)
	if err != nil {
		m.db.Close()
		return nil, fmt.Errorf("open append connection: %w", err)
	}
	m.conn = conn

	log.Debug("medium opened", "path", path, "channels", len(channels))
	return m, nil
}

func (m *Medium) createSchema(ctx context.Context) error {
	var cols strings.Builder
	cols.WriteString("seq BIGINT PRIMARY KEY, ts DOUBLE NOT NULL, aux BLOB")
	for i := range m.channels {
		fmt.Fprintf(&cols, ", ch_%d DOUBLE NOT NULL", i)
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE records (%s)", cols.String()),
		"CREATE TABLE channels (idx INTEGER PRIMARY KEY, name VARCHAR NOT NULL)",
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for i, name := range m.channels {
		if _, err := tx.ExecContext(ctx, "INSERT INTO channels VALUES (?, ?)", i, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert channel %q: %w", name, err)
		}
	}
	return tx.Commit()
}

func selectStatement(width int) string {
	var b strings.Builder
	b.WriteString("SELECT seq, ts, aux")
	for i := 0; i < width; i++ {
		fmt.Fprintf(&b, ", ch_%d", i)
	}
	b.WriteString(" FROM records WHERE seq >= ? AND seq < ? ORDER BY seq")
	return b.String()
}

// =============================================================================
// Writes
// =============================================================================

// WriteBatch appends recs at sequence numbers first, first+1, ... in a single
// transaction. On failure nothing of the batch remains in the table.
func (m *Medium) WriteBatch(ctx context.Context, first int64, recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.ErrClosed
	}

	execer, ok := m.conn.(driver.ExecerContext)
	if !ok {
		return fmt.Errorf("append connection does not support exec")
	}

	if _, err := execer.ExecContext(ctx, "BEGIN TRANSACTION", nil); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := m.appendRows(first, recs); err != nil {
		m.rollback(ctx, execer, first, err)
		return err
	}

	if _, err := execer.ExecContext(ctx, "COMMIT", nil); err != nil {
		err = fmt.Errorf("commit batch at %d: %w", first, err)
		m.rollback(ctx, execer, first, err)
		return err
	}

	return nil
}

func (m *Medium) appendRows(first int64, recs []types.Record) error {
	appender, err := goduckdb.NewAppenderFromConn(m.conn, "", "records")
	if err != nil {
		return fmt.Errorf("create appender: %w", err)
	}

	row := make([]driver.Value, 3+len(m.channels))
	for i := range recs {
		rec := &recs[i]
		if len(rec.Values) != len(m.channels) {
			appender.Close()
			return &errors.ShapeError{Expected: len(m.channels), Actual: len(rec.Values)}
		}

		row[0] = first + int64(i)
		row[1] = rec.Timestamp
		if rec.HasAux() {
			row[2] = rec.Aux
		} else {
			row[2] = nil
		}
		for c, v := range rec.Values {
			row[3+c] = v
		}

		if err := appender.AppendRow(row...); err != nil {
			appender.Close()
			return fmt.Errorf("append row %d: %w", first+int64(i), err)
		}
	}

	if err := appender.Close(); err != nil {
		return fmt.Errorf("flush appender: %w", err)
	}
	return nil
}

// rollback aborts the open transaction. If that fails the rows of the batch
// are deleted explicitly.
func (m *Medium) rollback(ctx context.Context, execer driver.ExecerContext, first int64, cause error) {
	if _, err := execer.ExecContext(ctx, "ROLLBACK", nil); err == nil {
		return
	}

	args := []driver.NamedValue{{Ordinal: 1, Value: first}}
	if _, err := execer.ExecContext(ctx, "DELETE FROM records WHERE seq >= ?", args); err != nil {
		log.Error("failed to discard partial batch",
			"path", m.path,
			"first", first,
			"cause", cause,
			"error", err)
	}
}

// =============================================================================
// Reads
// =============================================================================

// ReadRange returns the records with sequence numbers in [start, end).
func (m *Medium) ReadRange(ctx context.Context, start, end int64) ([]types.Record, error) {
	if end <= start {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx, m.selectSQL, start, end)
	if err != nil {
		return nil, fmt.Errorf("query records [%d, %d): %w", start, end, err)
	}
	defer rows.Close()

	width := len(m.channels)
	out := make([]types.Record, 0, end-start)

	dest := make([]any, 3+width)
	var seq int64
	var aux []byte
	dest[0] = &seq

	for rows.Next() {
		rec := types.Record{Values: make([]float64, width)}
		aux = nil
		dest[1] = &rec.Timestamp
		dest[2] = &aux
		for c := range rec.Values {
			dest[3+c] = &rec.Values[c]
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		want := start + int64(len(out))
		if seq != want {
			return nil, fmt.Errorf("record %d missing from medium (found %d)", want, seq)
		}
		if len(aux) > 0 {
			rec.Aux = append([]byte(nil), aux...)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	if int64(len(out)) != end-start {
		return nil, fmt.Errorf("medium holds %d of %d records in [%d, %d)", len(out), end-start, start, end)
	}
	return out, nil
}

// Count returns the number of stored records.
func (m *Medium) Count(ctx context.Context) (int64, error) {
	return countRecords(ctx, m.db)
}

// Channels returns the channel names stored with the database.
func (m *Medium) Channels(ctx context.Context) ([]string, error) {
	return queryChannels(ctx, m.db)
}

func countRecords(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func queryChannels(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM channels ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Info describes a kept database.
type Info struct {
	Path     string
	Size     int64
	Records  int64
	Channels []string
}

// Inspect opens a database left behind with keep_backing read-only and
// reports its contents. It must not be used on a database a live buffer owns.
func Inspect(ctx context.Context, path string) (*Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", path+"?access_mode=read_only")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	n, err := countRecords(ctx, db)
	if err != nil {
		return nil, err
	}
	channels, err := queryChannels(ctx, db)
	if err != nil {
		return nil, err
	}

	return &Info{
		Path:     path,
		Size:     stat.Size(),
		Records:  n,
		Channels: channels,
	}, nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Close closes the append connection and the database. It is idempotent.
func (m *Medium) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close append connection: %w", err))
		}
	}
	if err := m.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// Remove deletes the database file and its write-ahead log.
func (m *Medium) Remove() error {
	var errs []error
	for _, p := range []string{m.path, m.path + ".wal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Path returns the database file path.
func (m *Medium) Path() string {
	return m.path
}
