package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rewired-gh/perpwatch/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every series in one SQLite table keyed by symbol.
type SQLiteStore struct {
	db    *sql.DB
	locks *KeyedMutex
}

// NewSQLiteStore opens or creates the SQLite database at dbPath.
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newSQLiteStore(db)
}

// newSQLiteStore prepares db and takes ownership of it; db is closed on failure.
func newSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db, locks: NewKeyedMutex()}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) createTables() error {
	var cols strings.Builder
	for _, f := range models.AllFields() {
		typ := "REAL"
		if f == models.FieldNextFundingTime {
			typ = "INTEGER"
		}
		fmt.Fprintf(&cols, ",\n\t\t\t%s %s", f.Column(), typ)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol    TEXT NOT NULL,
			ts        INTEGER NOT NULL` + cols.String() + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_symbol_ts ON snapshots(symbol, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

var snapshotCols = func() string {
	names := []string{"ts"}
	for _, f := range models.AllFields() {
		names = append(names, f.Column())
	}
	return strings.Join(names, ", ")
}()

var insertSnapshot = func() string {
	n := len(models.AllFields()) + 2
	return `INSERT INTO snapshots (symbol, ` + snapshotCols + `) VALUES (` +
		strings.TrimSuffix(strings.Repeat("?,", n), ",") + `)`
}()

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertArgs(symbol string, snap models.Snapshot) []any {
	args := []any{symbol, snap.Timestamp.UnixNano()}
	for _, f := range models.AllFields() {
		v, ok := snap.Value(f)
		switch {
		case !ok:
			args = append(args, nil)
		case f == models.FieldNextFundingTime:
			args = append(args, snap.NextFundingTime)
		default:
			args = append(args, v)
		}
	}
	return args
}

func insert(ctx context.Context, db execer, symbol string, snap models.Snapshot) error {
	_, err := db.ExecContext(ctx, insertSnapshot, insertArgs(symbol, snap)...)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, symbol string, snap models.Snapshot) error {
	unlock := s.locks.Lock(symbol)
	defer unlock()

	if err := insert(ctx, s.db, symbol, snap); err != nil {
		return ioErr(symbol, "append", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, symbol string) ([]models.Snapshot, error) {
	unlock := s.locks.Lock(symbol)
	defer unlock()

	return s.load(ctx, symbol)
}

func (s *SQLiteStore) load(ctx context.Context, symbol string) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotCols+` FROM snapshots WHERE symbol = ? ORDER BY ts, id`, symbol)
	if err != nil {
		return nil, ioErr(symbol, "load", err)
	}
	defer rows.Close()

	fields := models.AllFields()
	var series []models.Snapshot
	for rows.Next() {
		var tsNano int64
		values := make([]sql.NullFloat64, len(fields))
		dest := []any{&tsNano}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, ioErr(symbol, "load", err)
		}
		snap := models.NewSnapshot(symbol, time.Unix(0, tsNano))
		for i, f := range fields {
			if values[i].Valid {
				snap.Set(f, values[i].Float64)
			}
		}
		series = append(series, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(symbol, "load", err)
	}
	if len(series) == 0 {
		return nil, ErrNotFound
	}
	return series, nil
}

func (s *SQLiteStore) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM snapshots ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// Size reports the bytes held by live pages. Pages freed by a rewrite do not count.
func (s *SQLiteStore) Size(ctx context.Context) (int64, error) {
	var pageCount, freeCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freeCount); err != nil {
		return 0, fmt.Errorf("failed to read freelist count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page size: %w", err)
	}
	return (pageCount - freeCount) * pageSize, nil
}

func (s *SQLiteStore) Rewrite(ctx context.Context, symbol string, fn RewriteFunc) error {
	unlock := s.locks.Lock(symbol)
	defer unlock()

	series, err := s.load(ctx, symbol)
	if err != nil {
		return err
	}
	out, err := fn(series)
	if err != nil {
		return err
	}
	if sameSeries(series, out) {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr(symbol, "rewrite", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE symbol = ?`, symbol); err != nil {
		return ioErr(symbol, "rewrite", err)
	}
	for _, snap := range out {
		if err := insert(ctx, tx, symbol, snap); err != nil {
			return ioErr(symbol, "rewrite", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ioErr(symbol, "rewrite", err)
	}
	return nil
}
