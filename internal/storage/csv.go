package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/models"
)

const csvExt = ".csv"

// Layouts accepted for timestamps written without a zone offset. They are read as local time.
var legacyLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// CSVStore keeps one delimited file per instrument in a directory.
type CSVStore struct {
	dir   string
	locks *KeyedMutex
}

// NewCSVStore opens or creates the data directory.
func NewCSVStore(dir string) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &CSVStore{dir: dir, locks: NewKeyedMutex()}, nil
}

func (s *CSVStore) Close() error { return nil }

// Dir returns the data directory.
func (s *CSVStore) Dir() string { return s.dir }

func (s *CSVStore) path(symbol string) (string, error) {
	if symbol == "" || strings.ContainsAny(symbol, `/\.`) {
		return "", fmt.Errorf("invalid symbol %q", symbol)
	}
	return filepath.Join(s.dir, symbol+csvExt), nil
}

func csvHeader() []string {
	header := []string{"timestamp"}
	for _, f := range models.AllFields() {
		header = append(header, f.Column())
	}
	return header
}

func (s *CSVStore) Append(ctx context.Context, symbol string, snap models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(symbol)
	if err != nil {
		return ioErr(symbol, "append", err)
	}

	unlock := s.locks.Lock(symbol)
	defer unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ioErr(symbol, "append", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ioErr(symbol, "append", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if info.Size() == 0 {
		_ = w.Write(csvHeader())
	}
	_ = w.Write(encodeRow(snap))
	w.Flush()
	if err := w.Error(); err != nil {
		return ioErr(symbol, "append", err)
	}

	// Header and row go out in one write so a crash never leaves half a record.
	if _, err := f.Write(buf.Bytes()); err != nil {
		return ioErr(symbol, "append", err)
	}
	return nil
}

func (s *CSVStore) Load(ctx context.Context, symbol string) ([]models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(symbol)
	if err != nil {
		return nil, ioErr(symbol, "load", err)
	}

	unlock := s.locks.Lock(symbol)
	defer unlock()

	return s.load(symbol, path)
}

func (s *CSVStore) load(symbol, path string) ([]models.Snapshot, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr(symbol, "load", err)
	}
	defer f.Close()

	series, err := decodeCSV(symbol, f)
	if err != nil {
		return nil, ioErr(symbol, "load", err)
	}
	if len(series) == 0 {
		return nil, ErrNotFound
	}
	sortSeries(series)
	return series, nil
}

func (s *CSVStore) Symbols(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != csvExt {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(e.Name(), csvExt))
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (s *CSVStore) Size(ctx context.Context) (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list data directory: %w", err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != csvExt {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}
		total += info.Size()
	}
	return total, nil
}

func (s *CSVStore) Rewrite(ctx context.Context, symbol string, fn RewriteFunc) error {
	path, err := s.path(symbol)
	if err != nil {
		return ioErr(symbol, "rewrite", err)
	}

	unlock := s.locks.Lock(symbol)
	defer unlock()

	series, err := s.load(symbol, path)
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

	tmp, err := os.CreateTemp(s.dir, symbol+".*.tmp")
	if err != nil {
		return ioErr(symbol, "rewrite", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	w := csv.NewWriter(tmp)
	_ = w.Write(csvHeader())
	for _, snap := range out {
		_ = w.Write(encodeRow(snap))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return ioErr(symbol, "rewrite", err)
	}
	if err := tmp.Close(); err != nil {
		return ioErr(symbol, "rewrite", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return ioErr(symbol, "rewrite", err)
	}
	return nil
}

func encodeRow(snap models.Snapshot) []string {
	row := make([]string, 0, 1+len(models.AllFields()))
	row = append(row, snap.Timestamp.Format(time.RFC3339Nano))
	for _, f := range models.AllFields() {
		v, ok := snap.Value(f)
		switch {
		case !ok:
			row = append(row, "")
		case f == models.FieldNextFundingTime:
			row = append(row, strconv.FormatInt(snap.NextFundingTime, 10))
		default:
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	return row
}

func decodeCSV(symbol string, r io.Reader) ([]models.Snapshot, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Columns are resolved by name so files with extra or reordered columns still load.
	tsCol := -1
	cols := make(map[int]models.Field, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "timestamp" {
			tsCol = i
			continue
		}
		if f, ok := models.FieldByColumn(name); ok {
			cols[i] = f
		}
	}
	if tsCol < 0 {
		return nil, errors.New("missing timestamp column")
	}

	var series []models.Snapshot
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, err
		}
		if tsCol >= len(rec) {
			logger.Warn("Skipping short row %d in %s series", line, symbol)
			continue
		}
		ts, err := parseTimestamp(rec[tsCol])
		if err != nil {
			logger.Warn("Skipping row %d in %s series: %v", line, symbol, err)
			continue
		}
		snap := models.NewSnapshot(symbol, ts)
		for i, f := range cols {
			if i >= len(rec) || strings.TrimSpace(rec[i]) == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				continue
			}
			snap.Set(f, v)
		}
		series = append(series, snap)
	}
	return series, nil
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}
