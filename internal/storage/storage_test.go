package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/perpwatch/internal/models"
)

func testSnapshot(symbol string, ts time.Time, oi float64) models.Snapshot {
	s := models.NewSnapshot(symbol, ts)
	s.Set(models.FieldMarkPrice, 100.5)
	s.Set(models.FieldIndexPrice, 100)
	s.Set(models.FieldBasis, 0.5)
	s.Set(models.FieldBasisPercent, 0.5)
	s.Set(models.FieldFundingRate, 0.0001)
	s.Set(models.FieldNextFundingTime, 1700000000000)
	s.Set(models.FieldOpenInterest, oi)
	return s
}

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	csvStore, err := NewCSVStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}
	sqliteStore, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	stores := map[string]Store{"csv": csvStore, "sqlite": sqliteStore}
	if addr := os.Getenv("PERPWATCH_TEST_REDIS"); addr != "" {
		redisStore, err := NewRedisStore(RedisConfig{Addr: addr, Prefix: "perpwatch-test:" + t.Name() + ":"})
		if err != nil {
			t.Fatalf("NewRedisStore: %v", err)
		}
		stores["redis"] = redisStore
	}
	for _, s := range stores {
		s := s
		t.Cleanup(func() { _ = s.Close() })
	}
	return stores
}

func TestStore_LoadNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Load(ctx, "NOPEUSDT"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_AppendLoadSortsAndKeepsDuplicates(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			// Written out of order, with one duplicated timestamp.
			writes := []models.Snapshot{
				testSnapshot("BTCUSDT", base.Add(10*time.Minute), 3),
				testSnapshot("BTCUSDT", base, 1),
				testSnapshot("BTCUSDT", base.Add(5*time.Minute), 2),
				testSnapshot("BTCUSDT", base.Add(5*time.Minute), 22),
			}
			for _, w := range writes {
				if err := s.Append(ctx, "BTCUSDT", w); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := s.Load(ctx, "BTCUSDT")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != 4 {
				t.Fatalf("got %d entries, want 4", len(got))
			}
			wantOI := []float64{1, 2, 22, 3}
			for i, snap := range got {
				if snap.OpenInterest != wantOI[i] {
					t.Errorf("entry %d: oi = %v, want %v", i, snap.OpenInterest, wantOI[i])
				}
				if i > 0 && snap.Timestamp.Before(got[i-1].Timestamp) {
					t.Errorf("entry %d out of order", i)
				}
			}
			if !got[0].Timestamp.Equal(base) {
				t.Errorf("timestamp = %v, want %v", got[0].Timestamp, base)
			}
			if got[0].NextFundingTime != 1700000000000 {
				t.Errorf("next funding time = %d", got[0].NextFundingTime)
			}
		})
	}
}

func TestStore_MissingFieldsSurviveRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			snap := models.NewSnapshot("ETHUSDT", time.Now().UTC())
			snap.Set(models.FieldFundingRate, 0)
			if err := s.Append(ctx, "ETHUSDT", snap); err != nil {
				t.Fatalf("Append: %v", err)
			}
			got, err := s.Load(ctx, "ETHUSDT")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if v, ok := got[0].Value(models.FieldFundingRate); !ok || v != 0 {
				t.Errorf("funding rate = %v present=%v, want present zero", v, ok)
			}
			if got[0].Has(models.FieldOpenInterest) {
				t.Error("open interest should stay missing")
			}
		})
	}
}

func TestStore_SymbolsAndSize(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, sym := range []string{"SOLUSDT", "ADAUSDT"} {
				if err := s.Append(ctx, sym, testSnapshot(sym, now, 1)); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			symbols, err := s.Symbols(ctx)
			if err != nil {
				t.Fatalf("Symbols: %v", err)
			}
			if len(symbols) != 2 || symbols[0] != "ADAUSDT" || symbols[1] != "SOLUSDT" {
				t.Errorf("Symbols() = %v", symbols)
			}
			size, err := s.Size(ctx)
			if err != nil {
				t.Fatalf("Size: %v", err)
			}
			if size <= 0 {
				t.Errorf("Size() = %d, want > 0", size)
			}
		})
	}
}

func TestStore_Rewrite(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				if err := s.Append(ctx, "XRPUSDT", testSnapshot("XRPUSDT", base.Add(time.Duration(i)*time.Minute), float64(i))); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			err := s.Rewrite(ctx, "XRPUSDT", func(series []models.Snapshot) ([]models.Snapshot, error) {
				return series[3:], nil
			})
			if err != nil {
				t.Fatalf("Rewrite: %v", err)
			}
			got, err := s.Load(ctx, "XRPUSDT")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != 2 || got[0].OpenInterest != 3 || got[1].OpenInterest != 4 {
				t.Errorf("after rewrite got %+v", got)
			}

			// Appends after a rewrite land after the kept rows.
			if err := s.Append(ctx, "XRPUSDT", testSnapshot("XRPUSDT", base.Add(time.Hour), 9)); err != nil {
				t.Fatalf("Append: %v", err)
			}
			got, _ = s.Load(ctx, "XRPUSDT")
			if len(got) != 3 || got[2].OpenInterest != 9 {
				t.Errorf("after append got %d entries", len(got))
			}
		})
	}
}

func TestStore_RewriteBlocksAppend(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, s := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Append(ctx, "DOTUSDT", testSnapshot("DOTUSDT", now, 1)); err != nil {
				t.Fatalf("Append: %v", err)
			}

			inRewrite := make(chan struct{})
			release := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.Rewrite(ctx, "DOTUSDT", func(series []models.Snapshot) ([]models.Snapshot, error) {
					close(inRewrite)
					<-release
					return []models.Snapshot{}, nil
				})
			}()
			<-inRewrite

			appended := make(chan struct{})
			go func() {
				_ = s.Append(ctx, "DOTUSDT", testSnapshot("DOTUSDT", now.Add(time.Minute), 2))
				close(appended)
			}()

			select {
			case <-appended:
				t.Fatal("append completed while rewrite held the instrument")
			case <-time.After(50 * time.Millisecond):
			}
			close(release)
			wg.Wait()
			<-appended

			got, err := s.Load(ctx, "DOTUSDT")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != 1 || got[0].OpenInterest != 2 {
				t.Errorf("got %+v, want only the post-rewrite append", got)
			}
		})
	}
}

func TestCSVStore_FileFormat(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVStore(dir)
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if err := s.Append(ctx, "BNBUSDT", testSnapshot("BNBUSDT", ts, 7)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "BNBUSDT.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "timestamp,mark_price,index_price,basis,basis_percent,last_funding_rate,next_funding_time,oi,long_short_account_ratio,top_trader_account_ls_ratio,top_trader_position_ls_ratio,taker_buy_sell_ratio\n" +
		"2024-05-01T08:00:00Z,100.5,100,0.5,0.5,0.0001,1700000000000,7,,,,\n" +
		"2024-05-01T08:00:00Z,100.5,100,0.5,0.5,0.0001,1700000000000,7,,,,\n"
	if string(data) != want {
		t.Errorf("file contents:\n%s\nwant:\n%s", data, want)
	}
}

func TestCSVStore_LegacyTimestamps(t *testing.T) {
	dir := t.TempDir()
	content := "timestamp,mark_price,last_funding_rate,oi\n" +
		"2024-01-02T10:05:00.123456,50000,0.0002,1000\n" +
		"2024-01-02 10:00:00,49000,,900\n" +
		"not-a-time,1,1,1\n"
	if err := os.WriteFile(filepath.Join(dir, "BTCUSDT.csv"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewCSVStore(dir)
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}
	got, err := s.Load(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].MarkPrice != 49000 || got[0].Has(models.FieldFundingRate) {
		t.Errorf("first row = %+v", got[0])
	}
	if got[1].Timestamp.Location() != time.Local {
		t.Errorf("legacy timestamp location = %v, want Local", got[1].Timestamp.Location())
	}
	if got[1].Has(models.FieldBasis) {
		t.Error("columns absent from the header must be missing")
	}
}

func TestCSVStore_RejectsPathSymbols(t *testing.T) {
	s, err := NewCSVStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}
	err = s.Append(context.Background(), "../evil", testSnapshot("x", time.Now(), 1))
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("Append() error = %v, want *IOError", err)
	}
	if ioe.Symbol != "../evil" || ioe.Op != "append" {
		t.Errorf("IOError = %+v", ioe)
	}
}

func TestSQLiteStore_ClosesDatabaseOnSetupFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	if err := os.WriteFile(path, []byte(strings.Repeat("not a database ", 300)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := NewSQLiteStore(path); err == nil {
		t.Fatal("NewSQLiteStore() on a corrupt file should fail")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := newSQLiteStore(db); err == nil {
		t.Fatal("newSQLiteStore() on a corrupt file should fail")
	}
	if err := db.Ping(); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("Ping() after failed setup = %v, want closed database", err)
	}
}
