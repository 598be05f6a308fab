// Package storage persists per-instrument snapshot series.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rewired-gh/perpwatch/internal/models"
)

// ErrNotFound is returned by Load when an instrument has no history yet.
var ErrNotFound = errors.New("series not found")

// IOError is a failed read or write for one instrument.
type IOError struct {
	Symbol string
	Op     string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(symbol, op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Symbol: symbol, Op: op, Err: err}
}

// RewriteFunc receives the ordered series and returns the series to persist.
// Returning the input unchanged skips the write.
type RewriteFunc func(series []models.Snapshot) ([]models.Snapshot, error)

// Store is an append-only log of snapshots per instrument.
type Store interface {
	Append(ctx context.Context, symbol string, snap models.Snapshot) error
	Load(ctx context.Context, symbol string) ([]models.Snapshot, error)
	Symbols(ctx context.Context) ([]string, error)
	Size(ctx context.Context) (int64, error)
	// Rewrite replaces the series under the instrument lock. Appends to the
	// same instrument block until it returns.
	Rewrite(ctx context.Context, symbol string, fn RewriteFunc) error
	Close() error
}

// KeyedMutex hands out one mutex per key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock locks key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// sortSeries orders snapshots by timestamp. Equal timestamps keep arrival order.
func sortSeries(series []models.Snapshot) {
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Timestamp.Before(series[j].Timestamp)
	})
}

func sameSeries(a, b []models.Snapshot) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}
