// Package retention keeps persisted series inside a storage-size budget.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/models"
	"github.com/rewired-gh/perpwatch/internal/storage"
)

const (
	DefaultMaxRows   = 1000
	DefaultThreshold = 800 * 1024 * 1024
)

// Compact keeps the newest maxRows entries of an ascending series.
// It returns the input slice itself when nothing is removed.
func Compact(series []models.Snapshot, maxRows int) ([]models.Snapshot, int) {
	if maxRows < 0 || len(series) <= maxRows {
		return series, 0
	}
	removed := len(series) - maxRows
	kept := make([]models.Snapshot, maxRows)
	copy(kept, series[removed:])
	return kept, removed
}

// Result summarizes one retention pass.
type Result struct {
	Ran         bool
	Processed   int
	Compacted   int
	Failed      int
	RowsRemoved int
	SizeBefore  int64
	SizeAfter   int64
	At          time.Time
}

// Manager enforces the size budget of a store.
type Manager struct {
	store     storage.Store
	threshold int64
	maxRows   int
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source stamped on each Result.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store storage.Store, threshold int64, maxRows int, opts ...Option) *Manager {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	m := &Manager{store: store, threshold: threshold, maxRows: maxRows, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Size returns the bytes used by all persisted series.
func (m *Manager) Size(ctx context.Context) (int64, error) {
	return m.store.Size(ctx)
}

// Threshold returns the size that triggers a pass.
func (m *Manager) Threshold() int64 { return m.threshold }

// Due reports whether the store has reached the size budget.
func (m *Manager) Due(ctx context.Context) (bool, int64, error) {
	size, err := m.store.Size(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("failed to measure storage: %w", err)
	}
	return size >= m.threshold, size, nil
}

// Run compacts every series when force is set or the budget is reached.
// A failing instrument is logged and counted; the pass continues.
func (m *Manager) Run(ctx context.Context, force bool) (Result, error) {
	due, size, err := m.Due(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{SizeBefore: size, SizeAfter: size, At: m.now()}
	if !force && !due {
		return res, nil
	}
	res.Ran = true

	logger.Info("Retention pass started: size=%s threshold=%s force=%v",
		HumanBytes(size), HumanBytes(m.threshold), force)

	symbols, err := m.store.Symbols(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list series: %w", err)
	}

	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++

		var removed int
		err := m.store.Rewrite(ctx, sym, func(series []models.Snapshot) ([]models.Snapshot, error) {
			kept, n := Compact(series, m.maxRows)
			removed = n
			return kept, nil
		})
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			res.Failed++
			logger.WithFields(logger.Fields{"symbol": sym}).WithError(err).Warn("Retention failed for series")
			continue
		}
		if removed > 0 {
			res.Compacted++
			res.RowsRemoved += removed
			logger.Debug("Compacted %s: removed %d rows", sym, removed)
		}
	}

	if after, err := m.store.Size(ctx); err == nil {
		res.SizeAfter = after
	}

	logger.Info("Retention pass finished: processed=%d compacted=%d removed=%d failed=%d size %s -> %s",
		res.Processed, res.Compacted, res.RowsRemoved, res.Failed,
		HumanBytes(res.SizeBefore), HumanBytes(res.SizeAfter))
	return res, nil
}

// HumanBytes formats a byte count with binary units.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit && exp < 4; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGTP"[exp])
}
