// Package analysis derives rolling statistics and period deltas from snapshot series.
package analysis

import (
	"errors"
	"sort"
	"time"

	"github.com/rewired-gh/perpwatch/internal/models"
)

// ErrInsufficient means the series is too short or degenerate for the statistic.
// Callers treat it as "no signal", never as a failure.
var ErrInsufficient = errors.New("insufficient data")

const (
	ShortWindow = 3
	LongWindow  = 10
)

// RollingStats holds open-interest moving averages over the tail of a series.
type RollingStats struct {
	ShortAvg float64
	LongAvg  float64
	Ratio    float64
}

// OIRatio compares the mean open interest of the last 3 entries with the last 10.
// Entries without open interest are skipped by both means.
func OIRatio(series []models.Snapshot) (RollingStats, error) {
	if len(series) < LongWindow {
		return RollingStats{}, ErrInsufficient
	}
	short, ok := tailMean(series, ShortWindow)
	if !ok {
		return RollingStats{}, ErrInsufficient
	}
	long, ok := tailMean(series, LongWindow)
	if !ok || long == 0 {
		return RollingStats{}, ErrInsufficient
	}
	return RollingStats{ShortAvg: short, LongAvg: long, Ratio: short / long}, nil
}

func tailMean(series []models.Snapshot, n int) (float64, bool) {
	var sum float64
	var count int
	for _, s := range series[len(series)-n:] {
		if v, ok := s.Value(models.FieldOpenInterest); ok {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// Delta is the change of one field across a lookback window.
type Delta struct {
	Symbol    string
	Field     models.Field
	From      time.Time
	To        time.Time
	Start     float64
	End       float64
	Change    float64
	ChangePct float64 // 0 when Start is 0
	Points    int
}

// PeriodDelta compares the oldest and newest entries with timestamp >= now-window
// that carry field. The series must be ascending.
func PeriodDelta(series []models.Snapshot, field models.Field, window time.Duration, now time.Time) (Delta, error) {
	cutoff := now.Add(-window)

	var first, last *models.Snapshot
	points := 0
	for i := range series {
		s := &series[i]
		if s.Timestamp.Before(cutoff) || !s.Has(field) {
			continue
		}
		if first == nil {
			first = s
		}
		last = s
		points++
	}
	if points < 2 {
		return Delta{}, ErrInsufficient
	}

	start, _ := first.Value(field)
	end, _ := last.Value(field)
	d := Delta{
		Symbol: first.Symbol,
		Field:  field,
		From:   first.Timestamp,
		To:     last.Timestamp,
		Start:  start,
		End:    end,
		Change: end - start,
		Points: points,
	}
	if start != 0 {
		d.ChangePct = d.Change / start * 100
	}
	return d, nil
}

// Metric is one extremes ranking.
type Metric int

const (
	PriceIncrease Metric = iota
	PriceDecrease
	BasisIncrease
	BasisDecrease
	FundingIncrease
	FundingDecrease
	OIIncrease
	OIDecrease
)

// Metrics lists every ranking in report order.
var Metrics = []Metric{
	PriceIncrease, PriceDecrease,
	BasisIncrease, BasisDecrease,
	FundingIncrease, FundingDecrease,
	OIIncrease, OIDecrease,
}

type metricSpec struct {
	name       string
	field      models.Field
	usePct     bool
	descending bool
}

// Price and OI rank by percent change; basis percent and funding rank by raw change.
var metricSpecs = map[Metric]metricSpec{
	PriceIncrease:   {"price_increase", models.FieldMarkPrice, true, true},
	PriceDecrease:   {"price_decrease", models.FieldMarkPrice, true, false},
	BasisIncrease:   {"basis_increase", models.FieldBasisPercent, false, true},
	BasisDecrease:   {"basis_decrease", models.FieldBasisPercent, false, false},
	FundingIncrease: {"funding_increase", models.FieldFundingRate, false, true},
	FundingDecrease: {"funding_decrease", models.FieldFundingRate, false, false},
	OIIncrease:      {"oi_increase", models.FieldOpenInterest, true, true},
	OIDecrease:      {"oi_decrease", models.FieldOpenInterest, true, false},
}

func (m Metric) String() string { return metricSpecs[m].name }

// Field returns the snapshot field the metric ranks.
func (m Metric) Field() models.Field { return metricSpecs[m].field }

// UsesPercent reports whether the ranking key is the percentage change.
func (m Metric) UsesPercent() bool { return metricSpecs[m].usePct }

// Key returns the value the metric ranks a delta by.
func (m Metric) Key(d Delta) float64 {
	if metricSpecs[m].usePct {
		return d.ChangePct
	}
	return d.Change
}

// Series is one instrument's ascending history.
type Series struct {
	Symbol string
	Points []models.Snapshot
}

// Rankings are the top movers per metric over one window.
type Rankings struct {
	Window    time.Duration
	Evaluated int
	ByMetric  map[Metric][]Delta
}

// RankExtremes ranks the window deltas of every series for each metric and keeps the top N.
// Ties keep input order. A series lacking data for a metric is left out of that ranking only.
func RankExtremes(all []Series, window time.Duration, topN int, now time.Time) Rankings {
	r := Rankings{Window: window, ByMetric: make(map[Metric][]Delta, len(Metrics))}

	deltas := make(map[models.Field][]Delta)
	evaluated := make(map[string]bool)
	for _, s := range all {
		for _, f := range []models.Field{
			models.FieldMarkPrice, models.FieldBasisPercent, models.FieldFundingRate, models.FieldOpenInterest,
		} {
			d, err := PeriodDelta(s.Points, f, window, now)
			if err != nil {
				continue
			}
			d.Symbol = s.Symbol
			deltas[f] = append(deltas[f], d)
			evaluated[s.Symbol] = true
		}
	}
	r.Evaluated = len(evaluated)

	for _, m := range Metrics {
		src := deltas[m.Field()]
		ranked := make([]Delta, len(src))
		copy(ranked, src)
		desc := metricSpecs[m].descending
		sort.SliceStable(ranked, func(i, j int) bool {
			if desc {
				return m.Key(ranked[i]) > m.Key(ranked[j])
			}
			return m.Key(ranked[i]) < m.Key(ranked[j])
		})
		if topN >= 0 && len(ranked) > topN {
			ranked = ranked[:topN]
		}
		r.ByMetric[m] = ranked
	}
	return r
}
