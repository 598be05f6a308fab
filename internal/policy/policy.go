// Package policy decides whether an instrument's latest metrics warrant an alert.
package policy

import (
	"math"
	"time"

	"github.com/rewired-gh/perpwatch/internal/models"
)

// Thresholds are the externally configured alert limits.
type Thresholds struct {
	FundingRate float64 // F, compared against |funding rate|
	OIRatio     float64 // R
	MarketCap   float64 // M, large-cap boundary
	// Tiered selects the market-cap tiered rule. When false every instrument
	// must satisfy both the funding and the OI condition.
	Tiered bool
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{FundingRate: 0.001, OIRatio: 2.0, MarketCap: 100_000_000, Tiered: true}
}

// Input carries the latest metrics of one instrument. Nil means unknown.
type Input struct {
	FundingRate *float64
	OIRatio     *float64
	MarketCap   *float64
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Trigger bool
	Tier    models.Tier
}

// TierOf classifies a market cap. Unknown caps are small.
func TierOf(marketCap *float64, th Thresholds) models.Tier {
	if marketCap == nil || *marketCap < th.MarketCap {
		return models.TierSmall
	}
	return models.TierLarge
}

// NeedsOIRatio reports whether Evaluate can consult the OI ratio for this market cap.
func NeedsOIRatio(marketCap *float64, th Thresholds) bool {
	return !th.Tiered || TierOf(marketCap, th) == models.TierLarge
}

// Evaluate is pure: equal inputs always give equal verdicts.
func Evaluate(in Input, th Thresholds) Verdict {
	v := Verdict{Tier: TierOf(in.MarketCap, th)}

	funding := in.FundingRate != nil && math.Abs(*in.FundingRate) > th.FundingRate
	if !funding {
		return v
	}
	if th.Tiered && v.Tier == models.TierSmall {
		v.Trigger = true
		return v
	}
	// Too little history leaves OIRatio nil, which never triggers.
	v.Trigger = in.OIRatio != nil && *in.OIRatio > th.OIRatio
	return v
}

// Alert builds the event for a triggered verdict.
func Alert(symbol string, latest models.Snapshot, in Input, v Verdict, at time.Time) models.AlertEvent {
	return models.AlertEvent{
		Symbol:       symbol,
		FundingRate:  in.FundingRate,
		OIRatio:      in.OIRatio,
		OpenInterest: latest.OpenInterest,
		MarketCap:    in.MarketCap,
		Tier:         v.Tier,
		DetectedAt:   at,
	}
}
