// Package models defines the core domain entities: instruments, snapshots, alerts and monitor state.
package models

import (
	"errors"
	"time"
)

// Field identifies one numeric metric column of a Snapshot.
type Field int

const (
	FieldMarkPrice Field = iota
	FieldIndexPrice
	FieldBasis
	FieldBasisPercent
	FieldFundingRate
	FieldNextFundingTime
	FieldOpenInterest
	FieldLongShortAccountRatio
	FieldTopTraderAccountRatio
	FieldTopTraderPositionRatio
	FieldTakerBuySellRatio

	numFields
)

// Column names match the header of the persisted per-instrument tables.
var fieldColumns = [numFields]string{
	FieldMarkPrice:              "mark_price",
	FieldIndexPrice:             "index_price",
	FieldBasis:                  "basis",
	FieldBasisPercent:           "basis_percent",
	FieldFundingRate:            "last_funding_rate",
	FieldNextFundingTime:        "next_funding_time",
	FieldOpenInterest:           "oi",
	FieldLongShortAccountRatio:  "long_short_account_ratio",
	FieldTopTraderAccountRatio:  "top_trader_account_ls_ratio",
	FieldTopTraderPositionRatio: "top_trader_position_ls_ratio",
	FieldTakerBuySellRatio:      "taker_buy_sell_ratio",
}

// Column returns the persisted column name of the field.
func (f Field) Column() string {
	if f < 0 || f >= numFields {
		return ""
	}
	return fieldColumns[f]
}

func (f Field) String() string { return f.Column() }

// AllFields returns every metric field in column order.
func AllFields() []Field {
	fields := make([]Field, numFields)
	for i := range fields {
		fields[i] = Field(i)
	}
	return fields
}

// FieldByColumn resolves a persisted column name.
func FieldByColumn(column string) (Field, bool) {
	for i, c := range fieldColumns {
		if c == column {
			return Field(i), true
		}
	}
	return 0, false
}

// FieldSet is a bit set of fields.
type FieldSet uint16

func (s FieldSet) Has(f Field) bool { return s&(1<<uint(f)) != 0 }

func (s *FieldSet) Add(f Field) { *s |= 1 << uint(f) }

func (s *FieldSet) Remove(f Field) { *s &^= 1 << uint(f) }

// Snapshot is a point-in-time set of metrics for one perpetual contract.
// Fields the source did not report read as zero and are listed in Missing.
type Snapshot struct {
	Symbol                 string    `json:"symbol"`
	Timestamp              time.Time `json:"timestamp"`
	MarkPrice              float64   `json:"mark_price"`
	IndexPrice             float64   `json:"index_price"`
	Basis                  float64   `json:"basis"`
	BasisPercent           float64   `json:"basis_percent"`
	FundingRate            float64   `json:"last_funding_rate"`
	NextFundingTime        int64     `json:"next_funding_time"` // unix millis
	OpenInterest           float64   `json:"oi"`
	LongShortAccountRatio  float64   `json:"long_short_account_ratio"`
	TopTraderAccountRatio  float64   `json:"top_trader_account_ls_ratio"`
	TopTraderPositionRatio float64   `json:"top_trader_position_ls_ratio"`
	TakerBuySellRatio      float64   `json:"taker_buy_sell_ratio"`
	Missing                FieldSet  `json:"missing,omitempty"`
}

// NewSnapshot returns a snapshot with every metric marked missing.
func NewSnapshot(symbol string, ts time.Time) Snapshot {
	s := Snapshot{Symbol: symbol, Timestamp: ts}
	for _, f := range AllFields() {
		s.Missing.Add(f)
	}
	return s
}

// Has reports whether the field was supplied by the source.
func (s Snapshot) Has(f Field) bool {
	return !s.Missing.Has(f)
}

// Value returns the field value and whether it was present.
func (s Snapshot) Value(f Field) (float64, bool) {
	var v float64
	switch f {
	case FieldMarkPrice:
		v = s.MarkPrice
	case FieldIndexPrice:
		v = s.IndexPrice
	case FieldBasis:
		v = s.Basis
	case FieldBasisPercent:
		v = s.BasisPercent
	case FieldFundingRate:
		v = s.FundingRate
	case FieldNextFundingTime:
		v = float64(s.NextFundingTime)
	case FieldOpenInterest:
		v = s.OpenInterest
	case FieldLongShortAccountRatio:
		v = s.LongShortAccountRatio
	case FieldTopTraderAccountRatio:
		v = s.TopTraderAccountRatio
	case FieldTopTraderPositionRatio:
		v = s.TopTraderPositionRatio
	case FieldTakerBuySellRatio:
		v = s.TakerBuySellRatio
	default:
		return 0, false
	}
	return v, s.Has(f)
}

// Set stores a value and marks the field present. Only used while a snapshot is being built.
func (s *Snapshot) Set(f Field, v float64) {
	switch f {
	case FieldMarkPrice:
		s.MarkPrice = v
	case FieldIndexPrice:
		s.IndexPrice = v
	case FieldBasis:
		s.Basis = v
	case FieldBasisPercent:
		s.BasisPercent = v
	case FieldFundingRate:
		s.FundingRate = v
	case FieldNextFundingTime:
		s.NextFundingTime = int64(v)
	case FieldOpenInterest:
		s.OpenInterest = v
	case FieldLongShortAccountRatio:
		s.LongShortAccountRatio = v
	case FieldTopTraderAccountRatio:
		s.TopTraderAccountRatio = v
	case FieldTopTraderPositionRatio:
		s.TopTraderPositionRatio = v
	case FieldTakerBuySellRatio:
		s.TakerBuySellRatio = v
	default:
		return
	}
	s.Missing.Remove(f)
}

// Validate checks snapshot field constraints.
func (s *Snapshot) Validate() error {
	if s.Symbol == "" {
		return errors.New("snapshot symbol must not be empty")
	}
	if s.Timestamp.IsZero() {
		return errors.New("snapshot timestamp must be set")
	}
	if s.Has(FieldOpenInterest) && s.OpenInterest < 0 {
		return errors.New("open interest must not be negative")
	}
	if s.Has(FieldMarkPrice) && s.MarkPrice < 0 {
		return errors.New("mark price must not be negative")
	}
	return nil
}

// Instrument is a tradable contract as listed by the exchange.
type Instrument struct {
	Symbol       string `json:"symbol"`
	BaseAsset    string `json:"base_asset"`
	QuoteAsset   string `json:"quote_asset"`
	ContractType string `json:"contract_type"`
	Status       string `json:"status"`
}

// IsTradablePerpetual reports whether the instrument is a trading perpetual quoted in quote.
func (i Instrument) IsTradablePerpetual(quote string) bool {
	return i.QuoteAsset == quote && i.ContractType == "PERPETUAL" && i.Status == "TRADING"
}
