package binance

import (
	"context"
	"fmt"
	"sort"

	"github.com/rewired-gh/perpwatch/internal/models"
)

// ListTradable returns every trading perpetual quoted in the configured asset, sorted by symbol.
func (c *Client) ListTradable(ctx context.Context) ([]models.Instrument, error) {
	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}

	var out []models.Instrument
	for _, s := range info.Symbols {
		inst := models.Instrument{
			Symbol:       s.Symbol,
			BaseAsset:    s.BaseAsset,
			QuoteAsset:   s.QuoteAsset,
			ContractType: string(s.ContractType),
			Status:       string(s.Status),
		}
		if inst.IsTradablePerpetual(c.quoteAsset) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// TopByVolume returns up to n tradable symbols ordered by 24h quote volume.
func (c *Client) TopByVolume(ctx context.Context, n int) ([]string, error) {
	tradable, err := c.ListTradable(ctx)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(tradable))
	for _, inst := range tradable {
		allowed[inst.Symbol] = true
	}

	stats, err := c.futures.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch 24h tickers: %w", err)
	}

	type ranked struct {
		symbol string
		volume float64
	}
	var rows []ranked
	for _, s := range stats {
		if !allowed[s.Symbol] {
			continue
		}
		v, _ := parseDecimal(s.QuoteVolume)
		rows = append(rows, ranked{s.Symbol, v})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].volume > rows[j].volume })

	if n > 0 && len(rows) > n {
		rows = rows[:n]
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.symbol
	}
	return out, nil
}
