package binance

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	spot "github.com/adshao/go-binance/v2"

	"github.com/rewired-gh/perpwatch/internal/logger"
)

// DefaultPriceTTL bounds how long spot prices are reused.
const DefaultPriceTTL = time.Minute

// MarketCaps estimates market capitalization as spot price times a configured
// circulating supply. Assets without a supply entry have no market cap.
type MarketCaps struct {
	spot       *spot.Client
	supply     map[string]float64
	quoteAsset string
	ttl        time.Duration
	now        func() time.Time

	mu        sync.Mutex
	prices    map[string]float64
	fetchedAt time.Time
}

// NewMarketCaps creates an estimator. Supply keys are base assets, matched case-insensitively.
func NewMarketCaps(cfg Config, supply map[string]float64) *MarketCaps {
	client := spot.NewClient("", "")
	if cfg.Timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.SpotURL != "" {
		client.BaseURL = strings.TrimRight(cfg.SpotURL, "/")
	}
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}

	normalized := make(map[string]float64, len(supply))
	for asset, v := range supply {
		normalized[strings.ToUpper(asset)] = v
	}

	return &MarketCaps{
		spot:       client,
		supply:     normalized,
		quoteAsset: quote,
		ttl:        DefaultPriceTTL,
		now:        time.Now,
	}
}

// BaseAsset strips the quote suffix from a perpetual symbol.
func (m *MarketCaps) BaseAsset(symbol string) string {
	return strings.TrimSuffix(symbol, m.quoteAsset)
}

// MarketCap returns the estimate for symbol, or false when unknown.
func (m *MarketCaps) MarketCap(ctx context.Context, symbol string) (float64, bool) {
	base := m.BaseAsset(symbol)
	supply, ok := m.supply[strings.ToUpper(base)]
	if !ok || supply <= 0 {
		return 0, false
	}
	price, ok := m.price(ctx, base+m.quoteAsset)
	if !ok {
		return 0, false
	}
	return price * supply, true
}

// price serves from the cached ticker table, refreshing it once per TTL.
func (m *MarketCaps) price(ctx context.Context, spotSymbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchedAt.IsZero() || m.now().Sub(m.fetchedAt) >= m.ttl {
		if err := m.refresh(ctx); err != nil {
			// Serve stale prices, if any, and retry after the next TTL.
			logger.Warn("Failed to refresh spot prices: %v", err)
			m.fetchedAt = m.now()
		}
	}
	p, ok := m.prices[spotSymbol]
	return p, ok
}

func (m *MarketCaps) refresh(ctx context.Context) error {
	list, err := m.spot.NewListPricesService().Do(ctx)
	if err != nil {
		return err
	}
	prices := make(map[string]float64, len(list))
	for _, p := range list {
		if v, ok := parseDecimal(p.Price); ok {
			prices[p.Symbol] = v
		}
	}
	m.prices = prices
	m.fetchedAt = m.now()
	return nil
}
