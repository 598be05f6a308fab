// Package binance reads USDT-margined perpetual market data from the Binance REST API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/models"
)

// FetchError is a failed request for one instrument. It never aborts a batch.
type FetchError struct {
	Symbol   string
	Endpoint string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s: %v", e.Endpoint, e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config holds exchange client settings.
type Config struct {
	FuturesURL  string
	SpotURL     string
	Timeout     time.Duration
	RatioPeriod string
	QuoteAsset  string
}

// Ratio endpoints under /futures/data and the snapshot field each one fills.
var ratioEndpoints = []struct {
	path  string
	key   string
	field models.Field
}{
	{"globalLongShortAccountRatio", "longShortRatio", models.FieldLongShortAccountRatio},
	{"topLongShortAccountRatio", "longShortRatio", models.FieldTopTraderAccountRatio},
	{"topLongShortPositionRatio", "longShortRatio", models.FieldTopTraderPositionRatio},
	{"takerlongshortRatio", "buySellRatio", models.FieldTakerBuySellRatio},
}

// Client implements the snapshot source and the instrument directory.
type Client struct {
	futures    *futures.Client
	http       *http.Client
	baseURL    string
	period     string
	quoteAsset string
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatioPeriod == "" {
		cfg.RatioPeriod = "5m"
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	client := futures.NewClient("", "")
	client.HTTPClient = httpClient

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.FuturesURL), "/")
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	if parsed, err := url.Parse(baseURL); err == nil {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	return &Client{
		futures:    client,
		http:       httpClient,
		baseURL:    baseURL,
		period:     cfg.RatioPeriod,
		quoteAsset: cfg.QuoteAsset,
		now:        time.Now,
	}
}

// Fetch builds one snapshot. The premium index is required; every other
// endpoint only fills its fields and is marked missing on failure.
func (c *Client) Fetch(ctx context.Context, symbol string) (models.Snapshot, error) {
	premium, err := c.futures.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.Snapshot{}, &FetchError{Symbol: symbol, Endpoint: "premiumIndex", Err: err}
	}
	if len(premium) == 0 {
		return models.Snapshot{}, &FetchError{Symbol: symbol, Endpoint: "premiumIndex", Err: fmt.Errorf("empty response")}
	}

	snap := models.NewSnapshot(symbol, c.now().UTC())
	applyPremium(&snap, premium[0])

	if oi, err := c.futures.NewGetOpenInterestService().Symbol(symbol).Do(ctx); err != nil {
		logger.Debug("Open interest unavailable for %s: %v", symbol, err)
	} else if v, ok := parseDecimal(oi.OpenInterest); ok {
		snap.Set(models.FieldOpenInterest, v)
	}

	for _, ep := range ratioEndpoints {
		v, err := c.latestRatio(ctx, ep.path, ep.key, symbol)
		if err != nil {
			logger.Debug("%s unavailable for %s: %v", ep.path, symbol, err)
			continue
		}
		snap.Set(ep.field, v)
	}
	return snap, nil
}

// applyPremium copies mark/index/funding data and derives the basis.
func applyPremium(snap *models.Snapshot, p *futures.PremiumIndex) {
	mark, markOK := parseDecimalExact(p.MarkPrice)
	index, indexOK := parseDecimalExact(p.IndexPrice)
	if markOK {
		snap.Set(models.FieldMarkPrice, mark.InexactFloat64())
	}
	if indexOK {
		snap.Set(models.FieldIndexPrice, index.InexactFloat64())
	}
	if markOK && indexOK {
		basis := mark.Sub(index)
		snap.Set(models.FieldBasis, basis.InexactFloat64())
		pct := decimal.Zero
		if !index.IsZero() {
			pct = basis.Div(index).Mul(decimal.NewFromInt(100))
		}
		snap.Set(models.FieldBasisPercent, pct.InexactFloat64())
	}
	if v, ok := parseDecimal(p.LastFundingRate); ok {
		snap.Set(models.FieldFundingRate, v)
	}
	if p.NextFundingTime > 0 {
		snap.Set(models.FieldNextFundingTime, float64(p.NextFundingTime))
	}
}

func (c *Client) latestRatio(ctx context.Context, path, key, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", c.period)
	q.Set("limit", "1")
	endpoint := fmt.Sprintf("%s/futures/data/%s?%s", c.baseURL, path, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var rows []map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return 0, fmt.Errorf("decode %s response: %w", path, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("empty response")
	}
	raw, ok := rows[len(rows)-1][key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	// Values arrive as JSON strings, occasionally as bare numbers.
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	v, ok := parseDecimal(s)
	if !ok {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return v, nil
}

func parseDecimalExact(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parseDecimal(s string) (float64, bool) {
	d, ok := parseDecimalExact(s)
	if !ok {
		return 0, false
	}
	return d.InexactFloat64(), true
}
