package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/perpwatch/internal/models"
	"github.com/rewired-gh/perpwatch/internal/policy"
)

type fakeTransport struct {
	mu       sync.Mutex
	texts    []string
	photos   []string
	textErr  error
	photoErr error
}

func (f *fakeTransport) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return f.textErr
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) SendPhoto(_ context.Context, _ []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.photoErr != nil {
		return f.photoErr
	}
	f.photos = append(f.photos, caption)
	return nil
}

type fakeChart struct{ calls int }

func (c *fakeChart) Render(models.AlertEvent, []models.Snapshot) ([]byte, error) {
	c.calls++
	return []byte("png"), nil
}

func fp(v float64) *float64 { return &v }

func event(symbol string, funding *float64) models.AlertEvent {
	return models.AlertEvent{Symbol: symbol, FundingRate: funding, Tier: models.TierSmall, DetectedAt: time.Now()}
}

func TestEscape(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{`back\slash`, `back\\slash`},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, Escape(tt.input))
		})
	}
}

func TestFormatMarketCap(t *testing.T) {
	assert.Equal(t, "$1.25B", FormatMarketCap(1.25e9))
	assert.Equal(t, "$50.00M", FormatMarketCap(5e7))
	assert.Equal(t, "$950,000", FormatMarketCap(950000))
}

func TestSortEvents(t *testing.T) {
	events := []models.AlertEvent{
		event("A", fp(0.002)),
		event("B", nil),
		event("C", fp(-0.005)),
		event("D", fp(0.002)),
		event("E", nil),
	}
	SortEvents(events)
	var got []string
	for _, ev := range events {
		got = append(got, ev.Symbol)
	}
	assert.Equal(t, []string{"C", "A", "D", "B", "E"}, got)
}

func TestDispatchBatch_MergesAndOrders(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, policy.DefaultThresholds())

	events := []models.AlertEvent{
		event("ETHUSDT", fp(0.0012)),
		event("BTCUSDT", fp(0.0011)),
		event("ETHUSDT", fp(-0.004)), // replaces the first ETH event
		event("XRPUSDT", nil),
	}
	sent, err := d.DispatchBatch(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	require.Len(t, tr.texts, 1)

	msg := tr.texts[0]
	assert.Contains(t, msg, "Funding Alerts* \\(3\\)")
	eth := strings.Index(msg, "ETHUSDT")
	btc := strings.Index(msg, "BTCUSDT")
	xrp := strings.Index(msg, "XRPUSDT")
	assert.True(t, eth < btc && btc < xrp, "unexpected order:\n%s", msg)
	assert.Contains(t, msg, "\\-0\\.4000%")
	assert.Contains(t, msg, "OI ratio: N/A")
}

func TestDispatchBatch_Empty(t *testing.T) {
	tr := &fakeTransport{}
	sent, err := New(tr, policy.DefaultThresholds()).DispatchBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, tr.texts)
}

func TestDispatchBatch_SplitsLongMessages(t *testing.T) {
	tr := &fakeTransport{}
	d := New(tr, policy.DefaultThresholds())

	var events []models.AlertEvent
	for i := 0; i < 120; i++ {
		ev := event(strings.Repeat("X", 8)+string(rune('A'+i%26))+string(rune('A'+i/26))+"USDT", fp(0.002))
		ev.MarketCap = fp(5e7)
		events = append(events, ev)
	}
	sent, err := d.DispatchBatch(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 120, sent)
	require.Greater(t, len(tr.texts), 1)
	for _, text := range tr.texts {
		assert.LessOrEqual(t, textLength(text), MaxMessageLength)
	}
}

func TestDispatchBatch_TransportFailure(t *testing.T) {
	tr := &fakeTransport{textErr: ErrDisabled}
	sent, err := New(tr, policy.DefaultThresholds()).DispatchBatch(context.Background(), []models.AlertEvent{event("A", fp(0.01))})
	assert.Zero(t, sent)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestDispatchBatch_Cooldown(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := &fakeTransport{}
	d := New(tr, policy.DefaultThresholds(), WithCooldown(time.Hour), WithClock(clock))
	ctx := context.Background()

	sent, err := d.DispatchBatch(ctx, []models.AlertEvent{event("A", fp(0.002))})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	now = now.Add(10 * time.Minute)
	sent, _ = d.DispatchBatch(ctx, []models.AlertEvent{event("A", fp(0.003))})
	assert.Zero(t, sent, "same sign inside cooldown is suppressed")

	sent, _ = d.DispatchBatch(ctx, []models.AlertEvent{event("A", fp(-0.003))})
	assert.Equal(t, 1, sent, "sign flip is delivered")

	now = now.Add(2 * time.Hour)
	sent, _ = d.DispatchBatch(ctx, []models.AlertEvent{event("A", fp(-0.003))})
	assert.Equal(t, 1, sent, "cooldown expired")
}

func TestDispatchSingle(t *testing.T) {
	series := make([]models.Snapshot, MinChartPoints)
	ev := event("SOLUSDT", fp(0.002))

	t.Run("photo with chart", func(t *testing.T) {
		tr := &fakeTransport{}
		chart := &fakeChart{}
		ok, err := New(tr, policy.DefaultThresholds(), WithChart(chart)).DispatchSingle(context.Background(), ev, series)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, chart.calls)
		assert.Len(t, tr.photos, 1)
		assert.Empty(t, tr.texts)
	})

	t.Run("short series sends text", func(t *testing.T) {
		tr := &fakeTransport{}
		chart := &fakeChart{}
		ok, err := New(tr, policy.DefaultThresholds(), WithChart(chart)).DispatchSingle(context.Background(), ev, series[:4])
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, chart.calls)
		assert.Len(t, tr.texts, 1)
	})

	t.Run("photo failure falls back to text", func(t *testing.T) {
		tr := &fakeTransport{photoErr: errors.New("upload failed")}
		ok, err := New(tr, policy.DefaultThresholds(), WithChart(&fakeChart{})).DispatchSingle(context.Background(), ev, series)
		require.NoError(t, err)
		assert.True(t, ok)
		require.Len(t, tr.texts, 1)
		assert.Contains(t, tr.texts[0], "SOLUSDT")
	})

	t.Run("text failure is reported", func(t *testing.T) {
		tr := &fakeTransport{textErr: errors.New("down")}
		ok, err := New(tr, policy.DefaultThresholds()).DispatchSingle(context.Background(), ev, nil)
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestFormatSingle_TriggerLine(t *testing.T) {
	th := policy.DefaultThresholds()
	small := FormatSingle(event("A", fp(0.002)), th)
	assert.Contains(t, small, "Trigger: \\|funding\\| \\> 0\\.1000%\n")

	large := event("B", fp(0.002))
	large.Tier = models.TierLarge
	large.OIRatio = fp(2.5)
	large.MarketCap = fp(2e9)
	text := FormatSingle(large, th)
	assert.Contains(t, text, "and OI ratio \\> 2\\.00x")
	assert.Contains(t, text, "$2\\.00B \\(large cap\\)")
}
