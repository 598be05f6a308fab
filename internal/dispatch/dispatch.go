// Package dispatch merges, orders, renders and delivers alert events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/models"
	"github.com/rewired-gh/perpwatch/internal/policy"
)

// MinChartPoints is the shortest series worth charting.
const MinChartPoints = 5

// ErrDisabled is returned by the transport used when notification credentials are missing.
var ErrDisabled = errors.New("notifications disabled")

// Transport delivers formatted MarkdownV2 content.
type Transport interface {
	SendText(ctx context.Context, text string) error
	SendPhoto(ctx context.Context, png []byte, caption string) error
}

// DisabledTransport rejects every send with ErrDisabled.
type DisabledTransport struct{}

func (DisabledTransport) SendText(context.Context, string) error           { return ErrDisabled }
func (DisabledTransport) SendPhoto(context.Context, []byte, string) error { return ErrDisabled }

// ChartRenderer draws a PNG for one alerted instrument.
type ChartRenderer interface {
	Render(ev models.AlertEvent, series []models.Snapshot) ([]byte, error)
}

type notifiedRecord struct {
	Negative bool
	Tier     models.Tier
	SentAt   time.Time
}

// Dispatcher hands alert events to a Transport. Safe for concurrent use.
type Dispatcher struct {
	transport  Transport
	chart      ChartRenderer
	thresholds policy.Thresholds
	cooldown   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	notified map[string]notifiedRecord
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithChart enables chart attachments on the single-event path.
func WithChart(r ChartRenderer) Option { return func(d *Dispatcher) { d.chart = r } }

// WithCooldown suppresses repeats of the same symbol, sign and tier inside the window.
func WithCooldown(cooldown time.Duration) Option { return func(d *Dispatcher) { d.cooldown = cooldown } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(transport Transport, th policy.Thresholds, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport:  transport,
		thresholds: th,
		now:        time.Now,
		notified:   make(map[string]notifiedRecord),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Prepare merges events by symbol (last wins), drops events inside the cooldown
// and orders the rest by |funding rate| descending with unknown funding last.
func (d *Dispatcher) Prepare(events []models.AlertEvent) []models.AlertEvent {
	merged := merge(events)
	merged = d.filterRecentlySent(merged)
	SortEvents(merged)
	return merged
}

// DispatchBatch sends all events of one cycle as a combined notification.
// It returns how many events were delivered.
func (d *Dispatcher) DispatchBatch(ctx context.Context, events []models.AlertEvent) (int, error) {
	ready := d.Prepare(events)
	if len(ready) == 0 {
		return 0, nil
	}

	sent, offset := 0, 0
	var errs []error
	for _, chunk := range FormatBatch(ready, d.now()) {
		part := ready[offset : offset+chunk.Events]
		offset += chunk.Events
		if err := d.transport.SendText(ctx, chunk.Text); err != nil {
			logger.Error("Failed to send alert message (%d events): %v", chunk.Events, err)
			errs = append(errs, err)
			continue
		}
		d.recordNotified(part)
		sent += chunk.Events
	}
	if len(errs) > 0 {
		return sent, fmt.Errorf("alert delivery failed: %w", errors.Join(errs...))
	}
	return sent, nil
}

// DispatchSingle sends one event, with a chart when the series is long enough.
// A failed photo falls back to text with the same content. It reports false
// without error when the event is inside the cooldown window.
func (d *Dispatcher) DispatchSingle(ctx context.Context, ev models.AlertEvent, series []models.Snapshot) (bool, error) {
	if len(d.filterRecentlySent([]models.AlertEvent{ev})) == 0 {
		return false, nil
	}

	text := FormatSingle(ev, d.thresholds)
	if d.chart != nil && len(series) >= MinChartPoints {
		png, err := d.chart.Render(ev, series)
		if err == nil {
			err = d.transport.SendPhoto(ctx, png, text)
		}
		if err == nil {
			d.recordNotified([]models.AlertEvent{ev})
			return true, nil
		}
		logger.Warn("Chart delivery failed for %s, falling back to text: %v", ev.Symbol, err)
	}

	if err := d.transport.SendText(ctx, text); err != nil {
		logger.Error("Failed to send alert for %s: %v", ev.Symbol, err)
		return false, fmt.Errorf("alert delivery failed for %s: %w", ev.Symbol, err)
	}
	d.recordNotified([]models.AlertEvent{ev})
	return true, nil
}

func merge(events []models.AlertEvent) []models.AlertEvent {
	idx := make(map[string]int, len(events))
	var out []models.AlertEvent
	for _, ev := range events {
		if i, ok := idx[ev.Symbol]; ok {
			out[i] = ev
			continue
		}
		idx[ev.Symbol] = len(out)
		out = append(out, ev)
	}
	return out
}

// SortEvents orders events by |funding rate| descending. Unknown funding sorts last; ties keep order.
func SortEvents(events []models.AlertEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].FundingRate, events[j].FundingRate
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return math.Abs(*a) > math.Abs(*b)
	})
}

func isNegative(ev models.AlertEvent) bool {
	return ev.FundingRate != nil && *ev.FundingRate < 0
}

func (d *Dispatcher) filterRecentlySent(events []models.AlertEvent) []models.AlertEvent {
	if d.cooldown <= 0 {
		return events
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	var result []models.AlertEvent
	for _, ev := range events {
		rec, exists := d.notified[ev.Symbol]
		if exists && now.Sub(rec.SentAt) < d.cooldown {
			// A sign flip or a tier change is news even inside the window.
			if rec.Negative == isNegative(ev) && rec.Tier == ev.Tier {
				logger.Debug("Suppressing repeat alert for %s (sent %s ago)", ev.Symbol, now.Sub(rec.SentAt).Round(time.Second))
				continue
			}
		}
		result = append(result, ev)
	}
	return result
}

func (d *Dispatcher) recordNotified(events []models.AlertEvent) {
	if d.cooldown <= 0 {
		return
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range events {
		d.notified[ev.Symbol] = notifiedRecord{Negative: isNegative(ev), Tier: ev.Tier, SentAt: now}
	}
}
