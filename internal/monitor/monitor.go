// Package monitor implements the periodic jobs: collection with alert
// evaluation, status and extremes reports, and the daily cleanup.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rewired-gh/perpwatch/internal/analysis"
	"github.com/rewired-gh/perpwatch/internal/dispatch"
	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/models"
	"github.com/rewired-gh/perpwatch/internal/policy"
	"github.com/rewired-gh/perpwatch/internal/retention"
	"github.com/rewired-gh/perpwatch/internal/storage"
)

// Alert delivery modes.
const (
	AlertModeBatch  = "batch"
	AlertModeSingle = "single"
)

// SnapshotSource fetches the current metrics of one instrument.
type SnapshotSource interface {
	Fetch(ctx context.Context, symbol string) (models.Snapshot, error)
}

// InstrumentDirectory lists the instruments worth collecting.
type InstrumentDirectory interface {
	ListTradable(ctx context.Context) ([]models.Instrument, error)
	TopByVolume(ctx context.Context, n int) ([]string, error)
}

// MarketCapProvider estimates market capitalization. False means unknown.
type MarketCapProvider interface {
	MarketCap(ctx context.Context, symbol string) (float64, bool)
}

type Config struct {
	Thresholds    policy.Thresholds
	TopN          int // 0 = every tradable instrument
	Workers       int
	RequestDelay  time.Duration
	FetchTimeout  time.Duration
	AlertMode     string
	ReportWindows []time.Duration
	ReportTopN    int
	StaleAfter    time.Duration // series with an older latest snapshot are not evaluated; 0 = never stale
}

func DefaultConfig() Config {
	return Config{
		Thresholds:    policy.DefaultThresholds(),
		Workers:       1,
		RequestDelay:  100 * time.Millisecond,
		FetchTimeout:  10 * time.Second,
		AlertMode:     AlertModeBatch,
		ReportWindows: []time.Duration{24 * time.Hour, 6 * time.Hour},
		ReportTopN:    10,
		StaleAfter:    15 * time.Minute,
	}
}

// Deps are the collaborators of a Service. Caps may be nil.
type Deps struct {
	Source     SnapshotSource
	Directory  InstrumentDirectory
	Caps       MarketCapProvider
	Store      storage.Store
	Retention  *retention.Manager
	Dispatcher *dispatch.Dispatcher
	Transport  dispatch.Transport
	State      *models.MonitorState
}

// Service owns the monitor state and runs the scheduled jobs.
type Service struct {
	cfg        Config
	source     SnapshotSource
	directory  InstrumentDirectory
	caps       MarketCapProvider
	store      storage.Store
	retention  *retention.Manager
	dispatcher *dispatch.Dispatcher
	transport  dispatch.Transport
	state      *models.MonitorState
	limiter    *rate.Limiter
	now        func() time.Time

	mu                  sync.Mutex
	consecutiveFailures int
}

func New(cfg Config, deps Deps) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.AlertMode == "" {
		cfg.AlertMode = AlertModeBatch
	}
	limit := rate.Inf
	if cfg.RequestDelay > 0 {
		limit = rate.Every(cfg.RequestDelay)
	}
	state := deps.State
	if state == nil {
		state = models.NewMonitorState(time.Now())
	}
	transport := deps.Transport
	if transport == nil {
		transport = dispatch.DisabledTransport{}
	}
	return &Service{
		cfg:        cfg,
		source:     deps.Source,
		directory:  deps.Directory,
		caps:       deps.Caps,
		store:      deps.Store,
		retention:  deps.Retention,
		dispatcher: deps.Dispatcher,
		transport:  transport,
		state:      state,
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
	}
}

// State returns the live counters.
func (s *Service) State() *models.MonitorState {
	return s.state
}

// CollectionResult summarizes one collection job.
type CollectionResult struct {
	Symbols     int
	Collected   int
	Failed      int
	AlertsFound int
	AlertsSent  int
	Retention   retention.Result
	Took        time.Duration
}

// Collect runs one collection and analysis cycle. Only a directory failure
// fails the job; per-instrument and delivery errors are logged and counted.
func (s *Service) Collect(ctx context.Context) error {
	res, err := s.collectCycle(ctx)
	s.trackCycle(ctx, err)
	if err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"symbols":      res.Symbols,
		"collected":    res.Collected,
		"failed":       res.Failed,
		"alerts_found": res.AlertsFound,
		"alerts_sent":  res.AlertsSent,
	}).Info("Collection cycle completed in %v", res.Took.Round(time.Millisecond))
	return nil
}

func (s *Service) collectCycle(ctx context.Context) (CollectionResult, error) {
	start := s.now()
	var res CollectionResult

	symbols, err := s.instruments(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list instruments: %w", err)
	}
	res.Symbols = len(symbols)
	s.state.SetTrackedSymbols(len(symbols))
	logger.Debug("Collecting %d instruments with %d workers", len(symbols), s.cfg.Workers)

	res.Collected, res.Failed = s.fetchAll(ctx, symbols)
	s.state.RecordCollection(res.Collected, res.Failed)

	if s.retention != nil {
		rr, err := s.compact(ctx, false)
		if err != nil {
			logger.Warn("Retention check failed: %v", err)
		}
		res.Retention = rr
	}

	events, series, err := s.Evaluate(ctx)
	if err != nil {
		logger.Error("Alert evaluation failed: %v", err)
	}
	res.AlertsFound = len(events)
	if len(events) > 0 {
		logger.Info("Detected %d alerts", len(events))
		res.AlertsSent = s.deliver(ctx, events, series)
	}
	s.state.RecordAlerts(res.AlertsFound, res.AlertsSent)

	res.Took = s.now().Sub(start)
	return res, nil
}

func (s *Service) instruments(ctx context.Context) ([]string, error) {
	if s.cfg.TopN > 0 {
		return s.directory.TopByVolume(ctx, s.cfg.TopN)
	}
	list, err := s.directory.ListTradable(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(list))
	for i, inst := range list {
		out[i] = inst.Symbol
	}
	return out, nil
}

// fetchAll fetches every symbol once over the worker pool, sharing one limiter.
func (s *Service) fetchAll(ctx context.Context, symbols []string) (int, int) {
	var ok, failed atomic.Int64
	work := make(chan string)
	var wg sync.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range work {
				if err := s.limiter.Wait(ctx); err != nil {
					failed.Add(1)
					continue
				}
				if err := s.fetchOne(ctx, sym); err != nil {
					logger.WithFields(logger.Fields{"symbol": sym}).WithError(err).Warn("Collection failed")
					failed.Add(1)
					continue
				}
				ok.Add(1)
			}
		}()
	}

	seen := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		if seen[sym] {
			continue
		}
		seen[sym] = true
		work <- sym
	}
	close(work)
	wg.Wait()
	return int(ok.Load()), int(failed.Load())
}

func (s *Service) fetchOne(ctx context.Context, symbol string) error {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	snap, err := s.source.Fetch(fctx, symbol)
	if err != nil {
		return err
	}
	return s.store.Append(ctx, symbol, snap)
}

// Evaluate applies the alert policy to the latest snapshot of every stored series
// that is still being collected. It returns the triggered events and the series each one was evaluated on.
func (s *Service) Evaluate(ctx context.Context) ([]models.AlertEvent, map[string][]models.Snapshot, error) {
	symbols, err := s.store.Symbols(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list stored series: %w", err)
	}

	at := s.now()
	var events []models.AlertEvent
	series := make(map[string][]models.Snapshot)
	for _, sym := range symbols {
		ev, points, ok, err := s.evaluateSymbol(ctx, sym, at)
		if err != nil {
			logger.WithFields(logger.Fields{"symbol": sym}).WithError(err).Warn("Skipping evaluation")
			continue
		}
		if ok {
			events = append(events, ev)
			series[sym] = points
		}
	}
	return events, series, nil
}

func (s *Service) evaluateSymbol(ctx context.Context, symbol string, at time.Time) (models.AlertEvent, []models.Snapshot, bool, error) {
	points, err := s.store.Load(ctx, symbol)
	if errors.Is(err, storage.ErrNotFound) {
		return models.AlertEvent{}, nil, false, nil
	}
	if err != nil {
		return models.AlertEvent{}, nil, false, err
	}
	if len(points) == 0 {
		return models.AlertEvent{}, nil, false, nil
	}
	latest := points[len(points)-1]
	if s.cfg.StaleAfter > 0 && at.Sub(latest.Timestamp) > s.cfg.StaleAfter {
		logger.Debug("Skipping %s: last snapshot at %s", symbol, latest.Timestamp.Format(time.RFC3339))
		return models.AlertEvent{}, nil, false, nil
	}
	th := s.cfg.Thresholds

	var in policy.Input
	if v, ok := latest.Value(models.FieldFundingRate); ok {
		in.FundingRate = &v
	}
	if s.caps != nil {
		if mc, ok := s.caps.MarketCap(ctx, symbol); ok {
			in.MarketCap = &mc
		}
	}
	if policy.NeedsOIRatio(in.MarketCap, th) {
		stats, err := analysis.OIRatio(points)
		switch {
		case err == nil:
			ratio := stats.Ratio
			in.OIRatio = &ratio
		case errors.Is(err, analysis.ErrInsufficient):
			logger.Debug("Not enough OI history for %s (%d points)", symbol, len(points))
		default:
			return models.AlertEvent{}, nil, false, err
		}
	}

	v := policy.Evaluate(in, th)
	if !v.Trigger {
		return models.AlertEvent{}, nil, false, nil
	}
	return policy.Alert(symbol, latest, in, v, at), points, true, nil
}

// deliver hands events to the dispatcher and returns how many were sent.
func (s *Service) deliver(ctx context.Context, events []models.AlertEvent, series map[string][]models.Snapshot) int {
	if s.dispatcher == nil {
		return 0
	}

	if s.cfg.AlertMode != AlertModeSingle {
		sent, err := s.dispatcher.DispatchBatch(ctx, events)
		s.logDeliveryError(err)
		return sent
	}

	ordered := make([]models.AlertEvent, len(events))
	copy(ordered, events)
	dispatch.SortEvents(ordered)
	sent := 0
	for _, ev := range ordered {
		ok, err := s.dispatcher.DispatchSingle(ctx, ev, series[ev.Symbol])
		if err != nil {
			s.logDeliveryError(err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent
}

func (s *Service) logDeliveryError(err error) {
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrDisabled):
		logger.Debug("Alerts not delivered: notifications disabled")
	default:
		logger.Error("Alert delivery failed: %v", err)
	}
}

// trackCycle sends a notice on the first failed cycle and on recovery.
func (s *Service) trackCycle(ctx context.Context, err error) {
	s.mu.Lock()
	if err != nil {
		s.consecutiveFailures++
	}
	failures := s.consecutiveFailures
	if err == nil {
		s.consecutiveFailures = 0
	}
	s.mu.Unlock()

	switch {
	case err != nil && failures == 1:
		s.notify(ctx, formatFailureNotice(err))
	case err == nil && failures > 0:
		s.notify(ctx, formatRecoveryNotice(failures))
	}
}

func (s *Service) notify(ctx context.Context, text string) {
	if err := s.transport.SendText(ctx, text); err != nil && !errors.Is(err, dispatch.ErrDisabled) {
		logger.Warn("Failed to send notification: %v", err)
	}
}

// loadAll reads every stored series, skipping unreadable ones.
func (s *Service) loadAll(ctx context.Context) ([]analysis.Series, error) {
	symbols, err := s.store.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(symbols)
	out := make([]analysis.Series, 0, len(symbols))
	for _, sym := range symbols {
		points, err := s.store.Load(ctx, sym)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Warn("Failed to load %s: %v", sym, err)
			}
			continue
		}
		out = append(out, analysis.Series{Symbol: sym, Points: points})
	}
	return out, nil
}
