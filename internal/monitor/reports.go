package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/perpwatch/internal/analysis"
	"github.com/rewired-gh/perpwatch/internal/dispatch"
	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/retention"
)

const timeLayout = "2006-01-02 15:04:05"

// StatusText renders the status summary as MarkdownV2.
func (s *Service) StatusText(ctx context.Context) string {
	st := s.state.Snapshot()
	now := s.now()

	stored := "unknown"
	if symbols, err := s.store.Symbols(ctx); err == nil {
		stored = fmt.Sprintf("%d", len(symbols))
	}
	size := "unknown"
	if n, err := s.store.Size(ctx); err == nil {
		size = retention.HumanBytes(n)
		if s.retention != nil {
			size += " / " + retention.HumanBytes(s.retention.Threshold())
		}
	}
	lastCleanup := "never"
	if !st.LastRetention.IsZero() {
		lastCleanup = st.LastRetention.UTC().Format(timeLayout) + " UTC"
	}

	var b strings.Builder
	b.WriteString("📊 *Monitor Status*\n\n")
	fmt.Fprintf(&b, "⏱ Uptime: %s\n", dispatch.Escape(formatUptime(st.Uptime(now))))
	fmt.Fprintf(&b, "🔎 Tracked symbols: %d\n", st.TrackedSymbols)
	fmt.Fprintf(&b, "📁 Stored series: %s\n", dispatch.Escape(stored))
	fmt.Fprintf(&b, "💾 Data size: %s\n", dispatch.Escape(size))
	fmt.Fprintf(&b, "✅ Collections: %d ok, %d failed\n", st.CollectionSuccess, st.CollectionErrors)
	fmt.Fprintf(&b, "🚨 Alerts: %d found, %d sent\n", st.AlertsFound, st.AlertsSent)
	fmt.Fprintf(&b, "🧹 Last cleanup: %s\n", dispatch.Escape(lastCleanup))
	fmt.Fprintf(&b, "⏰ %s", dispatch.Escape(now.UTC().Format(timeLayout)+" UTC"))
	return b.String()
}

// Status sends the status summary.
func (s *Service) Status(ctx context.Context) error {
	return s.send(ctx, s.StatusText(ctx))
}

// Report ranks the biggest movers for every configured window and sends one message per window.
func (s *Service) Report(ctx context.Context) error {
	all, err := s.loadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load series for report: %w", err)
	}
	if len(all) == 0 {
		logger.Debug("No stored series, skipping extremes report")
		return nil
	}

	now := s.now()
	var errs []error
	for _, w := range s.cfg.ReportWindows {
		r := analysis.RankExtremes(all, w, s.cfg.ReportTopN, now)
		if r.Evaluated == 0 {
			logger.Debug("No series with data in the last %s", w)
			continue
		}
		if err := s.send(ctx, FormatRankings(r)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cleanup forces a retention pass, rotates the log file and reports before and after.
func (s *Service) Cleanup(ctx context.Context) error {
	if s.retention == nil {
		return nil
	}
	if _, err := s.compact(ctx, true); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	if err := logger.Rotate(); err != nil {
		logger.Warn("Failed to rotate log file: %v", err)
	}
	return nil
}

// compact runs a retention pass when forced or when the size budget is
// reached, with a notice before and after every pass that runs.
func (s *Service) compact(ctx context.Context, force bool) (retention.Result, error) {
	due, size, err := s.retention.Due(ctx)
	if err != nil {
		return retention.Result{}, err
	}
	if !force && !due {
		return retention.Result{SizeBefore: size, SizeAfter: size}, nil
	}

	if force {
		s.notify(ctx, dispatch.Escapef("🧹 Daily cleanup started. Data size: %s", retention.HumanBytes(size)))
	} else {
		s.notify(ctx, dispatch.Escapef("🧹 Size limit reached, cleanup started. Data size: %s of %s",
			retention.HumanBytes(size), retention.HumanBytes(s.retention.Threshold())))
	}

	res, err := s.retention.Run(ctx, true)
	if err != nil {
		s.notify(ctx, dispatch.Escapef("❌ Cleanup failed: %v", err))
		return res, err
	}
	s.state.RecordRetention(res.At)

	s.notify(ctx, dispatch.Escapef("✅ Cleanup finished. %d series, %d compacted, %d rows removed, %d failed. Size %s -> %s",
		res.Processed, res.Compacted, res.RowsRemoved, res.Failed,
		retention.HumanBytes(res.SizeBefore), retention.HumanBytes(res.SizeAfter)))
	return res, nil
}

// AnnounceStartup sends the startup notice.
func (s *Service) AnnounceStartup(ctx context.Context) {
	th := s.cfg.Thresholds
	var b strings.Builder
	b.WriteString("🟢 *Monitor started*\n\n")
	fmt.Fprintf(&b, "Funding threshold: %s\n", dispatch.Escapef("%.4f%%", th.FundingRate*100))
	fmt.Fprintf(&b, "OI ratio threshold: %s\n", dispatch.Escapef("%.2fx", th.OIRatio))
	if th.Tiered {
		fmt.Fprintf(&b, "Large cap from: %s\n", dispatch.Escape(dispatch.FormatMarketCap(th.MarketCap)))
	} else {
		b.WriteString("Policy: flat\n")
	}
	fmt.Fprintf(&b, "Alert mode: %s", dispatch.Escape(s.cfg.AlertMode))
	s.notify(ctx, b.String())
}

func (s *Service) send(ctx context.Context, text string) error {
	err := s.transport.SendText(ctx, text)
	if errors.Is(err, dispatch.ErrDisabled) {
		return nil
	}
	return err
}

var metricTitles = map[analysis.Metric]string{
	analysis.PriceIncrease:   "📈 Price gainers",
	analysis.PriceDecrease:   "📉 Price losers",
	analysis.BasisIncrease:   "⬆️ Basis widening",
	analysis.BasisDecrease:   "⬇️ Basis narrowing",
	analysis.FundingIncrease: "🔺 Funding rising",
	analysis.FundingDecrease: "🔻 Funding falling",
	analysis.OIIncrease:      "📦 OI growth",
	analysis.OIDecrease:      "📭 OI decline",
}

// FormatRankings renders one window of extremes as MarkdownV2.
func FormatRankings(r analysis.Rankings) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🏁 *Market Extremes* \\(%s\\)\n", dispatch.Escape(formatWindow(r.Window)))
	fmt.Fprintf(&b, "Symbols evaluated: %d\n", r.Evaluated)
	for _, m := range analysis.Metrics {
		ranked := r.ByMetric[m]
		if len(ranked) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n*%s*\n", dispatch.Escape(metricTitles[m]))
		for i, d := range ranked {
			fmt.Fprintf(&b, "%d\\. `%s` %s\n", i+1, dispatch.Escape(d.Symbol), dispatch.Escape(formatChange(m, d)))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatChange(m analysis.Metric, d analysis.Delta) string {
	switch {
	case m.UsesPercent():
		return fmt.Sprintf("%+.2f%%", d.ChangePct)
	case m == analysis.FundingIncrease || m == analysis.FundingDecrease:
		return fmt.Sprintf("%+.4f%%", d.Change*100)
	default:
		// Basis is already a percentage.
		return fmt.Sprintf("%+.4f pp", d.Change)
	}
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func formatFailureNotice(err error) string {
	return "⚠️ *Collection failing*\n\n" + dispatch.Escape(err.Error())
}

func formatRecoveryNotice(failures int) string {
	return fmt.Sprintf("✅ *Collection recovered* after %d failed %s", failures, cycles(failures))
}

func cycles(n int) string {
	if n == 1 {
		return "cycle"
	}
	return "cycles"
}
