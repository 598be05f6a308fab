// Package metrics exposes monitor counters and job timings to Prometheus.
//
// Registers:
//
//	perpwatch_collection_success_total
//	perpwatch_collection_errors_total
//	perpwatch_alerts_found_total
//	perpwatch_alerts_sent_total
//	perpwatch_tracked_symbols
//	perpwatch_storage_bytes
//	perpwatch_last_retention_timestamp_seconds
//	perpwatch_uptime_seconds
//	perpwatch_job_duration_seconds{job}
//	perpwatch_job_runs_total{job,result}
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/perpwatch/internal/logger"
	"github.com/rewired-gh/perpwatch/internal/models"
)

const namespace = "perpwatch"

// StateFunc returns the current monitor counters.
type StateFunc func() models.StateSnapshot

// SizeFunc returns the current storage footprint in bytes.
type SizeFunc func(ctx context.Context) (int64, error)

// stateCollector reads monitor state at scrape time.
type stateCollector struct {
	state StateFunc
	size  SizeFunc
	now   func() time.Time

	success   *prometheus.Desc
	errors    *prometheus.Desc
	found     *prometheus.Desc
	sent      *prometheus.Desc
	tracked   *prometheus.Desc
	storage   *prometheus.Desc
	retention *prometheus.Desc
	uptime    *prometheus.Desc
}

func newStateCollector(state StateFunc, size SizeFunc) *stateCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &stateCollector{
		state:     state,
		size:      size,
		now:       time.Now,
		success:   desc("collection_success_total", "Snapshots fetched and persisted"),
		errors:    desc("collection_errors_total", "Snapshot fetches or writes that failed"),
		found:     desc("alerts_found_total", "Alerts produced by the policy"),
		sent:      desc("alerts_sent_total", "Alerts delivered to the transport"),
		tracked:   desc("tracked_symbols", "Instruments in the last collection pass"),
		storage:   desc("storage_bytes", "Storage footprint in bytes"),
		retention: desc("last_retention_timestamp_seconds", "Unix time of the last cleanup"),
		uptime:    desc("uptime_seconds", "Seconds since the process started"),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.success
	ch <- c.errors
	ch <- c.found
	ch <- c.sent
	ch <- c.tracked
	ch <- c.storage
	ch <- c.retention
	ch <- c.uptime
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.state()
	ch <- prometheus.MustNewConstMetric(c.success, prometheus.CounterValue, float64(s.CollectionSuccess))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.CollectionErrors))
	ch <- prometheus.MustNewConstMetric(c.found, prometheus.CounterValue, float64(s.AlertsFound))
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(s.AlertsSent))
	ch <- prometheus.MustNewConstMetric(c.tracked, prometheus.GaugeValue, float64(s.TrackedSymbols))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.Uptime(c.now()).Seconds())

	var last float64
	if !s.LastRetention.IsZero() {
		last = float64(s.LastRetention.Unix())
	}
	ch <- prometheus.MustNewConstMetric(c.retention, prometheus.GaugeValue, last)

	if c.size != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if n, err := c.size(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.storage, prometheus.GaugeValue, float64(n))
		} else {
			logger.Debug("Skipping storage size metric: %v", err)
		}
	}
}

// Metrics owns a private registry so tests and multiple instances do not collide.
type Metrics struct {
	registry *prometheus.Registry
	duration *prometheus.HistogramVec
	runs     *prometheus.CounterVec
}

// New registers the state collector, job metrics and Go runtime collectors.
func New(state StateFunc, size SizeFunc) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of scheduled job runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"job"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by result",
		}, []string{"job", "result"}),
	}
	m.registry.MustRegister(
		newStateCollector(state, size),
		m.duration,
		m.runs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveJob records one job run. Its signature matches scheduler.Observer.
func (m *Metrics) ObserveJob(job string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.duration.WithLabelValues(job).Observe(took.Seconds())
	m.runs.WithLabelValues(job, result).Inc()
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
