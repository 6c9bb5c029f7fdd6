// Package metrics exposes Prometheus counters for backfill runs and live
// gap-fill requests.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"
)

// Metrics holds every collector. Each instance owns its registry so several
// can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Requests       *prometheus.CounterVec
	Inserted       *prometheus.CounterVec
	Skipped        *prometheus.CounterVec
	Batches        *prometheus.CounterVec
	EndOfHistory   *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	LastRunSuccess *prometheus.GaugeVec
	LiveRequests   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forexradar_backfill_requests_total",
			Help: "Provider fetches issued by backfill runs, by outcome",
		}, []string{"provider", "outcome"}),
		Inserted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forexradar_backfill_inserted_total",
			Help: "Records inserted into the archive",
		}, []string{"provider", "from", "to"}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forexradar_backfill_skipped_existing_total",
			Help: "Dates skipped because the archive already had them",
		}, []string{"provider", "from", "to"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forexradar_backfill_batches_total",
			Help: "Batches dispatched by backfill runs",
		}, []string{"provider"}),
		EndOfHistory: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forexradar_backfill_end_of_history_total",
			Help: "Runs stopped by an end-of-history signal",
		}, []string{"provider", "from", "to"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forexradar_backfill_run_duration_seconds",
			Help:    "Wall-clock duration of backfill runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"provider", "status"}),
		LastRunSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forexradar_backfill_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per pair",
		}, []string{"provider", "from", "to"}),
		LiveRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "forexradar_live_requests_total",
			Help: "Live gap-fill fetches issued by the read path, by outcome",
		}, []string{"provider", "outcome"}),
	}
}

// ObserveRun records the end of a run.
func (m *Metrics) ObserveRun(provider, from, to string, started time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RunDuration.WithLabelValues(provider, status).Observe(time.Since(started).Seconds())
	if err == nil {
		m.LastRunSuccess.WithLabelValues(provider, from, to).SetToCurrentTime()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Push sends the registry to a Pushgateway under job, grouped by the given
// label pairs. Batch runs end before any scrape could see them.
func (m *Metrics) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	p := push.New(url, job).Gatherer(m.Registry)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	if err := p.PushContext(ctx); err != nil {
		return eris.Wrap(err, "metrics: push")
	}
	return nil
}
