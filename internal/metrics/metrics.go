// Package metrics exposes sync counters for scraping while `mailsync watch`
// runs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailsync"

// Metrics groups the collectors recorded by the sync core.
type Metrics struct {
	registry *prometheus.Registry

	RefreshCycles   *prometheus.CounterVec
	RefreshSkipped  prometheus.Counter
	RefreshDuration prometheus.Histogram
	Reconciled      *prometheus.CounterVec
	Pushed          *prometheus.CounterVec
	Purged          prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RefreshCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_cycles_total",
				Help:      "Completed refresh cycles by result.",
			},
			[]string{"result"},
		),
		RefreshSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_skipped_total",
			Help:      "Refresh triggers dropped because a cycle was running.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		Reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciled_records_total",
				Help:      "Records processed by reconciliation, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		Pushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushed_records_total",
				Help:      "Local mutations pushed to the server, by kind and result.",
			},
			[]string{"kind", "result"},
		),
		Purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_mail_total",
			Help:      "Soft-deleted mail removed after the retention window.",
		}),
	}
	m.registry.MustRegister(
		m.RefreshCycles, m.RefreshSkipped, m.RefreshDuration,
		m.Reconciled, m.Pushed, m.Purged,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveCycle(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshCycles.WithLabelValues(result(ok)).Inc()
	m.RefreshDuration.Observe(d.Seconds())
}

func (m *Metrics) IncSkipped() {
	if m == nil {
		return
	}
	m.RefreshSkipped.Inc()
}

func (m *Metrics) ObserveReconcile(kind string, inserted, updated, kept, skipped int) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(kind, "inserted").Add(float64(inserted))
	m.Reconciled.WithLabelValues(kind, "updated").Add(float64(updated))
	m.Reconciled.WithLabelValues(kind, "kept").Add(float64(kept))
	m.Reconciled.WithLabelValues(kind, "skipped").Add(float64(skipped))
}

func (m *Metrics) ObservePush(kind string, ok bool) {
	if m == nil {
		return
	}
	m.Pushed.WithLabelValues(kind, result(ok)).Inc()
}

func (m *Metrics) ObservePurge(n int) {
	if m == nil {
		return
	}
	m.Purged.Add(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
