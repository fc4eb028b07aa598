// Package metrics holds the Prometheus collectors for search, storage, and ingestion.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kagami"

// Metrics groups all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Search metrics
	SearchTotal   *prometheus.CounterVec
	SearchLatency prometheus.Histogram
	Reloads       *prometheus.CounterVec

	// Store metrics
	IndexSize     prometheus.Gauge
	StoreAppended prometheus.Counter
	StoreDropped  prometheus.Counter
	StoreRebuilds prometheus.Counter

	// Ingestion metrics
	CycleTotal    *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	FileOutcomes  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers all collectors with reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SearchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_requests_total",
				Help:      "Total number of similarity searches",
			},
			[]string{"kind", "status"}, // kind: search/verify, status: ok/no_match/unavailable/error
		),
		SearchLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_latency_seconds",
				Help:      "Latency of similarity searches in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Reloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_reloads_total",
				Help:      "Snapshot reloads by result",
			},
			[]string{"result"}, // ok/torn/missing/error
		),
		IndexSize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_entries",
				Help:      "Number of vectors in the currently served snapshot",
			},
		),
		StoreAppended: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_appended_total",
				Help:      "Vectors written to the feature store",
			},
		),
		StoreDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_deduplicated_total",
				Help:      "Vectors dropped as duplicates before writing",
			},
		),
		StoreRebuilds: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_dimension_rebuilds_total",
				Help:      "Times the store was rebuilt because a batch had a different dimension",
			},
		),
		CycleTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_cycles_total",
				Help:      "Ingestion cycles by result",
			},
			[]string{"result"}, // ok/error/panic
		),
		CycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_cycle_duration_seconds",
				Help:      "Duration of ingestion cycles in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
		),
		FileOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_files_total",
				Help:      "Files processed by ingestion, by outcome",
			},
			[]string{"outcome"},
		),
		gatherer: g,
	}
}

// Handler serves the registered collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSearch(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchTotal.WithLabelValues(kind, status).Inc()
	m.SearchLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveReload(result string, size int) {
	if m == nil {
		return
	}
	m.Reloads.WithLabelValues(result).Inc()
	if result == "ok" {
		m.IndexSize.Set(float64(size))
	}
}

func (m *Metrics) ObserveAppend(appended, dropped int, rebuilt bool) {
	if m == nil {
		return
	}
	m.StoreAppended.Add(float64(appended))
	m.StoreDropped.Add(float64(dropped))
	if rebuilt {
		m.StoreRebuilds.Inc()
	}
}

func (m *Metrics) ObserveCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CycleTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveFile(outcome string) {
	if m == nil {
		return
	}
	m.FileOutcomes.WithLabelValues(outcome).Inc()
}
