// Package metrics holds the Prometheus collectors for sync runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of sync collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Runs               *prometheus.CounterVec
	SourcesProcessed   prometheus.Counter
	SourcesFailed      prometheus.Counter
	ItemsSkipped       prometheus.Counter
	ItemsEnriched      prometheus.Counter
	EnrichmentFailures prometheus.Counter
	Persisted          *prometheus.CounterVec
	EnrichDuration     prometheus.Histogram
	RunDuration        prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_runs_total",
			Help: "Sync runs by final status",
		}, []string{"status"}),
		SourcesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_sources_processed_total",
			Help: "Feeds retrieved successfully",
		}),
		SourcesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_sources_failed_total",
			Help: "Feeds that failed to retrieve or persist",
		}),
		ItemsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_items_skipped_total",
			Help: "Items already enriched and left untouched",
		}),
		ItemsEnriched: f.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_items_enriched_total",
			Help: "Items enriched successfully",
		}),
		EnrichmentFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_enrichment_failures_total",
			Help: "Enrichment calls that failed or returned unusable output",
		}),
		Persisted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_records_persisted_total",
			Help: "Records written by outcome",
		}, []string{"outcome"}),
		EnrichDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_enrichment_duration_seconds",
			Help:    "Latency of enrichment calls",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedsync_run_duration_seconds",
			Help:    "Wall time of a sync run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (m *Metrics) RunFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(seconds)
}

func (m *Metrics) SourceProcessed() {
	if m != nil {
		m.SourcesProcessed.Inc()
	}
}

func (m *Metrics) SourceFailed() {
	if m != nil {
		m.SourcesFailed.Inc()
	}
}

func (m *Metrics) ItemSkipped() {
	if m != nil {
		m.ItemsSkipped.Inc()
	}
}

// Enriched records one enrichment call and its latency.
func (m *Metrics) Enriched(ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.EnrichDuration.Observe(seconds)
	if ok {
		m.ItemsEnriched.Inc()
	} else {
		m.EnrichmentFailures.Inc()
	}
}

func (m *Metrics) RecordPersisted(outcome string) {
	if m != nil {
		m.Persisted.WithLabelValues(outcome).Inc()
	}
}
