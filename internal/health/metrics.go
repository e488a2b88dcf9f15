// Package health computes the tri-state service health from
// per-dependency states and owns the Prometheus registry served on the
// scrape endpoint. The Metrics handle is passed explicitly through
// component constructors — there is no process-wide collector.
package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"
)

// Metrics bundles every instrument the components record into.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived  prometheus.Counter
	EventsProcessed prometheus.Counter
	EventsDropped   *prometheus.CounterVec // reason: overflow|rate_limited|duplicate
	EventsFiltered  prometheus.Counter
	PipelineDepth   prometheus.Gauge

	BatchSize        prometheus.Histogram
	BatchWriteTime   prometheus.Histogram
	BatchAgeAtFlush  prometheus.Histogram
	CompressionRatio prometheus.Gauge
	WriterRetries    prometheus.Counter
	BreakerState     prometheus.Gauge // 0 closed, 1 half-open, 2 open

	FilterCacheHits     *prometheus.CounterVec // filter name
	FilterCacheMisses   *prometheus.CounterVec
	EnricherCacheHits   prometheus.Counter
	EnricherCacheMisses prometheus.Counter

	AlertsTriggered   *prometheus.CounterVec // severity
	NotificationsSent *prometheus.CounterVec // sink, outcome
}

// NewMetrics builds the full instrument set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_events_received_total",
			Help: "Events received from the upstream hub or broker.",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_events_processed_total",
			Help: "Events fully processed by the pipeline.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_events_dropped_total",
			Help: "Events dropped before processing, by reason.",
		}, []string{"reason"}),
		EventsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_events_filtered_total",
			Help: "Events rejected by the filter chain.",
		}),
		PipelineDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_pipeline_queue_depth",
			Help: "Events waiting in the pipeline work queue.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_batch_size",
			Help:    "Points per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		BatchWriteTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_batch_write_seconds",
			Help:    "Wall time of a batch write, including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		BatchAgeAtFlush: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestor_batch_age_seconds",
			Help:    "Age of the oldest pending point at flush.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_compression_ratio",
			Help: "Compressed size / raw size of the last batch body.",
		}),
		WriterRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_writer_retries_total",
			Help: "Write attempts beyond the first, per batch.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_circuit_breaker_state",
			Help: "Writer circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		FilterCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_filter_cache_hits_total",
			Help: "Filter result-cache hits, per filter.",
		}, []string{"filter"}),
		FilterCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_filter_cache_misses_total",
			Help: "Filter result-cache misses, per filter.",
		}, []string{"filter"}),
		EnricherCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_enricher_cache_hits_total",
			Help: "Enrichment cache hits.",
		}),
		EnricherCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_enricher_cache_misses_total",
			Help: "Enrichment cache misses.",
		}),
		AlertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_alerts_triggered_total",
			Help: "Alerts raised, by severity.",
		}, []string{"severity"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_notifications_total",
			Help: "Notification attempts, by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}

	reg.MustRegister(
		m.EventsReceived, m.EventsProcessed, m.EventsDropped, m.EventsFiltered,
		m.PipelineDepth, m.BatchSize, m.BatchWriteTime, m.BatchAgeAtFlush,
		m.CompressionRatio, m.WriterRetries, m.BreakerState,
		m.FilterCacheHits, m.FilterCacheMisses,
		m.EnricherCacheHits, m.EnricherCacheMisses,
		m.AlertsTriggered, m.NotificationsSent,
	)
	return m
}

// Handler serves the registry in Prometheus text exposition format;
// the HTTP layer mounts it verbatim on /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
