// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scoring service.
type Metrics struct {
	// Pipeline metrics
	MessagesConsumed   prometheus.Counter
	OutcomesPublished  *prometheus.CounterVec
	Failures           *prometheus.CounterVec
	Redeliveries       prometheus.Counter
	DeadLetters        prometheus.Counter
	InflightMessages   prometheus.Gauge
	ProcessingDuration prometheus.Histogram

	// Publish metrics
	PublishRetries       prometheus.Counter
	DuplicatesSuppressed prometheus.Counter

	// Scoring metrics
	ScoreDistribution prometheus.Histogram

	// Audit metrics
	AuditRecordsWritten prometheus.Counter
	AuditRecordsDropped prometheus.Counter

	// Health metrics
	LastOutcomeTimestamp prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "walletrank"
	}

	return &Metrics{
		// Pipeline metrics
		MessagesConsumed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_consumed_total",
			Help:      "Total number of wallet activity messages fetched from the input stream",
		}),
		OutcomesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "outcomes_published_total",
			Help:      "Total number of outcomes published by status",
		}, []string{"status"}),
		Failures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Total number of failure outcomes by reason",
		}, []string{"reason"}),
		Redeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "redeliveries_total",
			Help:      "Total number of messages seen more than once",
		}),
		DeadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dead_letters_total",
			Help:      "Total number of messages returned to the stream after exhausted publish attempts",
		}),
		InflightMessages: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "inflight_messages",
			Help:      "Current number of messages being processed",
		}),
		ProcessingDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "processing_duration_seconds",
			Help:      "End-to-end processing latency from fetch to acknowledgement in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Publish metrics
		PublishRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "retries_total",
			Help:      "Total number of outcome publish retries",
		}),
		DuplicatesSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "duplicates_suppressed_total",
			Help:      "Total number of outcome publishes suppressed as duplicates",
		}),

		// Scoring metrics
		ScoreDistribution: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "score",
			Help:      "Distribution of computed reputation scores",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),

		// Audit metrics
		AuditRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "records_written_total",
			Help:      "Total number of outcome records written to the audit store",
		}),
		AuditRecordsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "records_dropped_total",
			Help:      "Total number of outcome records dropped because the audit queue was full",
		}),

		// Health metrics
		LastOutcomeTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_outcome_timestamp",
			Help:      "Unix timestamp of the last published outcome",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordConsumed increments the consumed messages counter.
func RecordConsumed() {
	DefaultMetrics.MessagesConsumed.Inc()
}

// RecordOutcome records a published outcome and its processing latency.
func RecordOutcome(status string, seconds float64) {
	DefaultMetrics.OutcomesPublished.WithLabelValues(status).Inc()
	DefaultMetrics.ProcessingDuration.Observe(seconds)
	DefaultMetrics.LastOutcomeTimestamp.SetToCurrentTime()
}

// RecordFailure records a failure outcome by reason.
func RecordFailure(reason string) {
	DefaultMetrics.Failures.WithLabelValues(reason).Inc()
}

// RecordScore records a computed score in the distribution histogram.
func RecordScore(value float64) {
	DefaultMetrics.ScoreDistribution.Observe(value)
}

// RecordPublishRetry increments the publish retries counter.
func RecordPublishRetry() {
	DefaultMetrics.PublishRetries.Inc()
}

// RecordDuplicateSuppressed increments the suppressed duplicates counter.
func RecordDuplicateSuppressed() {
	DefaultMetrics.DuplicatesSuppressed.Inc()
}

// RecordRedelivery increments the redeliveries counter.
func RecordRedelivery() {
	DefaultMetrics.Redeliveries.Inc()
}

// RecordDeadLetter increments the dead letters counter.
func RecordDeadLetter() {
	DefaultMetrics.DeadLetters.Inc()
}

// RecordAuditWrite increments the audit records written counter.
func RecordAuditWrite() {
	DefaultMetrics.AuditRecordsWritten.Inc()
}

// RecordAuditDrop increments the audit records dropped counter.
func RecordAuditDrop() {
	DefaultMetrics.AuditRecordsDropped.Inc()
}
