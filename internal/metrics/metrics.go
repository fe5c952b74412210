// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convlink"

var (
	// EventsTotal counts inbound events by what the pipeline did with them.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Inbound platform events by outcome",
		},
		[]string{"platform", "type", "outcome"},
	)

	// ResponsesTotal counts persisted responses by delivery status.
	ResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "responses_total",
			Help:      "Responses persisted by the live pipeline",
		},
		[]string{"platform", "status"},
	)

	// CompletionDuration tracks AI provider latency.
	CompletionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "completion_duration_seconds",
			Help:      "AI completion latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// PlatformCallDuration tracks outbound chat platform calls.
	PlatformCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "platform_call_duration_seconds",
			Help:      "Chat platform send/update latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"platform", "call", "status"},
	)

	// ReactionsTotal counts reaction events by attacher outcome.
	ReactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactions",
			Name:      "applied_total",
			Help:      "Reaction events by outcome",
		},
		[]string{"platform", "outcome"},
	)

	// DedupeEntries is the number of fingerprints held by the dedup cache.
	DedupeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dedupe_entries",
			Help:      "Fingerprints currently tracked by the deduplicator",
		},
	)

	// BackfillRowsTotal counts legacy rows by what the reconciler made of them.
	BackfillRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backfill",
			Name:      "rows_total",
			Help:      "Legacy rows replayed by kind",
		},
		[]string{"kind"},
	)
)

// Outcomes for EventsTotal.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// Status label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RecordEvent counts one inbound event.
func RecordEvent(platform, eventType, outcome string) {
	EventsTotal.WithLabelValues(platform, eventType, outcome).Inc()
}

// RecordCompletion records one AI completion call.
func RecordCompletion(provider string, err error, durationSec float64) {
	CompletionDuration.WithLabelValues(provider, status(err)).Observe(durationSec)
}

// RecordPlatformCall records one outbound platform call.
func RecordPlatformCall(platform, call string, err error, durationSec float64) {
	PlatformCallDuration.WithLabelValues(platform, call, status(err)).Observe(durationSec)
}

// RecordResponse counts one persisted response.
func RecordResponse(platform, deliveryStatus string) {
	ResponsesTotal.WithLabelValues(platform, deliveryStatus).Inc()
}

// RecordReaction counts one reaction event.
func RecordReaction(platform, outcome string) {
	ReactionsTotal.WithLabelValues(platform, outcome).Inc()
}

// SetDedupeEntries publishes the dedup cache size.
func SetDedupeEntries(n int) {
	DedupeEntries.Set(float64(n))
}

// RecordBackfillRows adds n rows of kind to the backfill counter.
func RecordBackfillRows(kind string, n int) {
	if n > 0 {
		BackfillRowsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}
