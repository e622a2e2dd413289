// Package observability holds the Prometheus collectors shared by the ledger,
// sync pipeline and ops services.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mileage"

// Sync record outcomes.
const (
	RecordAdded     = "added"
	RecordDuplicate = "duplicate"
	RecordInvalid   = "invalid"
)

var (
	activityIngestedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "last_activity_ingested_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity committed to the ledger.",
	})

	correctionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "corrections_applied_total",
		Help:      "Corrections appended to the ledger, labeled by source.",
	}, []string{"source"})

	aggregateInconsistencies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregate_inconsistencies_total",
		Help:      "Consistency checks that found a cached aggregate diverging from the ledger.",
	})

	undoOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "undo_total",
		Help:      "Undo attempts grouped by outcome.",
	}, []string{"outcome"})

	syncAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "attempts_total",
		Help:      "Sync attempts grouped by provider and terminal status.",
	}, []string{"provider", "status"})

	syncRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "records_total",
		Help:      "Upstream records seen by the pipeline, grouped by provider and outcome.",
	}, []string{"provider", "outcome"})

	syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall time of a sync attempt including upstream latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"provider"})

	syncDelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "delayed_total",
		Help:      "Sync attempts tagged as delayed.",
	}, []string{"provider"})

	incidentsLogged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ops",
		Name:      "incidents_total",
		Help:      "Incidents appended to the feed, labeled by severity.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		activityIngestedGauge,
		correctionsApplied,
		aggregateInconsistencies,
		undoOutcomes,
		syncAttempts,
		syncRecords,
		syncDuration,
		syncDelayed,
		incidentsLogged,
	)
}

// RecordActivityIngested updates the ingest watermark gauge.
func RecordActivityIngested(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityIngestedGauge.Set(float64(ts.Unix()))
}

// RecordSyncRecords counts n records of a batch with the given outcome.
func RecordSyncRecords(provider, outcome string, n int) {
	if n <= 0 {
		return
	}
	syncRecords.WithLabelValues(provider, outcome).Add(float64(n))
}

// RecordSyncAttempt counts a finished sync attempt and observes its duration.
func RecordSyncAttempt(provider, status string, delayed bool, elapsed time.Duration) {
	syncAttempts.WithLabelValues(provider, status).Inc()
	syncDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if delayed {
		syncDelayed.WithLabelValues(provider).Inc()
	}
}

func RecordCorrection(source string) {
	correctionsApplied.WithLabelValues(source).Inc()
}

func RecordInconsistency() {
	aggregateInconsistencies.Inc()
}

// RecordUndo counts an undo attempt. outcome is one of undone, expired or not_found.
func RecordUndo(outcome string) {
	undoOutcomes.WithLabelValues(outcome).Inc()
}

func RecordIncident(incidentType string) {
	incidentsLogged.WithLabelValues(incidentType).Inc()
}
