package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Message outcomes.
const (
	outcomeProcessed    = "processed"
	outcomeHandlerError = "handler_error"
	outcomeDecodeError  = "decode_error"
)

var (
	messagesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mileage",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Ledger event messages by outcome. Undecodable messages carry an empty event_type.",
	}, []string{"topic", "event_type", "outcome"})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mileage",
		Subsystem: "consumer",
		Name:      "handle_duration_seconds",
		Help:      "Time spent in the handler per message, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"event_type"})

	consumerLagGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mileage",
		Subsystem: "consumer",
		Name:      "lag_seconds",
		Help:      "Age of the last committed message when it was handled.",
	}, []string{"topic"})

	verifyRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mileage",
		Subsystem: "consumer",
		Name:      "consistency_retries_total",
		Help:      "Consistency checks retried after a transient failure.",
	})
)

func init() {
	prometheus.MustRegister(messagesCounter, handleDuration, consumerLagGauge, verifyRetryCounter)
}

func recordOutcome(topic, eventType, outcome string) {
	messagesCounter.WithLabelValues(topic, eventType, outcome).Inc()
}

func recordHandled(msg Message, took time.Duration, now time.Time) {
	handleDuration.WithLabelValues(msg.EventType).Observe(took.Seconds())
	if !msg.Timestamp.IsZero() {
		consumerLagGauge.WithLabelValues(msg.Topic).Set(now.Sub(msg.Timestamp).Seconds())
	}
}
