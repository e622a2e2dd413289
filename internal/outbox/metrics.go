package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultDelivered = "delivered"
	resultDLQ       = "dlq"

	transitionRequeued    = "requeued"
	transitionQuarantined = "quarantined"
	transitionRetry       = "retry_scheduled"
)

var (
	publishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mileage",
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Outbox events handled by the dispatcher, by event type and result.",
	}, []string{"event_type", "result"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mileage",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent delivering and marking one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mileage",
		Subsystem: "dlq",
		Name:      "transitions_total",
		Help:      "Dead-letter entries moved by the manager, by event type and transition.",
	}, []string{"event_type", "transition"})

	dlqBacklogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mileage",
		Subsystem: "dlq",
		Name:      "queued_messages",
		Help:      "Entries waiting in the DLQ, excluding quarantined ones.",
	})
)

func init() {
	prometheus.MustRegister(publishCounter, batchDuration, dlqTransitions, dlqBacklogGauge)
}

func recordBatch(messages []Message, result string) {
	for _, msg := range messages {
		publishCounter.WithLabelValues(msg.EventType, result).Inc()
	}
}

func recordTransition(entry dlqEntry, transition string) {
	dlqTransitions.WithLabelValues(entry.EventType, transition).Inc()
}

func refreshBacklog(ctx context.Context, pool *pgxpool.Pool) error {
	var queued int
	err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`).Scan(&queued)
	if err != nil {
		return err
	}
	dlqBacklogGauge.Set(float64(queued))
	return nil
}
