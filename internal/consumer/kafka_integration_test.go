//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"example.com/mileage/internal/domain"
	"example.com/mileage/internal/events"
	"example.com/mileage/internal/ledger"
	"example.com/mileage/internal/outbox"
	"example.com/mileage/internal/persistence/memory"
)

func TestKafkaLedgerEventRepairsDrift(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkaContainer.Run(ctx, "confluentinc/confluent-local:7.5.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	topic := "ledger_events"

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1}))

	now := time.Now().UTC()
	store := memory.NewStore()
	svc := ledger.NewService(store)
	require.NoError(t, store.WithinTx(ctx, func(tx domain.Tx) error {
		if _, err := ledger.Ingest(ctx, tx, domain.Activity{
			ID: "act-k", UserID: "U", Provider: "strava", ExternalID: "k1",
			BaseMiles: decimal.RequireFromString("6.2"), StartedAt: now, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.AdjustAggregate(ctx, "U", decimal.RequireFromString("2"), now)
	}))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     "mileage-consistency-it",
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	consumerCtx, stop := context.WithCancel(ctx)
	defer stop()
	proc := NewProcessor(reader, NewConsistencyHandler(svc, WithRetry(10*time.Millisecond, time.Second)))
	go func() {
		_ = proc.Run(consumerCtx)
	}()

	producer := outbox.NewKafkaProducer(brokers, outbox.WithBatchTimeout(10*time.Millisecond))
	defer producer.Close()

	payload, err := json.Marshal(events.ActivityIngested{
		ActivityID: "act-k", UserID: "U", Provider: "strava", ExternalID: "k1", BaseMiles: "6.2", StartedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, producer.WriteMessages(ctx, topic, kafka.Message{
		Key:     []byte("U"),
		Value:   outbox.EncodeWireFormat(1, payload),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(events.TypeActivityIngested)}},
	}))

	require.Eventually(t, func() bool {
		agg, err := store.GetAggregate(ctx, "U")
		return err == nil && agg.TotalMiles.Equal(decimal.RequireFromString("6.2"))
	}, 60*time.Second, 500*time.Millisecond)
}
