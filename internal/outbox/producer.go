package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var errProducerClosed = errors.New("kafka producer closed")

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*KafkaProducer)

// WithBatchTimeout bounds how long a writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(p *KafkaProducer) {
		if d > 0 {
			p.batchTimeout = d
		}
	}
}

// WithProducerLogger overrides the producer logger.
func WithProducerLogger(logger *zap.Logger) ProducerOption {
	return func(p *KafkaProducer) {
		p.logger = logger
	}
}

// KafkaProducer publishes to ledger topics through one lazily created writer
// per topic. Keys are hash balanced, so every event for a user lands on the
// same partition in commit order.
type KafkaProducer struct {
	brokers      []string
	batchTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	closed  bool
}

// NewKafkaProducer creates a KafkaProducer for brokers.
func NewKafkaProducer(brokers []string, opts ...ProducerOption) *KafkaProducer {
	p := &KafkaProducer{
		brokers:      append([]string(nil), brokers...),
		batchTimeout: 50 * time.Millisecond,
		logger:       zap.NewNop(),
		writers:      make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteMessages publishes msgs to topic synchronously with acks from every
// in-sync replica.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	writer, err := p.writer(topic)
	if err != nil {
		return err
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d messages to %s: %w", len(msgs), topic, err)
	}
	return nil
}

func (p *KafkaProducer) writer(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errProducerClosed
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: p.batchTimeout,
	}
	p.writers[topic] = w
	p.logger.Debug("kafka writer created", zap.String("topic", topic), zap.Strings("brokers", p.brokers))
	return w, nil
}

// Close flushes and releases every writer. Later writes fail.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	p.writers = map[string]*kafka.Writer{}
	return errors.Join(errs...)
}
