// Package consumer reads ledger events from Kafka and dispatches them to handlers.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/mileage/internal/outbox"
)

// Reader is the subset of kafka.Reader the processor needs.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a decoded record produced by the outbox dispatcher.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Key       string
	EventType string
	SchemaID  int
	Payload   json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// Processor pulls messages, decodes them and hands them to a Handler. A
// message is committed only after its handler succeeds; undecodable messages
// are committed straight away.
type Processor struct {
	reader  Reader
	handler Handler
	logger  *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Warn("fetch failed", zap.Error(err))
			continue
		}
		p.process(ctx, msg)
	}
}

// process handles one fetched message. Commit failures are logged; the
// message is redelivered and the handler must tolerate that.
func (p *Processor) process(ctx context.Context, msg kafka.Message) {
	log := p.logger.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	event, err := decodeMessage(msg)
	if err != nil {
		log.Warn("dropping undecodable message", zap.Error(err))
		recordOutcome(msg.Topic, "", outcomeDecodeError)
		p.commit(ctx, log, msg)
		return
	}

	start := time.Now()
	err = p.handler.Handle(ctx, event)
	recordHandled(event, time.Since(start), time.Now())
	if err != nil {
		log.Error("handler failed", zap.String("event_type", event.EventType), zap.String("key", event.Key), zap.Error(err))
		recordOutcome(event.Topic, event.EventType, outcomeHandlerError)
		return
	}
	if p.commit(ctx, log, msg) {
		recordOutcome(event.Topic, event.EventType, outcomeProcessed)
	}
}

func (p *Processor) commit(ctx context.Context, log *zap.Logger, msg kafka.Message) bool {
	if err := p.reader.CommitMessages(ctx, msg); err != nil {
		log.Error("commit failed", zap.Error(err))
		return false
	}
	return true
}

func decodeMessage(msg kafka.Message) (Message, error) {
	eventType, ok := headerValue(msg, "event_type")
	if !ok {
		return Message{}, errors.New("missing event_type header")
	}
	schemaID, payload, err := outbox.DecodeWireFormat(msg.Value)
	if err != nil {
		return Message{}, fmt.Errorf("payload length %d: %w", len(msg.Value), err)
	}

	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Key:       string(msg.Key),
		EventType: string(eventType),
		SchemaID:  schemaID,
		Payload:   append(json.RawMessage(nil), payload...),
	}, nil
}

func headerValue(msg kafka.Message, key string) ([]byte, bool) {
	for _, header := range msg.Headers {
		if header.Key == key {
			return header.Value, true
		}
	}
	return nil, false
}
