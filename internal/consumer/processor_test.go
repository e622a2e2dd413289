package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func framed(schemaID byte, payload string) []byte {
	return append([]byte{0, 0, 0, 0, schemaID}, payload...)
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	msg := kafka.Message{
		Topic:     "ledger_events",
		Partition: 0,
		Offset:    10,
		Key:       []byte("U"),
		Time:      time.Now().UTC(),
		Value:     framed(42, `{"activity_id":"a1","user_id":"U"}`),
		Headers:   []kafka.Header{{Key: "event_type", Value: []byte("ledger.activity_ingested")}},
	}
	reader := &stubReader{messages: []kafka.Message{msg}}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "ledger.activity_ingested", handler.last.EventType)
	require.Equal(t, "U", handler.last.Key)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, `{"activity_id":"a1","user_id":"U"}`, string(handler.last.Payload))
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	msg := kafka.Message{
		Topic:   "ledger_events",
		Offset:  20,
		Value:   framed(9, `{"user_id":"U"}`),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte("ledger.correction_applied")}},
	}
	reader := &stubReader{messages: []kafka.Message{msg}}
	handler := &stubHandler{err: errors.New("boom")}

	err := NewProcessor(reader, handler, WithLogger(zaptest.NewLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, handler.calls)
	require.Zero(t, reader.commitCalls)
}

func TestProcessorCommitsUndecodableMessages(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		{Topic: "ledger_events", Value: framed(1, `{}`)},
		{Topic: "ledger_events", Value: []byte{1, 2}, Headers: []kafka.Header{{Key: "event_type", Value: []byte("x")}}},
	}}
	handler := &stubHandler{}
	dropped := messagesCounter.WithLabelValues("ledger_events", "", outcomeDecodeError)
	before := testutil.ToFloat64(dropped)

	err := NewProcessor(reader, handler).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
	require.InDelta(t, before+2, testutil.ToFloat64(dropped), 0.0001)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.commitCalls += len(msgs)
	return nil
}

func (r *stubReader) Close() error { return nil }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}
