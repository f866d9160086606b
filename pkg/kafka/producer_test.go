package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublish(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	t.Run("encodes payload and headers", func(t *testing.T) {
		w := &fakeWriter{}
		p := NewProducerWithWriter(w, "fern-events", logger)

		err := p.Publish(context.Background(),
			Event{Key: "matches/T1", Type: "best_match.selected", Payload: map[string]string{"candidate_id": "C1"}},
			Event{Key: "run-1", Type: "run.completed", Payload: map[string]int{"persisted": 4}},
		)
		require.NoError(t, err)
		require.Len(t, w.messages, 2)

		msg := w.messages[0]
		assert.Equal(t, "fern-events", msg.Topic)
		assert.Equal(t, "matches/T1", string(msg.Key))
		assert.Equal(t, "best_match.selected", header(msg, "event_type"))

		var payload map[string]string
		require.NoError(t, json.Unmarshal(msg.Value, &payload))
		assert.Equal(t, "C1", payload["candidate_id"])

		require.NoError(t, p.Close())
		assert.True(t, w.closed)
	})

	t.Run("empty batch", func(t *testing.T) {
		w := &fakeWriter{}
		require.NoError(t, NewProducerWithWriter(w, "t", logger).Publish(context.Background()))
		assert.Empty(t, w.messages)
	})

	t.Run("writer failure", func(t *testing.T) {
		w := &fakeWriter{err: errors.New("broker down")}
		err := NewProducerWithWriter(w, "t", logger).Publish(context.Background(), Event{Key: "k", Type: "x", Payload: 1})
		assert.EqualError(t, err, "broker down")
	})

	t.Run("unencodable payload", func(t *testing.T) {
		w := &fakeWriter{}
		err := NewProducerWithWriter(w, "t", logger).Publish(context.Background(), Event{Key: "k", Payload: make(chan int)})
		assert.Error(t, err)
		assert.Empty(t, w.messages)
	})
}

func TestCompressionCodec(t *testing.T) {
	assert.Equal(t, kafka.Gzip, compressionCodec("gzip"))
	assert.Equal(t, kafka.Snappy, compressionCodec(""))
	assert.Equal(t, kafka.Compression(0), compressionCodec("none"))
}
