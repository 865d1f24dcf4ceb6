package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/cartograph-io/cartograph/internal/storage"
)

func TestMirrorPublishesToKafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("cartograph-test"))
	if err != nil {
		t.Skipf("kafka container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	m := NewMirror(&MirrorConfig{Brokers: brokers, Topic: DefaultMirrorTopic}, testLogger())

	e := &storage.OutboxEvent{
		ID:        7,
		EventType: EventGraphIngest,
		RunID:     "run-1",
		Payload:   json.RawMessage(`{"relationship_ids":[1,2]}`),
	}
	m.Publish(ctx, e)

	// Close flushes the async writer before we read back.
	require.NoError(t, m.Close())

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     DefaultMirrorTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	t.Cleanup(func() {
		_ = r.Close()
	})

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	msg, err := r.ReadMessage(readCtx)
	require.NoError(t, err)

	assert.Equal(t, "run-1", string(msg.Key))

	var envelope mirrorEnvelope
	require.NoError(t, json.Unmarshal(msg.Value, &envelope))
	assert.Equal(t, int64(7), envelope.ID)
	assert.Equal(t, EventGraphIngest, envelope.EventType)
	assert.Equal(t, "run-1", envelope.RunID)
	assert.JSONEq(t, `{"relationship_ids":[1,2]}`, string(envelope.Payload))
	assert.False(t, envelope.PublishedAt.IsZero())
}
