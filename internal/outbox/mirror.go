package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/cartograph-io/cartograph/internal/config"
	"github.com/cartograph-io/cartograph/internal/storage"
)

// DefaultMirrorTopic is the Kafka topic published events are mirrored to.
const DefaultMirrorTopic = "cartograph.outbox"

// MirrorConfig holds the optional Kafka mirror settings. An empty broker
// list disables the mirror.
type MirrorConfig struct {
	Brokers []string
	Topic   string
}

// LoadMirrorConfig reads mirror settings from the environment.
func LoadMirrorConfig() *MirrorConfig {
	return &MirrorConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("CARTOGRAPH_KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("CARTOGRAPH_KAFKA_TOPIC", DefaultMirrorTopic),
	}
}

// Enabled reports whether any broker is configured.
func (c *MirrorConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Mirror copies published outbox events to Kafka for external consumers.
// It is strictly fire-and-forget: the pipeline's correctness never depends
// on a mirror write landing, so failures are logged and dropped.
type Mirror struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewMirror builds a mirror over an async Kafka writer keyed by run id, so
// one run's events stay ordered within a partition.
func NewMirror(cfg *MirrorConfig, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultMirrorTopic
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("outbox mirror write failed", "messages", len(messages), "error", err)
			}
		},
	}
	return &Mirror{writer: w, logger: logger}
}

// mirrorEnvelope is the wire shape of a mirrored event.
type mirrorEnvelope struct {
	ID          int64           `json:"id"`
	EventType   string          `json:"event_type"`
	RunID       string          `json:"run_id"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// Publish hands one event to the async writer. Write errors surface in the
// completion callback, not here.
func (m *Mirror) Publish(ctx context.Context, e *storage.OutboxEvent) {
	value, err := json.Marshal(mirrorEnvelope{
		ID:          e.ID,
		EventType:   e.EventType,
		RunID:       e.RunID,
		Payload:     e.Payload,
		PublishedAt: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn("outbox mirror envelope marshal failed", "event_id", e.ID, "error", err)
		return
	}

	msg := kafka.Message{Key: []byte(e.RunID), Value: value}
	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		m.logger.Warn("outbox mirror write rejected", "event_id", e.ID, "error", err)
	}
}

// Close flushes buffered messages and shuts the writer down.
func (m *Mirror) Close() error {
	return m.writer.Close()
}
