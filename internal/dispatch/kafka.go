package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the sinks use
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a synchronous writer for one topic
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

type intentMessage struct {
	Recipient string            `json:"recipient"`
	Type      domain.IntentType `json:"type"`
	Payload   map[string]any    `json:"payload,omitempty"`
	EmittedAt time.Time         `json:"emittedAt"`
}

// KafkaIntentSink publishes intents for the notification service.
// Messages are keyed by recipient so each client's intents stay ordered.
type KafkaIntentSink struct {
	writer MessageWriter
}

// NewKafkaIntentSink creates a new KafkaIntentSink
func NewKafkaIntentSink(writer MessageWriter) *KafkaIntentSink {
	return &KafkaIntentSink{writer: writer}
}

func (s *KafkaIntentSink) Name() string { return "kafka" }

// Deliver implements Sink
func (s *KafkaIntentSink) Deliver(ctx context.Context, intent domain.Intent) error {
	data, err := json.Marshal(intentMessage{
		Recipient: intent.Recipient,
		Type:      intent.Type,
		Payload:   intent.Payload,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}

	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(intent.Recipient),
		Value: data,
		Headers: []kafka.Header{
			{Key: "intent-type", Value: []byte(intent.Type)},
		},
	})
}

// KafkaAuditSink publishes audit records for the audit store
type KafkaAuditSink struct {
	writer MessageWriter
}

// NewKafkaAuditSink creates a new KafkaAuditSink
func NewKafkaAuditSink(writer MessageWriter) *KafkaAuditSink {
	return &KafkaAuditSink{writer: writer}
}

// Record implements domain.AuditSink
func (s *KafkaAuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.EntityID),
		Value: data,
		Time:  record.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(record.Action)},
			{Key: "entity-type", Value: []byte(record.EntityType)},
		},
	})
}
