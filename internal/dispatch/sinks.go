package dispatch

import (
	"context"
	"errors"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/websocket"
	"github.com/rs/zerolog"
)

// WebsocketSink pushes intents to the recipient's open connections
type WebsocketSink struct {
	publisher websocket.EventPublisher
}

// NewWebsocketSink creates a new WebsocketSink
func NewWebsocketSink(publisher websocket.EventPublisher) *WebsocketSink {
	return &WebsocketSink{publisher: publisher}
}

func (s *WebsocketSink) Name() string { return "websocket" }

// Deliver implements Sink. A recipient without open connections is not an
// error; the durable channel is the notification service.
func (s *WebsocketSink) Deliver(ctx context.Context, intent domain.Intent) error {
	if intent.Recipient == "" {
		return nil
	}
	s.publisher.Publish(intent.Recipient, websocket.FromIntent(intent))
	return nil
}

// LogAuditSink writes audit records to the structured log
type LogAuditSink struct {
	logger zerolog.Logger
}

// NewLogAuditSink creates a new LogAuditSink
func NewLogAuditSink(logger zerolog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Record implements domain.AuditSink
func (s *LogAuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	evt := s.logger.Info().
		Str("action", record.Action).
		Str("entity_type", record.EntityType).
		Str("entity_id", record.EntityID).
		Time("at", record.Timestamp).
		Interface("before", record.Before).
		Interface("after", record.After)
	if record.Reason != "" {
		evt = evt.Str("reason", record.Reason)
	}
	evt.Msg("Audit")
	return nil
}

// MultiAuditSink records to every sink and joins their errors
type MultiAuditSink []domain.AuditSink

// Record implements domain.AuditSink
func (m MultiAuditSink) Record(ctx context.Context, record domain.AuditRecord) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
