package service

import (
	"context"
	"time"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rs/zerolog/log"
)

// recordAudit hands a record to the sink. The sink is external, so a failure
// is logged and never undoes the committed operation.
func recordAudit(ctx context.Context, sink domain.AuditSink, rec domain.AuditRecord) {
	if sink == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := sink.Record(ctx, rec); err != nil {
		log.Error().
			Err(err).
			Str("action", rec.Action).
			Str("entity_id", rec.EntityID).
			Msg("Failed to record audit entry")
	}
}

func utcNow() time.Time {
	return time.Now().UTC()
}
