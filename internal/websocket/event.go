package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rosstax/settlement-core/internal/domain"
)

// EntityType represents the kind of record an event is about
type EntityType string

const (
	EntityTypeDeposit    EntityType = "deposit"
	EntityTypeAdvance    EntityType = "advance"
	EntityTypeSettlement EntityType = "settlement"
	EntityTypeAccount    EntityType = "account"
)

// intentEntities maps each intent type to the entity it concerns
var intentEntities = map[domain.IntentType]EntityType{
	domain.IntentDepositReceived:   EntityTypeDeposit,
	domain.IntentDepositDeclined:   EntityTypeDeposit,
	domain.IntentDepositApproved:   EntityTypeDeposit,
	domain.IntentDepositReturned:   EntityTypeDeposit,
	domain.IntentFundsAvailable:    EntityTypeAccount,
	domain.IntentAdvanceApproved:   EntityTypeAdvance,
	domain.IntentAdvanceDenied:     EntityTypeAdvance,
	domain.IntentAdvanceDisbursed:  EntityTypeAdvance,
	domain.IntentReturnAccepted:    EntityTypeSettlement,
	domain.IntentReturnRejected:    EntityTypeSettlement,
	domain.IntentRefundPosted:      EntityTypeSettlement,
	domain.IntentReconcileFailed:   EntityTypeSettlement,
	domain.IntentAwardStatusFlag:   EntityTypeAccount,
	domain.IntentDuplicateRiskFlag: EntityTypeDeposit,
}

// Event represents a WebSocket event message sent to clients.
// Type combines entity and intent, e.g. "deposit.deposit_received".
type Event struct {
	Type      string     `json:"type"`
	Entity    EntityType `json:"entity"`
	Payload   any        `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewEvent creates a new event for an entity
func NewEvent(entityType EntityType, name string, payload any) Event {
	return Event{
		Type:      fmt.Sprintf("%s.%s", entityType, name),
		Entity:    entityType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// FromIntent converts a side-effect intent into a client event
func FromIntent(intent domain.Intent) Event {
	entity, ok := intentEntities[intent.Type]
	if !ok {
		entity = EntityTypeAccount
	}
	return NewEvent(entity, string(intent.Type), intent.Payload)
}

// ToJSON serializes the event to JSON bytes
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
