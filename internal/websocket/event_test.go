package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	payload := map[string]any{"id": "d-1", "amount": "100.00"}

	before := time.Now()
	evt := NewEvent(EntityTypeDeposit, "deposit_received", payload)
	after := time.Now()

	assert.Equal(t, "deposit.deposit_received", evt.Type)
	assert.Equal(t, EntityTypeDeposit, evt.Entity)
	assert.Equal(t, payload, evt.Payload)
	assert.True(t, !evt.Timestamp.Before(before) && !evt.Timestamp.After(after))
}

func TestFromIntent(t *testing.T) {
	tests := []struct {
		intent   domain.IntentType
		entity   EntityType
		wantType string
	}{
		{domain.IntentDepositDeclined, EntityTypeDeposit, "deposit.deposit_declined"},
		{domain.IntentAdvanceDisbursed, EntityTypeAdvance, "advance.advance_disbursed"},
		{domain.IntentRefundPosted, EntityTypeSettlement, "settlement.refund_posted"},
		{domain.IntentFundsAvailable, EntityTypeAccount, "account.funds_available"},
		{domain.IntentType("unmapped"), EntityTypeAccount, "account.unmapped"},
	}

	for _, tt := range tests {
		t.Run(string(tt.intent), func(t *testing.T) {
			evt := FromIntent(domain.Intent{Recipient: "client-a", Type: tt.intent})
			assert.Equal(t, tt.entity, evt.Entity)
			assert.Equal(t, tt.wantType, evt.Type)
		})
	}
}

func TestEvent_ToJSON(t *testing.T) {
	evt := FromIntent(domain.Intent{
		Recipient: "client-a",
		Type:      domain.IntentAdvanceApproved,
		Payload:   map[string]any{"advanceId": "a-1", "amount": "3000.00"},
	})

	data, err := evt.ToJSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "advance.advance_approved", decoded["type"])
	assert.Equal(t, "advance", decoded["entity"])
	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "3000.00", payload["amount"])
	assert.NotNil(t, decoded["timestamp"])
}
