package domain

import (
	"context"
	"time"
)

type IntentType string

const (
	IntentDepositReceived   IntentType = "deposit_received"
	IntentDepositDeclined   IntentType = "deposit_declined"
	IntentDepositApproved   IntentType = "deposit_approved"
	IntentDepositReturned   IntentType = "deposit_returned"
	IntentFundsAvailable    IntentType = "funds_available"
	IntentAdvanceApproved   IntentType = "advance_approved"
	IntentAdvanceDenied     IntentType = "advance_denied"
	IntentAdvanceDisbursed  IntentType = "advance_disbursed"
	IntentReturnAccepted    IntentType = "return_accepted"
	IntentReturnRejected    IntentType = "return_rejected"
	IntentRefundPosted      IntentType = "refund_posted"
	IntentReconcileFailed   IntentType = "reconcile_failed"
	IntentAwardStatusFlag   IntentType = "award_status_flag"
	IntentDuplicateRiskFlag IntentType = "duplicate_protection_degraded"
)

// Intent is a side effect the caller executes after the operation commits.
// Delivery and retries belong to the dispatcher.
type Intent struct {
	Recipient string         `json:"recipient"`
	Type      IntentType     `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AuditRecord is an immutable record of one state transition
type AuditRecord struct {
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Before     any       `json:"before,omitempty"`
	After      any       `json:"after,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AuditSink receives audit records; persistence and retention are external
type AuditSink interface {
	Record(ctx context.Context, record AuditRecord) error
}

// NopAuditSink discards audit records
type NopAuditSink struct{}

// Record does nothing
func (NopAuditSink) Record(ctx context.Context, record AuditRecord) error { return nil }
