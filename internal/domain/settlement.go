package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SettlementState string
type EventCode string
type EventOutcome string

const (
	SettlementCreated       SettlementState = "created"
	SettlementTransmitted   SettlementState = "transmitted"
	SettlementAccepted      SettlementState = "accepted"
	SettlementRejected      SettlementState = "rejected"
	SettlementRefundPending SettlementState = "refund_pending"
	SettlementRefundPosted  SettlementState = "refund_posted"
)

const (
	EventTransmitted   EventCode = "transmitted"
	EventAccepted      EventCode = "accepted"
	EventRejected      EventCode = "rejected"
	EventRefundPending EventCode = "refund_pending"
	EventRefundPosted  EventCode = "refund_posted"
)

const (
	OutcomeApplied  EventOutcome = "applied"
	OutcomeStale    EventOutcome = "stale"
	OutcomeRejected EventOutcome = "rejected"
	OutcomeFailed   EventOutcome = "failed"
)

// eventTargets maps an external event code to the state it moves a settlement to
var eventTargets = map[EventCode]SettlementState{
	EventTransmitted:   SettlementTransmitted,
	EventAccepted:      SettlementAccepted,
	EventRejected:      SettlementRejected,
	EventRefundPending: SettlementRefundPending,
	EventRefundPosted:  SettlementRefundPosted,
}

// forwardRank orders the main lifecycle; rejected is a side branch
var forwardRank = map[SettlementState]int{
	SettlementCreated:       0,
	SettlementTransmitted:   1,
	SettlementAccepted:      2,
	SettlementRefundPending: 3,
	SettlementRefundPosted:  4,
}

// Target returns the state an event code moves a settlement to
func (c EventCode) Target() (SettlementState, bool) {
	s, ok := eventTargets[c]
	return s, ok
}

// Terminal reports whether no further external event can move the settlement
func (s SettlementState) Terminal() bool {
	return s == SettlementRejected || s == SettlementRefundPosted
}

// CanTransition reports whether a settlement may move from one state to another.
// Intermediate states may be skipped because events can arrive out of order;
// rejection is only possible before acceptance.
func CanTransition(from, to SettlementState) bool {
	if from == to || from.Terminal() {
		return false
	}
	if to == SettlementRejected {
		return from == SettlementCreated || from == SettlementTransmitted
	}
	fromRank, ok := forwardRank[from]
	if !ok {
		return false
	}
	toRank, ok := forwardRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// SettlementRecord joins a return transmission with its bank-product outcome
type SettlementRecord struct {
	ID                 uuid.UUID        `json:"id"`
	ReturnRef          string           `json:"returnRef"`
	ClientRef          string           `json:"clientRef"`
	AccountID          uuid.UUID        `json:"accountId"`
	State              SettlementState  `json:"state"`
	ExpectedRefund     decimal.Decimal  `json:"expectedRefund"`
	RequestedAmount    decimal.Decimal  `json:"requestedAmount"`
	ApprovedAmount     decimal.Decimal  `json:"approvedAmount"`
	ProductFee         decimal.Decimal  `json:"productFee"`
	RefundAmount       *decimal.Decimal `json:"refundAmount,omitempty"`
	NetAmount          *decimal.Decimal `json:"netAmount,omitempty"`
	ExternalStatusCode *string          `json:"externalStatusCode,omitempty"`
	LastEventSequence  int64            `json:"lastEventSequence"`
	PreviousID         *uuid.UUID       `json:"previousId,omitempty"`
	Version            int64            `json:"version"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// SettlementEvent is the log row kept for every external event received
type SettlementEvent struct {
	ID           uuid.UUID        `json:"id"`
	SettlementID uuid.UUID        `json:"settlementId"`
	Sequence     int64            `json:"sequence"`
	Code         EventCode        `json:"code"`
	FromState    SettlementState  `json:"fromState"`
	ToState      SettlementState  `json:"toState"`
	Outcome      EventOutcome     `json:"outcome"`
	Reason       *string          `json:"reason,omitempty"`
	RefundAmount *decimal.Decimal `json:"refundAmount,omitempty"`
	SourceTime   time.Time        `json:"sourceTime"`
	ReceivedAt   time.Time        `json:"receivedAt"`
}

type SettlementRepository interface {
	Create(ctx context.Context, settlement *SettlementRecord) (*SettlementRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (*SettlementRecord, error)
	GetLatestByReturnRef(ctx context.Context, returnRef string) (*SettlementRecord, error)
	// Update writes the record only if the stored version equals settlement.Version,
	// returning the stored record with its version incremented.
	Update(ctx context.Context, settlement *SettlementRecord) (*SettlementRecord, error)
	RecordEvent(ctx context.Context, event *SettlementEvent) error
	ListEvents(ctx context.Context, settlementID uuid.UUID) ([]*SettlementEvent, error)
}
