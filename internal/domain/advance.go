package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AdvanceStatus string

const (
	AdvanceRequested AdvanceStatus = "requested"
	AdvanceApproved  AdvanceStatus = "approved"
	AdvanceDenied    AdvanceStatus = "denied"
	AdvanceDisbursed AdvanceStatus = "disbursed"
	AdvanceRepaid    AdvanceStatus = "repaid"
	AdvanceDefaulted AdvanceStatus = "defaulted"
)

// Open reports whether the advance still blocks a new request on its settlement
func (s AdvanceStatus) Open() bool {
	return s == AdvanceRequested || s == AdvanceApproved || s == AdvanceDisbursed
}

// Advance is a short-term refund advance originated against a settlement
type Advance struct {
	ID               uuid.UUID       `json:"id"`
	SettlementID     uuid.UUID       `json:"settlementId"`
	ReturnRef        string          `json:"returnRef"`
	ClientRef        string          `json:"clientRef"`
	AccountID        uuid.UUID       `json:"accountId"`
	RequestedAmount  decimal.Decimal `json:"requestedAmount"`
	ApprovedAmount   decimal.Decimal `json:"approvedAmount"`
	Status           AdvanceStatus   `json:"status"`
	DecisionReason   *string         `json:"decisionReason,omitempty"`
	TransferID       *string         `json:"transferId,omitempty"`
	DisbursementTxID *uuid.UUID      `json:"disbursementTxId,omitempty"`
	DisbursedAt      *time.Time      `json:"disbursedAt,omitempty"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type AdvanceRepository interface {
	Create(ctx context.Context, advance *Advance) (*Advance, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Advance, error)
	// GetOpenByReturnRef finds the requested, approved or disbursed advance on a return
	GetOpenByReturnRef(ctx context.Context, returnRef string) (*Advance, error)
	FindByReturnRef(ctx context.Context, returnRef string, status AdvanceStatus) (*Advance, error)
	// Update writes the advance only if its stored status is still from
	Update(ctx context.Context, advance *Advance, from AdvanceStatus) (*Advance, error)
}
