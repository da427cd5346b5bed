package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountTier string
type AccountStatus string
type TransactionKind string
type TransactionStatus string

const (
	TierBasic    AccountTier = "basic"
	TierPremium  AccountTier = "premium"
	TierBusiness AccountTier = "business"
)

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

const (
	TxKindDebit    TransactionKind = "debit"
	TxKindCredit   TransactionKind = "credit"
	TxKindReversal TransactionKind = "reversal"
)

const (
	TxStatusPending  TransactionStatus = "pending"
	TxStatusPosted   TransactionStatus = "posted"
	TxStatusReversed TransactionStatus = "reversed"
	TxStatusFailed   TransactionStatus = "failed"
)

// MinorUnitPlaces is the number of decimal places money amounts carry
const MinorUnitPlaces = 2

// Valid reports whether the tier is one of the known account classes
func (t AccountTier) Valid() bool {
	switch t {
	case TierBasic, TierPremium, TierBusiness:
		return true
	}
	return false
}

// LedgerAccount is a client's internal stored-value account.
// AvailableBalance is Balance minus active holds and pending debit reservations.
type LedgerAccount struct {
	ID               uuid.UUID       `json:"id"`
	OwnerRef         string          `json:"ownerRef"`
	Tier             AccountTier     `json:"tier"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	Status           AccountStatus   `json:"status"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`
}

// LedgerTransaction is a single ledger movement. Amount is always positive;
// the direction is carried by Kind.
type LedgerTransaction struct {
	ID             uuid.UUID         `json:"id"`
	AccountID      uuid.UUID         `json:"accountId"`
	Kind           TransactionKind   `json:"kind"`
	Amount         decimal.Decimal   `json:"amount"`
	Status         TransactionStatus `json:"status"`
	IdempotencyKey string            `json:"idempotencyKey"`
	ReversalOf     *uuid.UUID        `json:"reversalOf,omitempty"`
	Description    string            `json:"description,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	PostedAt       *time.Time        `json:"postedAt,omitempty"`
}

// HoldRecord restricts a transaction's funds from counting as available
// until ReleaseAt.
type HoldRecord struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	AccountID     uuid.UUID       `json:"accountId"`
	Amount        decimal.Decimal `json:"amount"`
	ReleaseAt     time.Time       `json:"releaseAt"`
	Released      bool            `json:"released"`
	ReleasedAt    *time.Time      `json:"releasedAt,omitempty"`
	// Voided holds were cancelled with their transaction and never
	// added to availability
	Voided bool `json:"voided"`
}

// Active reports whether the hold still withholds availability
func (h *HoldRecord) Active() bool {
	return h != nil && !h.Released && !h.Voided
}

// LedgerMutation is the unit of work persisted by LedgerRepository.ApplyMutation.
// The account row is written only when its stored version equals ExpectedVersion.
type LedgerMutation struct {
	AccountID          uuid.UUID
	ExpectedVersion    int64
	Balance            decimal.Decimal
	AvailableBalance   decimal.Decimal
	InsertTransactions []*LedgerTransaction
	UpdateTransactions []*LedgerTransaction
	InsertHold         *HoldRecord
	UpdateHold         *HoldRecord
	UpdatedAt          time.Time
}

type LedgerRepository interface {
	CreateAccount(ctx context.Context, account *LedgerAccount) (*LedgerAccount, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*LedgerAccount, error)
	UpdateAccountStatus(ctx context.Context, id uuid.UUID, status AccountStatus, expectedVersion int64, at time.Time) (*LedgerAccount, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*LedgerTransaction, error)
	GetTransactionByKey(ctx context.Context, accountID uuid.UUID, key string) (*LedgerTransaction, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*LedgerTransaction, error)
	GetHold(ctx context.Context, transactionID uuid.UUID) (*HoldRecord, error)
	ListDueHolds(ctx context.Context, asOf time.Time, limit int) ([]*HoldRecord, error)
	// CountUnsettled counts pending transactions and active holds on an account
	CountUnsettled(ctx context.Context, accountID uuid.UUID) (int, error)
	ApplyMutation(ctx context.Context, m *LedgerMutation) error
}
