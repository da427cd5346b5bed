package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DepositStatus string
type DuplicateProtection string

const (
	DepositStatusProcessing DepositStatus = "processing"
	DepositStatusApproved   DepositStatus = "approved"
	DepositStatusDeclined   DepositStatus = "declined"
	DepositStatusCleared    DepositStatus = "cleared"
	DepositStatusReturned   DepositStatus = "returned"
)

const (
	// ProtectionFull means the full natural key decoded and was checked
	ProtectionFull DuplicateProtection = "full"
	// ProtectionDegraded means the decoder could not extract the full key,
	// so no duplicate check ran for this deposit
	ProtectionDegraded DuplicateProtection = "degraded"
)

// ActiveDepositStatuses are the statuses that still claim an instrument
var ActiveDepositStatuses = []DepositStatus{
	DepositStatusProcessing,
	DepositStatusApproved,
	DepositStatusCleared,
}

// Active reports whether a deposit in this status claims its instrument
func (s DepositStatus) Active() bool {
	for _, a := range ActiveDepositStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// InstrumentKey is the natural key of a physical payment instrument.
// It is used only for deduplication, never as ledger identity.
type InstrumentKey struct {
	RoutingNumber    string `json:"routingNumber,omitempty"`
	AccountNumber    string `json:"accountNumber,omitempty"`
	InstrumentNumber string `json:"instrumentNumber,omitempty"`
}

// Complete reports whether every component of the key was decoded
func (k InstrumentKey) Complete() bool {
	return k.RoutingNumber != "" && k.AccountNumber != "" && k.InstrumentNumber != ""
}

func (k InstrumentKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.RoutingNumber, k.AccountNumber, k.InstrumentNumber)
}

// Deposit is a submitted mobile check deposit
type Deposit struct {
	ID               uuid.UUID           `json:"id"`
	AccountID        uuid.UUID           `json:"accountId"`
	ClientRef        string              `json:"clientRef"`
	Amount           decimal.Decimal     `json:"amount"`
	Instrument       InstrumentKey       `json:"instrument"`
	Protection       DuplicateProtection `json:"duplicateProtection"`
	Status           DepositStatus       `json:"status"`
	DeclineReason    *string             `json:"declineReason,omitempty"`
	DuplicateOf      *uuid.UUID          `json:"duplicateOf,omitempty"`
	TransactionID    *uuid.UUID          `json:"transactionId,omitempty"`
	FundsAvailableAt *time.Time          `json:"fundsAvailableAt,omitempty"`
	FrontImagePath   *string             `json:"frontImagePath,omitempty"`
	BackImagePath    *string             `json:"backImagePath,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
	ClearedAt        *time.Time          `json:"clearedAt,omitempty"`
}

// DepositLimits are the tier-specific intake limits
type DepositLimits struct {
	PerInstrument decimal.Decimal
	Daily         decimal.Decimal
	Monthly       decimal.Decimal
}

// DefaultDepositLimits holds the per-tier limits for mobile deposits
var DefaultDepositLimits = map[AccountTier]DepositLimits{
	TierBasic: {
		PerInstrument: decimal.NewFromInt(2000),
		Daily:         decimal.NewFromInt(5000),
		Monthly:       decimal.NewFromInt(20000),
	},
	TierPremium: {
		PerInstrument: decimal.NewFromInt(10000),
		Daily:         decimal.NewFromInt(25000),
		Monthly:       decimal.NewFromInt(100000),
	},
	TierBusiness: {
		PerInstrument: decimal.NewFromInt(50000),
		Daily:         decimal.NewFromInt(100000),
		Monthly:       decimal.NewFromInt(500000),
	},
}

// HoldPolicy is the number of business days a deposit is held
type HoldPolicy struct {
	FirstInstrumentDays int
	RegularDays         int
}

// DefaultHoldPolicies holds the per-tier hold schedule
var DefaultHoldPolicies = map[AccountTier]HoldPolicy{
	TierBasic:    {FirstInstrumentDays: 10, RegularDays: 5},
	TierPremium:  {FirstInstrumentDays: 7, RegularDays: 3},
	TierBusiness: {FirstInstrumentDays: 5, RegularDays: 2},
}

type DepositRepository interface {
	// Create persists a deposit. An active deposit with a complete instrument
	// key fails with ErrDuplicateInstrument when another active deposit already
	// claims the same key.
	Create(ctx context.Context, deposit *Deposit) (*Deposit, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Deposit, error)
	GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*Deposit, error)
	FindActiveByInstrument(ctx context.Context, key InstrumentKey) (*Deposit, error)
	SumActiveSince(ctx context.Context, accountID uuid.UUID, since time.Time) (decimal.Decimal, error)
	CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error)
	ListByClient(ctx context.Context, clientRef string, limit, offset int) ([]*Deposit, error)
	// UpdateStatus moves a deposit from one status to another; it fails with
	// ErrStatusChanged if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to DepositStatus, reason *string, at time.Time) (*Deposit, error)
}
