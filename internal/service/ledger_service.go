package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/lock"
	"github.com/rosstax/settlement-core/internal/metrics"
	"github.com/rosstax/settlement-core/internal/retry"
	"github.com/shopspring/decimal"
)

// LedgerService owns every balance change on ledger accounts. Each mutation
// runs under the account lock and commits as one versioned repository call.
type LedgerService struct {
	repo    domain.LedgerRepository
	locker  lock.Locker
	retry   retry.Policy
	audit   domain.AuditSink
	metrics *metrics.Metrics
	clock   func() time.Time
}

// NewLedgerService creates a new LedgerService
func NewLedgerService(repo domain.LedgerRepository, locker lock.Locker) *LedgerService {
	return &LedgerService{
		repo:   repo,
		locker: locker,
		retry:  retry.DefaultPolicy(),
		clock:  utcNow,
	}
}

// SetAuditSink sets the sink for ledger audit records
func (s *LedgerService) SetAuditSink(sink domain.AuditSink) {
	s.audit = sink
}

// SetMetrics sets the metrics recorder
func (s *LedgerService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock overrides the time source
func (s *LedgerService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetRetryPolicy overrides the conflict retry policy
func (s *LedgerService) SetRetryPolicy(p retry.Policy) {
	s.retry = p
}

// PostInput holds the input for posting a transaction
type PostInput struct {
	AccountID      uuid.UUID
	Kind           domain.TransactionKind
	Amount         decimal.Decimal
	IdempotencyKey string
	// Status is pending or posted; empty means posted
	Status      domain.TransactionStatus
	Description string
	// HoldUntil places a hold for the full amount of a credit
	HoldUntil *time.Time
}

// PostResult is the outcome of a ledger mutation
type PostResult struct {
	Transaction *domain.LedgerTransaction
	Account     *domain.LedgerAccount
	Hold        *domain.HoldRecord
	// Replayed is true when the idempotency key matched an existing transaction
	Replayed bool
}

// ValidateAmount checks that an amount is positive and in minor units
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(domain.MinorUnitPlaces)) {
		return domain.ErrAmountPrecision
	}
	return nil
}

func (in *PostInput) validate() error {
	if in.AccountID == uuid.Nil {
		return domain.ErrAccountNotFound
	}
	if err := ValidateAmount(in.Amount); err != nil {
		return err
	}
	if in.IdempotencyKey == "" {
		return domain.ErrKeyRequired
	}
	if in.Kind != domain.TxKindDebit && in.Kind != domain.TxKindCredit {
		return domain.ErrInvalidKind
	}
	if in.Status == "" {
		in.Status = domain.TxStatusPosted
	}
	if in.Status != domain.TxStatusPending && in.Status != domain.TxStatusPosted {
		return domain.ErrInvalidStatus
	}
	if in.HoldUntil != nil && in.Kind != domain.TxKindCredit {
		return fmt.Errorf("%w: holds apply to credits only", domain.ErrInvalidInput)
	}
	return nil
}

// OpenAccount creates an active account with zero balances
func (s *LedgerService) OpenAccount(ctx context.Context, ownerRef string, tier domain.AccountTier) (*domain.LedgerAccount, error) {
	if ownerRef == "" {
		return nil, domain.ErrOwnerRequired
	}
	if !tier.Valid() {
		return nil, domain.ErrInvalidTier
	}

	now := s.clock()
	account, err := s.repo.CreateAccount(ctx, &domain.LedgerAccount{
		ID:               uuid.New(),
		OwnerRef:         ownerRef,
		Tier:             tier,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		Status:           domain.AccountStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return nil, err
	}

	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "account.opened",
		EntityType: "account",
		EntityID:   account.ID.String(),
		After:      account,
		Timestamp:  now,
	})
	return account, nil
}

// GetAccount retrieves an account
func (s *LedgerService) GetAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error) {
	return s.repo.GetAccount(ctx, id)
}

// GetTransaction retrieves a transaction
func (s *LedgerService) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.LedgerTransaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// ListTransactions returns an account's transactions, newest first
func (s *LedgerService) ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.LedgerTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, accountID, limit, offset)
}

// Post records a debit or credit. Posting the same idempotency key twice on
// an account returns the original transaction without mutating anything.
func (s *LedgerService) Post(ctx context.Context, in PostInput) (*PostResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var result *PostResult
	err := s.withAccount(ctx, in.AccountID, "ledger.post", func(ctx context.Context) error {
		r, err := s.post(ctx, in)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		s.metrics.LedgerPosting(string(in.Kind), string(in.Status))
		recordAudit(ctx, s.audit, domain.AuditRecord{
			Action:     "transaction.created",
			EntityType: "transaction",
			EntityID:   result.Transaction.ID.String(),
			After:      result.Transaction,
			Timestamp:  result.Transaction.CreatedAt,
		})
	}
	return result, nil
}

func (s *LedgerService) post(ctx context.Context, in PostInput) (*PostResult, error) {
	existing, err := s.repo.GetTransactionByKey(ctx, in.AccountID, in.IdempotencyKey)
	if err == nil {
		return s.replay(ctx, existing)
	}
	if !errors.Is(err, domain.ErrTxNotFound) {
		return nil, err
	}

	account, err := s.repo.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Status != domain.AccountStatusActive {
		return nil, domain.ErrAccountInactive
	}

	now := s.clock()
	tx := &domain.LedgerTransaction{
		ID:             uuid.New(),
		AccountID:      account.ID,
		Kind:           in.Kind,
		Amount:         in.Amount,
		Status:         in.Status,
		IdempotencyKey: in.IdempotencyKey,
		Description:    in.Description,
		CreatedAt:      now,
	}
	if in.Status == domain.TxStatusPosted {
		tx.PostedAt = &now
	}

	var hold *domain.HoldRecord
	if in.HoldUntil != nil {
		hold = &domain.HoldRecord{
			TransactionID: tx.ID,
			AccountID:     account.ID,
			Amount:        in.Amount,
			ReleaseAt:     *in.HoldUntil,
		}
	}

	balance, available := account.Balance, account.AvailableBalance
	switch {
	case in.Kind == domain.TxKindCredit && in.Status == domain.TxStatusPosted:
		balance = balance.Add(in.Amount)
		available = available.Add(in.Amount.Sub(activeAmount(hold)))
	case in.Kind == domain.TxKindCredit:
		// Pending credits do not move balances until settled
	case in.Kind == domain.TxKindDebit:
		if available.LessThan(in.Amount) {
			return nil, domain.ErrInsufficientFunds
		}
		available = available.Sub(in.Amount)
		if in.Status == domain.TxStatusPosted {
			balance = balance.Sub(in.Amount)
		}
	}

	m := &domain.LedgerMutation{
		AccountID:          account.ID,
		ExpectedVersion:    account.Version,
		Balance:            balance,
		AvailableBalance:   available,
		InsertTransactions: []*domain.LedgerTransaction{tx},
		InsertHold:         hold,
		UpdatedAt:          now,
	}
	if err := s.repo.ApplyMutation(ctx, m); err != nil {
		return nil, err
	}

	return &PostResult{
		Transaction: tx,
		Account:     applied(account, m),
		Hold:        hold,
	}, nil
}

func (s *LedgerService) replay(ctx context.Context, tx *domain.LedgerTransaction) (*PostResult, error) {
	account, err := s.repo.GetAccount(ctx, tx.AccountID)
	if err != nil {
		return nil, err
	}
	hold, err := s.findHold(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	return &PostResult{Transaction: tx, Account: account, Hold: hold, Replayed: true}, nil
}

// Settle moves a pending transaction to posted. Settling a posted
// transaction again is a no-op.
func (s *LedgerService) Settle(ctx context.Context, txID uuid.UUID) (*PostResult, error) {
	return s.mutateTransaction(ctx, txID, "ledger.settle", func(ctx context.Context, tx *domain.LedgerTransaction, account *domain.LedgerAccount, hold *domain.HoldRecord, now time.Time) (*domain.LedgerMutation, error) {
		switch tx.Status {
		case domain.TxStatusPosted:
			return nil, nil
		case domain.TxStatusPending:
		default:
			return nil, domain.ErrTransactionFinal
		}

		balance, available := account.Balance, account.AvailableBalance
		if tx.Kind == domain.TxKindCredit {
			balance = balance.Add(tx.Amount)
			available = available.Add(tx.Amount.Sub(activeAmount(hold)))
		} else {
			// Availability was reserved when the pending debit was posted
			balance = balance.Sub(tx.Amount)
		}

		updated := *tx
		updated.Status = domain.TxStatusPosted
		updated.PostedAt = &now

		return &domain.LedgerMutation{
			Balance:            balance,
			AvailableBalance:   available,
			UpdateTransactions: []*domain.LedgerTransaction{&updated},
		}, nil
	})
}

// Fail cancels a pending transaction. A pending debit's reservation is
// returned to availability and a pending credit's hold is voided.
func (s *LedgerService) Fail(ctx context.Context, txID uuid.UUID) (*PostResult, error) {
	return s.mutateTransaction(ctx, txID, "ledger.fail", func(ctx context.Context, tx *domain.LedgerTransaction, account *domain.LedgerAccount, hold *domain.HoldRecord, now time.Time) (*domain.LedgerMutation, error) {
		switch tx.Status {
		case domain.TxStatusFailed:
			return nil, nil
		case domain.TxStatusPending:
		default:
			return nil, domain.ErrTransactionFinal
		}

		available := account.AvailableBalance
		if tx.Kind == domain.TxKindDebit {
			available = available.Add(tx.Amount)
		}

		updated := *tx
		updated.Status = domain.TxStatusFailed

		return &domain.LedgerMutation{
			Balance:            account.Balance,
			AvailableBalance:   available,
			UpdateTransactions: []*domain.LedgerTransaction{&updated},
			UpdateHold:         voided(hold, now),
		}, nil
	})
}

// Reverse undoes a posted transaction with a linked reversal entry.
// A second reversal fails with ErrAlreadyReversed.
func (s *LedgerService) Reverse(ctx context.Context, txID uuid.UUID, reason string) (*PostResult, error) {
	var reversal *domain.LedgerTransaction
	result, err := s.mutateTransaction(ctx, txID, "ledger.reverse", func(ctx context.Context, tx *domain.LedgerTransaction, account *domain.LedgerAccount, hold *domain.HoldRecord, now time.Time) (*domain.LedgerMutation, error) {
		if tx.Kind == domain.TxKindReversal {
			return nil, fmt.Errorf("%w: reversal entries cannot be reversed", domain.ErrInvalidKind)
		}
		switch tx.Status {
		case domain.TxStatusReversed:
			return nil, domain.ErrAlreadyReversed
		case domain.TxStatusPosted:
		default:
			return nil, domain.ErrTransactionPending
		}

		balance, available := account.Balance, account.AvailableBalance
		if tx.Kind == domain.TxKindCredit {
			balance = balance.Sub(tx.Amount)
			available = available.Sub(tx.Amount.Sub(activeAmount(hold)))
			if available.IsNegative() || balance.IsNegative() {
				return nil, domain.ErrInsufficientFunds
			}
		} else {
			balance = balance.Add(tx.Amount)
			available = available.Add(tx.Amount)
		}

		updated := *tx
		updated.Status = domain.TxStatusReversed

		reversal = &domain.LedgerTransaction{
			ID:             uuid.New(),
			AccountID:      tx.AccountID,
			Kind:           domain.TxKindReversal,
			Amount:         tx.Amount,
			Status:         domain.TxStatusPosted,
			IdempotencyKey: "reversal:" + tx.ID.String(),
			ReversalOf:     &updated.ID,
			Description:    reason,
			CreatedAt:      now,
			PostedAt:       &now,
		}

		return &domain.LedgerMutation{
			Balance:            balance,
			AvailableBalance:   available,
			InsertTransactions: []*domain.LedgerTransaction{reversal},
			UpdateTransactions: []*domain.LedgerTransaction{&updated},
			UpdateHold:         voided(hold, now),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.LedgerPosting(string(domain.TxKindReversal), string(domain.TxStatusPosted))
	result.Transaction = reversal
	return result, nil
}

// ReleaseHold makes a posted transaction's held funds available once the
// release date has passed. Releasing an already released hold is a no-op.
func (s *LedgerService) ReleaseHold(ctx context.Context, txID uuid.UUID, now time.Time) (*PostResult, error) {
	return s.mutateTransaction(ctx, txID, "ledger.release_hold", func(ctx context.Context, tx *domain.LedgerTransaction, account *domain.LedgerAccount, hold *domain.HoldRecord, _ time.Time) (*domain.LedgerMutation, error) {
		if hold == nil {
			return nil, domain.ErrHoldNotFound
		}
		if !hold.Active() {
			return nil, nil
		}
		if tx.Status != domain.TxStatusPosted {
			return nil, domain.ErrTransactionPending
		}
		if now.Before(hold.ReleaseAt) {
			return nil, domain.ErrHoldNotDue
		}

		released := *hold
		released.Released = true
		released.ReleasedAt = &now

		return &domain.LedgerMutation{
			Balance:          account.Balance,
			AvailableBalance: account.AvailableBalance.Add(hold.Amount),
			UpdateHold:       &released,
		}, nil
	})
}

// ListDueHolds returns active holds on posted transactions due by asOf
func (s *LedgerService) ListDueHolds(ctx context.Context, asOf time.Time, limit int) ([]*domain.HoldRecord, error) {
	return s.repo.ListDueHolds(ctx, asOf, limit)
}

// SuspendAccount blocks new postings on an account
func (s *LedgerService) SuspendAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error) {
	return s.changeStatus(ctx, id, domain.AccountStatusSuspended)
}

// ReactivateAccount lifts a suspension
func (s *LedgerService) ReactivateAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error) {
	return s.changeStatus(ctx, id, domain.AccountStatusActive)
}

// CloseAccount closes an empty account with nothing in flight: no balance,
// no pending transaction and no active hold. Closed accounts are kept for history.
func (s *LedgerService) CloseAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error) {
	return s.changeStatus(ctx, id, domain.AccountStatusClosed)
}

func (s *LedgerService) changeStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) (*domain.LedgerAccount, error) {
	var before, after *domain.LedgerAccount
	err := s.withAccount(ctx, id, "ledger.account_status", func(ctx context.Context) error {
		account, err := s.repo.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if account.Status == status {
			before, after = account, account
			return nil
		}
		if account.Status == domain.AccountStatusClosed {
			return domain.ErrAccountInactive
		}
		if status == domain.AccountStatusClosed {
			if !account.Balance.IsZero() {
				return domain.ErrAccountNotEmpty
			}
			unsettled, err := s.repo.CountUnsettled(ctx, id)
			if err != nil {
				return err
			}
			if unsettled > 0 {
				return fmt.Errorf("%w: %d pending transactions or holds", domain.ErrAccountNotEmpty, unsettled)
			}
		}

		updated, err := s.repo.UpdateAccountStatus(ctx, id, status, account.Version, s.clock())
		if err != nil {
			return err
		}
		before, after = account, updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	if before != after {
		recordAudit(ctx, s.audit, domain.AuditRecord{
			Action:     "account.status_changed",
			EntityType: "account",
			EntityID:   id.String(),
			Before:     before.Status,
			After:      after.Status,
			Timestamp:  after.UpdatedAt,
		})
	}
	return after, nil
}

type txMutator func(ctx context.Context, tx *domain.LedgerTransaction, account *domain.LedgerAccount, hold *domain.HoldRecord, now time.Time) (*domain.LedgerMutation, error)

// mutateTransaction re-reads a transaction, its account and hold under the
// account lock and applies the mutation fn builds. A nil mutation means the
// transaction is already in the requested state.
func (s *LedgerService) mutateTransaction(ctx context.Context, txID uuid.UUID, op string, fn txMutator) (*PostResult, error) {
	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	var (
		result *PostResult
		before *domain.LedgerTransaction
	)
	err = s.withAccount(ctx, tx.AccountID, op, func(ctx context.Context) error {
		current, err := s.repo.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		account, err := s.repo.GetAccount(ctx, current.AccountID)
		if err != nil {
			return err
		}
		hold, err := s.findHold(ctx, current.ID)
		if err != nil {
			return err
		}

		now := s.clock()
		m, err := fn(ctx, current, account, hold, now)
		if err != nil {
			return err
		}
		if m == nil {
			result = &PostResult{Transaction: current, Account: account, Hold: hold, Replayed: true}
			return nil
		}

		m.AccountID = account.ID
		m.ExpectedVersion = account.Version
		m.UpdatedAt = now
		if err := s.repo.ApplyMutation(ctx, m); err != nil {
			return err
		}

		updatedTx := current
		if len(m.UpdateTransactions) > 0 {
			updatedTx = m.UpdateTransactions[0]
		}
		updatedHold := hold
		if m.UpdateHold != nil {
			updatedHold = m.UpdateHold
		}
		before = current
		result = &PostResult{Transaction: updatedTx, Account: applied(account, m), Hold: updatedHold}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		recordAudit(ctx, s.audit, domain.AuditRecord{
			Action:     "transaction." + op[len("ledger."):],
			EntityType: "transaction",
			EntityID:   txID.String(),
			Before:     before,
			After:      result.Transaction,
			Timestamp:  result.Account.UpdatedAt,
		})
	}
	return result, nil
}

func (s *LedgerService) withAccount(ctx context.Context, accountID uuid.UUID, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.retry, op, func(ctx context.Context) error {
		return s.locker.WithLock(ctx, lock.AccountKey(accountID), fn)
	})
}

func (s *LedgerService) findHold(ctx context.Context, txID uuid.UUID) (*domain.HoldRecord, error) {
	hold, err := s.repo.GetHold(ctx, txID)
	if errors.Is(err, domain.ErrHoldNotFound) {
		return nil, nil
	}
	return hold, err
}

func activeAmount(hold *domain.HoldRecord) decimal.Decimal {
	if hold.Active() {
		return hold.Amount
	}
	return decimal.Zero
}

func voided(hold *domain.HoldRecord, now time.Time) *domain.HoldRecord {
	if !hold.Active() {
		return nil
	}
	v := *hold
	v.Voided = true
	v.ReleasedAt = &now
	return &v
}

func applied(account *domain.LedgerAccount, m *domain.LedgerMutation) *domain.LedgerAccount {
	updated := *account
	updated.Balance = m.Balance
	updated.AvailableBalance = m.AvailableBalance
	updated.Version = account.Version + 1
	updated.UpdatedAt = m.UpdatedAt
	return &updated
}
