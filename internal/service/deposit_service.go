package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/calendar"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/lock"
	"github.com/rosstax/settlement-core/internal/metrics"
	"github.com/rosstax/settlement-core/internal/micr"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Decline reasons stored on deposits
const (
	ReasonDuplicateInstrument = "duplicate_instrument"
	ReasonPostingFailed       = "posting_failed"
)

// DueHoldBatchSize bounds how many holds one release pass handles
const DueHoldBatchSize = 500

// SubmitDepositInput holds the input for a mobile check deposit
type SubmitDepositInput struct {
	AccountID uuid.UUID
	ClientRef string
	Amount    decimal.Decimal
	MICRLine  string
	Images    *CheckImages
}

// DepositResult is a deposit plus the intents produced by the operation
type DepositResult struct {
	Deposit *domain.Deposit
	Intents []domain.Intent
}

// ReleaseSummary reports one hold release pass
type ReleaseSummary struct {
	Released int
	Cleared  int
	Failed   int
	Intents  []domain.Intent
}

// DepositService runs mobile check intake and the deposit lifecycle
type DepositService struct {
	repo      domain.DepositRepository
	ledger    *LedgerService
	scheduler *HoldScheduler
	guard     *DuplicateGuard
	decoder   micr.Decoder
	locker    lock.Locker
	images    *CheckImageService
	limits    map[domain.AccountTier]domain.DepositLimits
	audit     domain.AuditSink
	metrics   *metrics.Metrics
	clock     func() time.Time
}

// NewDepositService creates a new DepositService
func NewDepositService(
	repo domain.DepositRepository,
	ledger *LedgerService,
	scheduler *HoldScheduler,
	decoder micr.Decoder,
	locker lock.Locker,
) *DepositService {
	return &DepositService{
		repo:      repo,
		ledger:    ledger,
		scheduler: scheduler,
		guard:     NewDuplicateGuard(repo),
		decoder:   decoder,
		locker:    locker,
		limits:    domain.DefaultDepositLimits,
		clock:     utcNow,
	}
}

// SetImageService enables check image storage
func (s *DepositService) SetImageService(images *CheckImageService) {
	s.images = images
}

// SetLimits overrides the per-tier intake limits
func (s *DepositService) SetLimits(limits map[domain.AccountTier]domain.DepositLimits) {
	s.limits = limits
}

// SetAuditSink sets the sink for deposit audit records
func (s *DepositService) SetAuditSink(sink domain.AuditSink) {
	s.audit = sink
}

// SetMetrics sets the metrics recorder
func (s *DepositService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock overrides the time source
func (s *DepositService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Submit takes in a mobile check deposit. Limit violations fail with
// ErrLimitExceeded and persist nothing. A duplicate instrument is persisted
// as a declined deposit and returned without error.
func (s *DepositService) Submit(ctx context.Context, in SubmitDepositInput) (*DepositResult, error) {
	if err := ValidateAmount(in.Amount); err != nil {
		return nil, err
	}

	account, err := s.ledger.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Status != domain.AccountStatusActive {
		return nil, domain.ErrAccountInactive
	}
	if in.ClientRef == "" {
		in.ClientRef = account.OwnerRef
	}

	limits, ok := s.limits[account.Tier]
	if !ok {
		return nil, domain.ErrInvalidTier
	}
	if in.Amount.GreaterThan(limits.PerInstrument) {
		s.metrics.DepositOutcome("limit_exceeded")
		return nil, fmt.Errorf("%w: per-check limit is %s", domain.ErrLimitExceeded, limits.PerInstrument.StringFixed(2))
	}

	if in.Images != nil && s.images.IsEnabled() {
		if err := s.images.Validate(*in.Images); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
	}

	key, protection, err := s.decode(ctx, in.MICRLine)
	if err != nil {
		s.metrics.DepositOutcome("decoder_unavailable")
		return nil, err
	}

	deposit := &domain.Deposit{
		ID:         uuid.New(),
		AccountID:  account.ID,
		ClientRef:  in.ClientRef,
		Amount:     in.Amount,
		Instrument: key,
		Protection: protection,
	}

	if in.Images != nil && s.images.IsEnabled() {
		front, back, err := s.images.Store(ctx, deposit.ID, *in.Images)
		if err != nil {
			return nil, err
		}
		deposit.FrontImagePath = &front
		deposit.BackImagePath = &back
	}

	var created *domain.Deposit
	err = s.locker.WithLock(ctx, lock.IntakeKey(account.ID), func(ctx context.Context) error {
		d, err := s.intake(ctx, account, limits, deposit)
		created = d
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrLimitExceeded) {
			s.metrics.DepositOutcome("limit_exceeded")
		}
		// No deposit row references the images on any intake failure
		s.discardImages(ctx, deposit)
		return nil, err
	}

	return s.submitted(ctx, created), nil
}

// decode reads the instrument key. An unreadable line is tolerated and
// yields a degraded deposit; decoder timeouts fail the submission.
func (s *DepositService) decode(ctx context.Context, line string) (domain.InstrumentKey, domain.DuplicateProtection, error) {
	key, err := s.decoder.Decode(ctx, line)
	switch {
	case err == nil && key.Complete():
		return key, domain.ProtectionFull, nil
	case err == nil, errors.Is(err, domain.ErrUnreadableLine):
		return key, domain.ProtectionDegraded, nil
	default:
		return domain.InstrumentKey{}, "", err
	}
}

// intake runs under the account's intake lock so the limit sums and the
// duplicate check see every earlier submission.
func (s *DepositService) intake(ctx context.Context, account *domain.LedgerAccount, limits domain.DepositLimits, deposit *domain.Deposit) (*domain.Deposit, error) {
	now := s.clock()
	deposit.CreatedAt = now
	deposit.UpdatedAt = now

	if err := s.checkPeriodLimits(ctx, account.ID, deposit.Amount, limits, now); err != nil {
		return nil, err
	}

	existing, err := s.guard.CheckDuplicate(ctx, deposit.Instrument)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.declineDuplicate(ctx, deposit, existing.ID)
	}

	count, err := s.repo.CountByAccount(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	availableAt, err := s.scheduler.ComputeAvailability(now, account.Tier, count == 0)
	if err != nil {
		return nil, err
	}

	posted, err := s.ledger.Post(ctx, PostInput{
		AccountID:      account.ID,
		Kind:           domain.TxKindCredit,
		Amount:         deposit.Amount,
		IdempotencyKey: "deposit:" + deposit.ID.String(),
		Status:         domain.TxStatusPending,
		Description:    "mobile deposit",
		HoldUntil:      &availableAt,
	})
	if err != nil {
		return nil, fmt.Errorf("post deposit credit: %w", err)
	}

	deposit.Status = domain.DepositStatusProcessing
	deposit.TransactionID = &posted.Transaction.ID
	deposit.FundsAvailableAt = &availableAt

	created, err := s.repo.Create(ctx, deposit)
	if err == nil {
		return created, nil
	}

	// Another account claimed the same instrument between the check and the insert
	if _, failErr := s.ledger.Fail(ctx, posted.Transaction.ID); failErr != nil {
		log.Error().Err(failErr).Str("transaction_id", posted.Transaction.ID.String()).Msg("Failed to cancel deposit credit")
	}
	if !errors.Is(err, domain.ErrDuplicateInstrument) {
		return nil, err
	}
	existing, err = s.guard.CheckDuplicate(ctx, deposit.Instrument)
	if err != nil {
		return nil, err
	}
	var duplicateOf uuid.UUID
	if existing != nil {
		duplicateOf = existing.ID
	}
	deposit.TransactionID = nil
	deposit.FundsAvailableAt = nil
	return s.declineDuplicate(ctx, deposit, duplicateOf)
}

func (s *DepositService) checkPeriodLimits(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, limits domain.DepositLimits, now time.Time) error {
	today := calendar.Date(now)
	daily, err := s.repo.SumActiveSince(ctx, accountID, today)
	if err != nil {
		return err
	}
	if daily.Add(amount).GreaterThan(limits.Daily) {
		return fmt.Errorf("%w: daily limit is %s", domain.ErrLimitExceeded, limits.Daily.StringFixed(2))
	}

	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthly, err := s.repo.SumActiveSince(ctx, accountID, monthStart)
	if err != nil {
		return err
	}
	if monthly.Add(amount).GreaterThan(limits.Monthly) {
		return fmt.Errorf("%w: monthly limit is %s", domain.ErrLimitExceeded, limits.Monthly.StringFixed(2))
	}
	return nil
}

func (s *DepositService) declineDuplicate(ctx context.Context, deposit *domain.Deposit, duplicateOf uuid.UUID) (*domain.Deposit, error) {
	reason := ReasonDuplicateInstrument
	deposit.Status = domain.DepositStatusDeclined
	deposit.DeclineReason = &reason
	if duplicateOf != uuid.Nil {
		deposit.DuplicateOf = &duplicateOf
	}
	return s.repo.Create(ctx, deposit)
}

// submitted records metrics, audit and intents for a persisted submission
func (s *DepositService) submitted(ctx context.Context, deposit *domain.Deposit) *DepositResult {
	result := &DepositResult{Deposit: deposit}

	if deposit.Status == domain.DepositStatusDeclined {
		s.metrics.DepositOutcome("duplicate")
		log.Info().
			Str("deposit_id", deposit.ID.String()).
			Str("account_id", deposit.AccountID.String()).
			Msg("Declined duplicate deposit")
		recordAudit(ctx, s.audit, domain.AuditRecord{
			Action:     "deposit.declined",
			EntityType: "deposit",
			EntityID:   deposit.ID.String(),
			After:      deposit,
			Reason:     ReasonDuplicateInstrument,
			Timestamp:  deposit.CreatedAt,
		})
		result.Intents = append(result.Intents, newIntent(deposit.ClientRef, domain.IntentDepositDeclined, map[string]any{
			"depositId": deposit.ID.String(),
			"amount":    deposit.Amount.StringFixed(2),
			"reason":    ReasonDuplicateInstrument,
		}))
		return result
	}

	s.metrics.DepositOutcome("accepted")
	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "deposit.submitted",
		EntityType: "deposit",
		EntityID:   deposit.ID.String(),
		After:      deposit,
		Timestamp:  deposit.CreatedAt,
	})
	result.Intents = append(result.Intents, newIntent(deposit.ClientRef, domain.IntentDepositReceived, map[string]any{
		"depositId":        deposit.ID.String(),
		"amount":           deposit.Amount.StringFixed(2),
		"fundsAvailableAt": deposit.FundsAvailableAt,
	}))

	if deposit.Protection == domain.ProtectionDegraded {
		log.Warn().
			Str("deposit_id", deposit.ID.String()).
			Str("account_id", deposit.AccountID.String()).
			Msg("Deposit accepted without duplicate protection: instrument line unreadable")
		recordAudit(ctx, s.audit, domain.AuditRecord{
			Action:     "deposit.duplicate_protection_degraded",
			EntityType: "deposit",
			EntityID:   deposit.ID.String(),
			After:      deposit.Instrument,
			Reason:     domain.ErrUnreadableLine.Code,
			Timestamp:  deposit.CreatedAt,
		})
		result.Intents = append(result.Intents, newIntent(OperationsRecipient, domain.IntentDuplicateRiskFlag, map[string]any{
			"depositId": deposit.ID.String(),
			"accountId": deposit.AccountID.String(),
			"amount":    deposit.Amount.StringFixed(2),
		}))
	}
	return result
}

func (s *DepositService) discardImages(ctx context.Context, deposit *domain.Deposit) {
	var paths []string
	if deposit.FrontImagePath != nil {
		paths = append(paths, *deposit.FrontImagePath)
	}
	if deposit.BackImagePath != nil {
		paths = append(paths, *deposit.BackImagePath)
	}
	if len(paths) > 0 {
		s.images.cleanup(ctx, paths)
	}
}

// Approve settles a processing deposit's credit. Approving an approved
// deposit returns it unchanged, including when a concurrent approval wins.
func (s *DepositService) Approve(ctx context.Context, id uuid.UUID) (*DepositResult, error) {
	deposit, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch deposit.Status {
	case domain.DepositStatusApproved, domain.DepositStatusCleared:
		return &DepositResult{Deposit: deposit}, nil
	case domain.DepositStatusProcessing:
	default:
		return nil, fmt.Errorf("%w: deposit is %s", domain.ErrInvalidTransition, deposit.Status)
	}

	// Settle first: it is idempotent, so a failed status update can be retried
	if _, err := s.ledger.Settle(ctx, *deposit.TransactionID); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateStatus(ctx, id, domain.DepositStatusProcessing, domain.DepositStatusApproved, nil, s.clock())
	if errors.Is(err, domain.ErrStatusChanged) {
		current, getErr := s.repo.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == domain.DepositStatusApproved || current.Status == domain.DepositStatusCleared {
			return &DepositResult{Deposit: current}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "deposit.approved",
		EntityType: "deposit",
		EntityID:   id.String(),
		Before:     deposit.Status,
		After:      updated.Status,
		Timestamp:  updated.UpdatedAt,
	})
	return &DepositResult{
		Deposit: updated,
		Intents: []domain.Intent{newIntent(updated.ClientRef, domain.IntentDepositApproved, map[string]any{
			"depositId":        id.String(),
			"fundsAvailableAt": updated.FundsAvailableAt,
		})},
	}, nil
}

// Decline rejects a processing deposit at manual review and cancels its credit
func (s *DepositService) Decline(ctx context.Context, id uuid.UUID, reason string) (*DepositResult, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}
	deposit, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch deposit.Status {
	case domain.DepositStatusDeclined:
		return &DepositResult{Deposit: deposit}, nil
	case domain.DepositStatusProcessing:
	default:
		return nil, fmt.Errorf("%w: deposit is %s", domain.ErrInvalidTransition, deposit.Status)
	}

	if deposit.TransactionID != nil {
		if _, err := s.ledger.Fail(ctx, *deposit.TransactionID); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.UpdateStatus(ctx, id, domain.DepositStatusProcessing, domain.DepositStatusDeclined, &reason, s.clock())
	if err != nil {
		return nil, err
	}

	s.metrics.DepositOutcome("declined")
	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "deposit.declined",
		EntityType: "deposit",
		EntityID:   id.String(),
		Before:     deposit.Status,
		After:      updated.Status,
		Reason:     reason,
		Timestamp:  updated.UpdatedAt,
	})
	return &DepositResult{
		Deposit: updated,
		Intents: []domain.Intent{newIntent(updated.ClientRef, domain.IntentDepositDeclined, map[string]any{
			"depositId": id.String(),
			"reason":    reason,
		})},
	}, nil
}

// Return handles a check returned unpaid after approval. The credit is
// reversed; this fails with ErrInsufficientFunds if the funds were spent.
func (s *DepositService) Return(ctx context.Context, id uuid.UUID, reason string) (*DepositResult, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}
	deposit, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch deposit.Status {
	case domain.DepositStatusReturned:
		return &DepositResult{Deposit: deposit}, nil
	case domain.DepositStatusApproved, domain.DepositStatusCleared:
	default:
		return nil, fmt.Errorf("%w: deposit is %s", domain.ErrInvalidTransition, deposit.Status)
	}

	// A reversal left behind by an earlier attempt counts as done
	if _, err := s.ledger.Reverse(ctx, *deposit.TransactionID, "returned item: "+reason); err != nil && !errors.Is(err, domain.ErrAlreadyReversed) {
		return nil, err
	}

	updated, err := s.repo.UpdateStatus(ctx, id, deposit.Status, domain.DepositStatusReturned, &reason, s.clock())
	if err != nil {
		return nil, err
	}

	s.metrics.DepositOutcome("returned")
	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "deposit.returned",
		EntityType: "deposit",
		EntityID:   id.String(),
		Before:     deposit.Status,
		After:      updated.Status,
		Reason:     reason,
		Timestamp:  updated.UpdatedAt,
	})
	return &DepositResult{
		Deposit: updated,
		Intents: []domain.Intent{newIntent(updated.ClientRef, domain.IntentDepositReturned, map[string]any{
			"depositId": id.String(),
			"amount":    updated.Amount.StringFixed(2),
			"reason":    reason,
		})},
	}, nil
}

// ReleaseDueHolds releases every hold due by now and clears the matching
// approved deposits. Running it again for the same now changes nothing.
func (s *DepositService) ReleaseDueHolds(ctx context.Context, now time.Time) (*ReleaseSummary, error) {
	holds, err := s.ledger.ListDueHolds(ctx, now, DueHoldBatchSize)
	if err != nil {
		return nil, err
	}

	summary := &ReleaseSummary{}
	for _, hold := range holds {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result, err := s.ledger.ReleaseHold(ctx, hold.TransactionID, now)
		if err != nil {
			summary.Failed++
			log.Warn().
				Err(err).
				Str("transaction_id", hold.TransactionID.String()).
				Msg("Failed to release hold")
			continue
		}
		if !result.Replayed {
			summary.Released++
		}

		cleared, err := s.clear(ctx, hold.TransactionID, now)
		if err != nil {
			summary.Failed++
			log.Warn().
				Err(err).
				Str("transaction_id", hold.TransactionID.String()).
				Msg("Failed to clear deposit after hold release")
			continue
		}
		if cleared != nil {
			summary.Cleared++
			summary.Intents = append(summary.Intents, newIntent(cleared.ClientRef, domain.IntentFundsAvailable, map[string]any{
				"depositId": cleared.ID.String(),
				"accountId": cleared.AccountID.String(),
				"amount":    cleared.Amount.StringFixed(2),
			}))
		}
	}

	s.metrics.HoldsReleased(summary.Released)
	return summary, nil
}

// clear moves the deposit behind a released hold from approved to cleared.
// It returns nil when there is nothing to clear.
func (s *DepositService) clear(ctx context.Context, txID uuid.UUID, now time.Time) (*domain.Deposit, error) {
	deposit, err := s.repo.GetByTransactionID(ctx, txID)
	if errors.Is(err, domain.ErrDepositNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if deposit.Status != domain.DepositStatusApproved {
		return nil, nil
	}

	updated, err := s.repo.UpdateStatus(ctx, deposit.ID, domain.DepositStatusApproved, domain.DepositStatusCleared, nil, now)
	if errors.Is(err, domain.ErrStatusChanged) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "deposit.cleared",
		EntityType: "deposit",
		EntityID:   deposit.ID.String(),
		Before:     deposit.Status,
		After:      updated.Status,
		Timestamp:  now,
	})
	return updated, nil
}

// Get retrieves a deposit
func (s *DepositService) Get(ctx context.Context, id uuid.UUID) (*domain.Deposit, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByClient returns a client's deposits, newest first
func (s *DepositService) ListByClient(ctx context.Context, clientRef string, limit, offset int) ([]*domain.Deposit, error) {
	if clientRef == "" {
		return nil, domain.ErrOwnerRequired
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByClient(ctx, clientRef, limit, offset)
}

// ImageURL returns a short-lived link to one side of a deposit's check
func (s *DepositService) ImageURL(ctx context.Context, id uuid.UUID, side string) (string, error) {
	if !s.images.IsEnabled() {
		return "", ErrImageStorageMissing
	}
	deposit, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	var path *string
	switch side {
	case "front":
		path = deposit.FrontImagePath
	case "back":
		path = deposit.BackImagePath
	default:
		return "", fmt.Errorf("%w: side must be front or back", domain.ErrInvalidInput)
	}
	if path == nil {
		return "", fmt.Errorf("%w: no %s image stored", domain.ErrDepositNotFound, side)
	}
	return s.images.URL(ctx, *path)
}
