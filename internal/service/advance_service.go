package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/gateway"
	"github.com/rosstax/settlement-core/internal/lock"
	"github.com/rosstax/settlement-core/internal/metrics"
	"github.com/rosstax/settlement-core/internal/retry"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// AdvanceResult is an advance plus the intents produced by the operation
type AdvanceResult struct {
	Advance *domain.Advance
	// Replayed is true when a disbursement had already happened
	Replayed bool
	Intents  []domain.Intent
}

// AdvanceService originates and disburses refund advances
type AdvanceService struct {
	repo        domain.AdvanceRepository
	settlements domain.SettlementRepository
	ledger      *LedgerService
	gateway     gateway.Gateway
	policy      AdvancePolicy
	locker      lock.Locker
	retry       retry.Policy
	audit       domain.AuditSink
	metrics     *metrics.Metrics
	clock       func() time.Time
}

// NewAdvanceService creates a new AdvanceService using the default ceiling policy
func NewAdvanceService(
	repo domain.AdvanceRepository,
	settlements domain.SettlementRepository,
	ledger *LedgerService,
	gw gateway.Gateway,
	locker lock.Locker,
) *AdvanceService {
	return &AdvanceService{
		repo:        repo,
		settlements: settlements,
		ledger:      ledger,
		gateway:     gw,
		policy:      NewCeilingPolicy(DefaultAdvanceCeiling),
		locker:      locker,
		retry:       retry.DefaultPolicy(),
		clock:       utcNow,
	}
}

// SetPolicy replaces the approval policy
func (s *AdvanceService) SetPolicy(policy AdvancePolicy) {
	s.policy = policy
}

// SetAuditSink sets the sink for advance audit records
func (s *AdvanceService) SetAuditSink(sink domain.AuditSink) {
	s.audit = sink
}

// SetMetrics sets the metrics recorder
func (s *AdvanceService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock overrides the time source
func (s *AdvanceService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetRetryPolicy overrides the gateway retry policy
func (s *AdvanceService) SetRetryPolicy(p retry.Policy) {
	s.retry = p
}

// DisbursementKey is the idempotency key shared by the transfer request and
// the ledger credit of one advance
func DisbursementKey(advanceID uuid.UUID) string {
	return "advance:" + advanceID.String() + ":disburse"
}

// Request records an advance against a settlement and decides it with the
// approval policy. A denied advance is a normal result, not an error. A return
// carries at most one open advance, even across resubmitted settlements.
func (s *AdvanceService) Request(ctx context.Context, settlementID uuid.UUID, amount decimal.Decimal) (*AdvanceResult, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}

	var result *AdvanceResult
	err := s.locker.WithLock(ctx, lock.SettlementKey(settlementID), func(ctx context.Context) error {
		settlement, err := s.settlements.GetByID(ctx, settlementID)
		if err != nil {
			return err
		}

		_, err = s.repo.GetOpenByReturnRef(ctx, settlement.ReturnRef)
		if err == nil {
			return domain.ErrAdvanceExists
		}
		if !errors.Is(err, domain.ErrAdvanceNotFound) {
			return err
		}

		now := s.clock()
		requested, err := s.repo.Create(ctx, &domain.Advance{
			ID:              uuid.New(),
			SettlementID:    settlement.ID,
			ReturnRef:       settlement.ReturnRef,
			ClientRef:       settlement.ClientRef,
			AccountID:       settlement.AccountID,
			RequestedAmount: amount,
			ApprovedAmount:  decimal.Zero,
			Status:          domain.AdvanceRequested,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}

		result, err = s.decide(ctx, requested, settlement)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AdvanceService) decide(ctx context.Context, advance *domain.Advance, settlement *domain.SettlementRecord) (*AdvanceResult, error) {
	decision, err := s.policy.Evaluate(ctx, advance.RequestedAmount, settlement)
	if err != nil {
		return nil, fmt.Errorf("evaluate advance %s: %w", advance.ID, err)
	}

	updated := *advance
	updated.DecisionReason = &decision.Reason
	updated.UpdatedAt = s.clock()
	intentType := domain.IntentAdvanceDenied
	if decision.Approved {
		updated.Status = domain.AdvanceApproved
		updated.ApprovedAmount = decision.Amount
		intentType = domain.IntentAdvanceApproved
	} else {
		updated.Status = domain.AdvanceDenied
		updated.ClosedAt = &updated.UpdatedAt
	}

	saved, err := s.repo.Update(ctx, &updated, domain.AdvanceRequested)
	if err != nil {
		return nil, err
	}

	s.metrics.AdvanceDecision(string(saved.Status))
	log.Info().
		Str("advance_id", saved.ID.String()).
		Str("status", string(saved.Status)).
		Str("reason", decision.Reason).
		Msg("Advance decided")
	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "advance." + string(saved.Status),
		EntityType: "advance",
		EntityID:   saved.ID.String(),
		Before:     advance.Status,
		After:      saved,
		Reason:     decision.Reason,
		Timestamp:  saved.UpdatedAt,
	})

	return &AdvanceResult{
		Advance: saved,
		Intents: []domain.Intent{newIntent(saved.ClientRef, intentType, map[string]any{
			"advanceId": saved.ID.String(),
			"returnRef": saved.ReturnRef,
			"amount":    saved.ApprovedAmount.StringFixed(2),
			"reason":    decision.Reason,
		})},
	}, nil
}

// Deny cancels an advance that has not been disbursed
func (s *AdvanceService) Deny(ctx context.Context, id uuid.UUID, reason string) (*AdvanceResult, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}
	advance, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var result *AdvanceResult
	err = s.locker.WithLock(ctx, lock.SettlementKey(advance.SettlementID), func(ctx context.Context) error {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == domain.AdvanceDenied {
			result = &AdvanceResult{Advance: current, Replayed: true}
			return nil
		}
		result, err = s.deny(ctx, current, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// deny closes a requested or approved advance. The caller holds the
// settlement lock.
func (s *AdvanceService) deny(ctx context.Context, advance *domain.Advance, reason string) (*AdvanceResult, error) {
	if advance.Status != domain.AdvanceRequested && advance.Status != domain.AdvanceApproved {
		return nil, fmt.Errorf("%w: advance is %s", domain.ErrInvalidTransition, advance.Status)
	}

	updated := *advance
	updated.Status = domain.AdvanceDenied
	updated.DecisionReason = &reason
	updated.UpdatedAt = s.clock()
	updated.ClosedAt = &updated.UpdatedAt
	saved, err := s.repo.Update(ctx, &updated, advance.Status)
	if err != nil {
		return nil, err
	}

	s.metrics.AdvanceDecision(string(domain.AdvanceDenied))
	log.Info().
		Str("advance_id", saved.ID.String()).
		Str("reason", reason).
		Msg("Advance denied")
	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "advance.denied",
		EntityType: "advance",
		EntityID:   saved.ID.String(),
		Before:     advance.Status,
		After:      saved,
		Reason:     reason,
		Timestamp:  saved.UpdatedAt,
	})
	return &AdvanceResult{
		Advance: saved,
		Intents: []domain.Intent{newIntent(saved.ClientRef, domain.IntentAdvanceDenied, map[string]any{
			"advanceId": saved.ID.String(),
			"reason":    reason,
		})},
	}, nil
}

// Disburse pays an approved advance: the banking partner transfer first,
// then the ledger credit. Both carry DisbursementKey, so calling Disburse
// again after any failure cannot pay twice. A settlement that was rejected or
// already refunded can no longer back an advance.
func (s *AdvanceService) Disburse(ctx context.Context, id uuid.UUID) (*AdvanceResult, error) {
	advance, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var result *AdvanceResult
	err = s.locker.WithLock(ctx, lock.SettlementKey(advance.SettlementID), func(ctx context.Context) error {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.DisbursementTxID != nil {
			result = &AdvanceResult{Advance: current, Replayed: true}
			return nil
		}
		if current.Status != domain.AdvanceApproved {
			return domain.ErrAdvanceNotApproved
		}
		settlement, err := s.settlements.GetByID(ctx, current.SettlementID)
		if err != nil {
			return err
		}
		if settlement.State == domain.SettlementRejected || settlement.State == domain.SettlementRefundPosted {
			return fmt.Errorf("%w: settlement is %s", domain.ErrInvalidTransition, settlement.State)
		}

		key := DisbursementKey(current.ID)
		var transferID string
		err = retry.Do(ctx, s.retry, "advance.transfer", func(ctx context.Context) error {
			tid, err := s.gateway.RequestTransfer(ctx, gateway.TransferRequest{
				IdempotencyKey: key,
				AccountRef:     current.AccountID.String(),
				ClientRef:      current.ClientRef,
				Amount:         current.ApprovedAmount,
				Purpose:        "refund_advance",
				Reference:      current.ReturnRef,
			})
			transferID = tid
			return err
		})
		if err != nil {
			return fmt.Errorf("transfer advance %s: %w", current.ID, err)
		}

		posted, err := s.ledger.Post(ctx, PostInput{
			AccountID:      current.AccountID,
			Kind:           domain.TxKindCredit,
			Amount:         current.ApprovedAmount,
			IdempotencyKey: key,
			Description:    "refund advance " + current.ReturnRef,
		})
		if err != nil {
			return fmt.Errorf("credit advance %s: %w", current.ID, err)
		}

		now := s.clock()
		updated := *current
		updated.Status = domain.AdvanceDisbursed
		updated.TransferID = &transferID
		updated.DisbursementTxID = &posted.Transaction.ID
		updated.DisbursedAt = &now
		updated.UpdatedAt = now
		saved, err := s.repo.Update(ctx, &updated, domain.AdvanceApproved)
		if err != nil {
			return err
		}

		s.metrics.AdvanceDecision(string(domain.AdvanceDisbursed))
		recordAudit(ctx, s.audit, domain.AuditRecord{
			Action:     "advance.disbursed",
			EntityType: "advance",
			EntityID:   id.String(),
			Before:     current.Status,
			After:      saved,
			Timestamp:  now,
		})
		result = &AdvanceResult{
			Advance: saved,
			Intents: []domain.Intent{
				newIntent(saved.ClientRef, domain.IntentAdvanceDisbursed, map[string]any{
					"advanceId":  id.String(),
					"amount":     saved.ApprovedAmount.StringFixed(2),
					"transferId": transferID,
				}),
				newIntent(saved.ClientRef, domain.IntentAwardStatusFlag, map[string]any{
					"flag":      "advance_recipient",
					"returnRef": saved.ReturnRef,
				}),
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkDefaulted closes a disbursed advance whose refund will not arrive
func (s *AdvanceService) MarkDefaulted(ctx context.Context, id uuid.UUID, reason string) (*AdvanceResult, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", domain.ErrInvalidInput)
	}
	advance, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var result *AdvanceResult
	err = s.locker.WithLock(ctx, lock.SettlementKey(advance.SettlementID), func(ctx context.Context) error {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == domain.AdvanceDefaulted {
			result = &AdvanceResult{Advance: current, Replayed: true}
			return nil
		}
		saved, err := s.close(ctx, current, domain.AdvanceDefaulted, reason)
		if err != nil {
			return err
		}
		result = &AdvanceResult{Advance: saved}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// close moves a disbursed advance to repaid or defaulted. The caller holds
// the settlement lock.
func (s *AdvanceService) close(ctx context.Context, advance *domain.Advance, status domain.AdvanceStatus, reason string) (*domain.Advance, error) {
	if advance.Status != domain.AdvanceDisbursed {
		return nil, fmt.Errorf("%w: advance is %s", domain.ErrInvalidTransition, advance.Status)
	}

	now := s.clock()
	updated := *advance
	updated.Status = status
	updated.ClosedAt = &now
	updated.UpdatedAt = now
	if reason != "" {
		updated.DecisionReason = &reason
	}
	saved, err := s.repo.Update(ctx, &updated, domain.AdvanceDisbursed)
	if err != nil {
		return nil, err
	}

	s.metrics.AdvanceDecision(string(status))
	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "advance." + string(status),
		EntityType: "advance",
		EntityID:   advance.ID.String(),
		Before:     advance.Status,
		After:      saved,
		Reason:     reason,
		Timestamp:  now,
	})
	return saved, nil
}

// Get retrieves an advance
func (s *AdvanceService) Get(ctx context.Context, id uuid.UUID) (*domain.Advance, error) {
	return s.repo.GetByID(ctx, id)
}
