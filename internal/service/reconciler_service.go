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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CreateSettlementInput holds the input for opening a settlement record
type CreateSettlementInput struct {
	ReturnRef       string
	ClientRef       string
	AccountID       uuid.UUID
	ExpectedRefund  decimal.Decimal
	RequestedAmount decimal.Decimal
	ApprovedAmount  decimal.Decimal
	ProductFee      decimal.Decimal
}

// ExternalEvent is a status callback from the e-file or banking partner.
// SettlementID may be empty when the partner only knows the return reference.
type ExternalEvent struct {
	SettlementID uuid.UUID
	ReturnRef    string
	Code         domain.EventCode
	Sequence     int64
	SourceTime   time.Time
	RefundAmount *decimal.Decimal
	StatusCode   string
	Reason       string
}

// ReconcileResult is the outcome of applying one external event
type ReconcileResult struct {
	Settlement *domain.SettlementRecord
	Event      *domain.SettlementEvent
	Intents    []domain.Intent
}

// ReconcilerService applies external status events to settlement records
type ReconcilerService struct {
	repo     domain.SettlementRepository
	advances *AdvanceService
	ledger   *LedgerService
	locker   lock.Locker
	retry    retry.Policy
	audit    domain.AuditSink
	metrics  *metrics.Metrics
	clock    func() time.Time
	logger   zerolog.Logger
}

// NewReconcilerService creates a new ReconcilerService
func NewReconcilerService(
	repo domain.SettlementRepository,
	advances *AdvanceService,
	ledger *LedgerService,
	locker lock.Locker,
) *ReconcilerService {
	return &ReconcilerService{
		repo:     repo,
		advances: advances,
		ledger:   ledger,
		locker:   locker,
		retry:    retry.DefaultPolicy(),
		clock:    utcNow,
		logger:   log.With().Str("component", "reconciler").Logger(),
	}
}

// SetAuditSink sets the sink for settlement audit records
func (s *ReconcilerService) SetAuditSink(sink domain.AuditSink) {
	s.audit = sink
}

// SetMetrics sets the metrics recorder
func (s *ReconcilerService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetClock overrides the time source
func (s *ReconcilerService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetRetryPolicy overrides the conflict retry policy
func (s *ReconcilerService) SetRetryPolicy(p retry.Policy) {
	s.retry = p
}

// RefundKey is the idempotency key of a settlement's refund credit
func RefundKey(settlementID uuid.UUID) string {
	return "settlement:" + settlementID.String() + ":refund"
}

func validateNonNegative(name string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", domain.ErrInvalidAmount, name)
	}
	if !amount.Equal(amount.Round(domain.MinorUnitPlaces)) {
		return fmt.Errorf("%w: %s", domain.ErrAmountPrecision, name)
	}
	return nil
}

// CreateSettlement opens a settlement record for a transmitted return
func (s *ReconcilerService) CreateSettlement(ctx context.Context, in CreateSettlementInput) (*domain.SettlementRecord, error) {
	if in.ReturnRef == "" {
		return nil, domain.ErrReturnRefRequired
	}
	amounts := []struct {
		name   string
		amount decimal.Decimal
	}{
		{"expectedRefund", in.ExpectedRefund},
		{"requestedAmount", in.RequestedAmount},
		{"approvedAmount", in.ApprovedAmount},
		{"productFee", in.ProductFee},
	}
	for _, a := range amounts {
		if err := validateNonNegative(a.name, a.amount); err != nil {
			return nil, err
		}
	}

	account, err := s.ledger.GetAccount(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}
	if in.ClientRef == "" {
		in.ClientRef = account.OwnerRef
	}

	now := s.clock()
	settlement, err := s.repo.Create(ctx, &domain.SettlementRecord{
		ID:              uuid.New(),
		ReturnRef:       in.ReturnRef,
		ClientRef:       in.ClientRef,
		AccountID:       account.ID,
		State:           domain.SettlementCreated,
		ExpectedRefund:  in.ExpectedRefund,
		RequestedAmount: in.RequestedAmount,
		ApprovedAmount:  in.ApprovedAmount,
		ProductFee:      in.ProductFee,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, err
	}

	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "settlement.created",
		EntityType: "settlement",
		EntityID:   settlement.ID.String(),
		After:      settlement,
		Timestamp:  now,
	})
	return settlement, nil
}

// Get retrieves a settlement record
func (s *ReconcilerService) Get(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByReturnRef retrieves the latest settlement record for a return
func (s *ReconcilerService) GetByReturnRef(ctx context.Context, returnRef string) (*domain.SettlementRecord, error) {
	if returnRef == "" {
		return nil, domain.ErrReturnRefRequired
	}
	return s.repo.GetLatestByReturnRef(ctx, returnRef)
}

// ListEvents returns every external event received for a settlement
func (s *ReconcilerService) ListEvents(ctx context.Context, id uuid.UUID) ([]*domain.SettlementEvent, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, id)
}

func (ev *ExternalEvent) validate() error {
	if ev.SettlementID == uuid.Nil && ev.ReturnRef == "" {
		return domain.ErrReturnRefRequired
	}
	if _, ok := ev.Code.Target(); !ok {
		return domain.ErrEventCodeUnknown
	}
	if ev.Sequence <= 0 {
		return domain.ErrInvalidSequence
	}
	if ev.Code == domain.EventRefundPosted {
		if ev.RefundAmount == nil {
			return domain.ErrRefundAmountNeeded
		}
		if err := ValidateAmount(*ev.RefundAmount); err != nil {
			return err
		}
	}
	return nil
}

// ApplyExternalEvent applies a status event to its settlement. Events at or
// below the settlement's watermark are recorded as stale and change nothing.
// Illegal transitions and refunds that cannot cover the advance and fee are
// recorded with their reason and returned as policy errors.
func (s *ReconcilerService) ApplyExternalEvent(ctx context.Context, ev ExternalEvent) (*ReconcileResult, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	if ev.SourceTime.IsZero() {
		ev.SourceTime = s.clock()
	}

	settlementID := ev.SettlementID
	if settlementID == uuid.Nil {
		latest, err := s.repo.GetLatestByReturnRef(ctx, ev.ReturnRef)
		if err != nil {
			return nil, err
		}
		settlementID = latest.ID
	}

	var result *ReconcileResult
	err := retry.Do(ctx, s.retry, "reconciler.apply_event", func(ctx context.Context) error {
		return s.locker.WithLock(ctx, lock.SettlementKey(settlementID), func(ctx context.Context) error {
			r, err := s.apply(ctx, settlementID, ev)
			result = r
			return err
		})
	})
	return result, err
}

func (s *ReconcilerService) apply(ctx context.Context, settlementID uuid.UUID, ev ExternalEvent) (*ReconcileResult, error) {
	settlement, err := s.repo.GetByID(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	target, _ := ev.Code.Target()

	event := &domain.SettlementEvent{
		ID:           uuid.New(),
		SettlementID: settlement.ID,
		Sequence:     ev.Sequence,
		Code:         ev.Code,
		FromState:    settlement.State,
		ToState:      target,
		RefundAmount: ev.RefundAmount,
		SourceTime:   ev.SourceTime,
		ReceivedAt:   s.clock(),
	}

	if ev.Sequence <= settlement.LastEventSequence {
		event.ToState = settlement.State
		event.Outcome = domain.OutcomeStale
		s.logger.Info().
			Str("settlement_id", settlement.ID.String()).
			Int64("sequence", ev.Sequence).
			Int64("watermark", settlement.LastEventSequence).
			Msg("Discarding stale external event")
		if err := s.repo.RecordEvent(ctx, event); err != nil {
			return nil, err
		}
		s.metrics.ExternalEvent(string(ev.Code), string(domain.OutcomeStale))
		return &ReconcileResult{Settlement: settlement, Event: event}, nil
	}

	if !domain.CanTransition(settlement.State, target) {
		reason := fmt.Sprintf("%s cannot move from %s to %s", ev.Code, settlement.State, target)
		return s.refuse(ctx, settlement, event, domain.OutcomeRejected, reason, domain.ErrInvalidTransition)
	}

	if ev.Code == domain.EventRefundPosted {
		return s.applyRefund(ctx, settlement, event, ev)
	}

	updated := *settlement
	updated.State = target
	updated.LastEventSequence = ev.Sequence
	if ev.StatusCode != "" {
		updated.ExternalStatusCode = &ev.StatusCode
	}
	updated.UpdatedAt = event.ReceivedAt

	var intents []domain.Intent
	if target == domain.SettlementRejected {
		denied, err := s.denyPending(ctx, settlement.ReturnRef, "return rejected")
		if err != nil {
			return nil, err
		}
		intents = append(intents, denied...)
	}
	switch target {
	case domain.SettlementAccepted:
		intents = append(intents, newIntent(settlement.ClientRef, domain.IntentReturnAccepted, map[string]any{
			"settlementId": settlement.ID.String(),
			"returnRef":    settlement.ReturnRef,
		}))
	case domain.SettlementRejected:
		intents = append(intents, newIntent(settlement.ClientRef, domain.IntentReturnRejected, map[string]any{
			"settlementId": settlement.ID.String(),
			"returnRef":    settlement.ReturnRef,
			"statusCode":   ev.StatusCode,
			"reason":       ev.Reason,
		}))
	}

	return s.commit(ctx, settlement, &updated, event, ev.Reason, intents)
}

// applyRefund nets the refund against a disbursed advance and the product
// fee and credits the remainder to the client account. An advance approved
// but not yet paid is denied.
func (s *ReconcilerService) applyRefund(ctx context.Context, settlement *domain.SettlementRecord, event *domain.SettlementEvent, ev ExternalEvent) (*ReconcileResult, error) {
	refund := *ev.RefundAmount

	advance, err := s.outstandingAdvance(ctx, settlement.ReturnRef)
	if err != nil {
		return nil, err
	}

	net := refund.Sub(settlement.ProductFee)
	if advance != nil {
		net = net.Sub(advance.ApprovedAmount)
	}
	if net.IsNegative() {
		reason := fmt.Sprintf("net refund %s is negative", net.StringFixed(2))
		return s.refuse(ctx, settlement, event, domain.OutcomeFailed, reason, domain.ErrNegativeNet)
	}

	denied, err := s.denyPending(ctx, settlement.ReturnRef, "refund posted before disbursement")
	if err != nil {
		return nil, err
	}

	if net.IsPositive() {
		if _, err := s.ledger.Post(ctx, PostInput{
			AccountID:      settlement.AccountID,
			Kind:           domain.TxKindCredit,
			Amount:         net,
			IdempotencyKey: RefundKey(settlement.ID),
			Description:    "refund " + settlement.ReturnRef,
		}); err != nil {
			return nil, fmt.Errorf("credit refund for %s: %w", settlement.ID, err)
		}
	}

	if advance != nil && advance.Status == domain.AdvanceDisbursed {
		if _, err := s.advances.close(ctx, advance, domain.AdvanceRepaid, "netted against refund"); err != nil {
			return nil, err
		}
	}

	updated := *settlement
	updated.State = domain.SettlementRefundPosted
	updated.RefundAmount = &refund
	updated.NetAmount = &net
	updated.LastEventSequence = ev.Sequence
	if ev.StatusCode != "" {
		updated.ExternalStatusCode = &ev.StatusCode
	}
	updated.UpdatedAt = event.ReceivedAt

	intents := append(denied,
		newIntent(settlement.ClientRef, domain.IntentRefundPosted, map[string]any{
			"settlementId": settlement.ID.String(),
			"returnRef":    settlement.ReturnRef,
			"refundAmount": refund.StringFixed(2),
			"netAmount":    net.StringFixed(2),
		}),
		newIntent(settlement.ClientRef, domain.IntentAwardStatusFlag, map[string]any{
			"flag":      "refund_received",
			"returnRef": settlement.ReturnRef,
		}),
	)
	return s.commit(ctx, settlement, &updated, event, ev.Reason, intents)
}

// outstandingAdvance returns the advance netted against a return's refund.
// A repaid advance is returned too, so a refund retried after a partial
// failure nets the same amount.
func (s *ReconcilerService) outstandingAdvance(ctx context.Context, returnRef string) (*domain.Advance, error) {
	if s.advances == nil {
		return nil, nil
	}
	for _, status := range []domain.AdvanceStatus{domain.AdvanceDisbursed, domain.AdvanceRepaid} {
		advance, err := s.advances.repo.FindByReturnRef(ctx, returnRef, status)
		if err == nil {
			return advance, nil
		}
		if !errors.Is(err, domain.ErrAdvanceNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// denyPending denies the requested or approved advance on a return. A
// disbursed advance is left for netting.
func (s *ReconcilerService) denyPending(ctx context.Context, returnRef, reason string) ([]domain.Intent, error) {
	if s.advances == nil {
		return nil, nil
	}
	advance, err := s.advances.repo.GetOpenByReturnRef(ctx, returnRef)
	if errors.Is(err, domain.ErrAdvanceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if advance.Status == domain.AdvanceDisbursed {
		return nil, nil
	}
	result, err := s.advances.deny(ctx, advance, reason)
	if err != nil {
		return nil, err
	}
	return result.Intents, nil
}

// commit writes the new settlement state and its event row
func (s *ReconcilerService) commit(ctx context.Context, before, updated *domain.SettlementRecord, event *domain.SettlementEvent, reason string, intents []domain.Intent) (*ReconcileResult, error) {
	saved, err := s.repo.Update(ctx, updated)
	if err != nil {
		return nil, err
	}

	event.Outcome = domain.OutcomeApplied
	if reason != "" {
		event.Reason = &reason
	}
	if err := s.repo.RecordEvent(ctx, event); err != nil {
		return nil, err
	}

	s.metrics.ExternalEvent(string(event.Code), string(domain.OutcomeApplied))
	s.logger.Info().
		Str("settlement_id", saved.ID.String()).
		Str("from", string(before.State)).
		Str("to", string(saved.State)).
		Int64("sequence", event.Sequence).
		Time("source_time", event.SourceTime).
		Msg("Applied external event")
	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "settlement." + string(saved.State),
		EntityType: "settlement",
		EntityID:   saved.ID.String(),
		Before:     before,
		After:      saved,
		Reason:     reason,
		Timestamp:  event.SourceTime,
	})
	return &ReconcileResult{Settlement: saved, Event: event, Intents: intents}, nil
}

// refuse records an event that could not be applied. The settlement and its
// watermark are left unchanged.
func (s *ReconcilerService) refuse(ctx context.Context, settlement *domain.SettlementRecord, event *domain.SettlementEvent, outcome domain.EventOutcome, reason string, cause error) (*ReconcileResult, error) {
	event.Outcome = outcome
	event.ToState = settlement.State
	event.Reason = &reason
	if err := s.repo.RecordEvent(ctx, event); err != nil {
		return nil, err
	}

	s.metrics.ExternalEvent(string(event.Code), string(outcome))
	s.logger.Warn().
		Str("settlement_id", settlement.ID.String()).
		Str("code", string(event.Code)).
		Int64("sequence", event.Sequence).
		Str("reason", reason).
		Msg("External event not applied")
	recordAudit(ctx, s.audit, domain.AuditRecord{
		Action:     "settlement.event_" + string(outcome),
		EntityType: "settlement",
		EntityID:   settlement.ID.String(),
		Before:     settlement,
		After:      event,
		Reason:     reason,
		Timestamp:  event.SourceTime,
	})

	result := &ReconcileResult{Settlement: settlement, Event: event}
	if outcome == domain.OutcomeFailed {
		result.Intents = []domain.Intent{newIntent(OperationsRecipient, domain.IntentReconcileFailed, map[string]any{
			"settlementId": settlement.ID.String(),
			"returnRef":    settlement.ReturnRef,
			"reason":       reason,
		})}
	}
	return result, fmt.Errorf("%w: %s", cause, reason)
}

// Resubmit opens a new settlement record for a rejected return, linked to
// the rejected one. Resubmitting twice returns the same new record.
func (s *ReconcilerService) Resubmit(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error) {
	var created *domain.SettlementRecord
	err := s.locker.WithLock(ctx, lock.SettlementKey(id), func(ctx context.Context) error {
		rejected, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if rejected.State != domain.SettlementRejected {
			return fmt.Errorf("%w: only rejected settlements can be resubmitted", domain.ErrInvalidTransition)
		}

		latest, err := s.repo.GetLatestByReturnRef(ctx, rejected.ReturnRef)
		if err != nil {
			return err
		}
		if latest.ID != rejected.ID {
			if latest.PreviousID != nil && *latest.PreviousID == rejected.ID {
				created = latest
				return nil
			}
			return fmt.Errorf("%w: a newer record exists for return %s", domain.ErrInvalidTransition, rejected.ReturnRef)
		}

		now := s.clock()
		created, err = s.repo.Create(ctx, &domain.SettlementRecord{
			ID:              uuid.New(),
			ReturnRef:       rejected.ReturnRef,
			ClientRef:       rejected.ClientRef,
			AccountID:       rejected.AccountID,
			State:           domain.SettlementCreated,
			ExpectedRefund:  rejected.ExpectedRefund,
			RequestedAmount: rejected.RequestedAmount,
			ApprovedAmount:  rejected.ApprovedAmount,
			ProductFee:      rejected.ProductFee,
			PreviousID:      &rejected.ID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}

		recordAudit(ctx, s.audit, domain.AuditRecord{
			Action:     "settlement.resubmitted",
			EntityType: "settlement",
			EntityID:   created.ID.String(),
			Before:     rejected.ID.String(),
			After:      created,
			Timestamp:  now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
