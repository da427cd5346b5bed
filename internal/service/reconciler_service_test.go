package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extEvent(s *domain.SettlementRecord, code domain.EventCode, seq int64) ExternalEvent {
	return ExternalEvent{
		SettlementID: s.ID,
		Code:         code,
		Sequence:     seq,
		SourceTime:   testNow,
	}
}

func refundEvent(s *domain.SettlementRecord, amount string, seq int64) ExternalEvent {
	ev := extEvent(s, domain.EventRefundPosted, seq)
	refund := dec(amount)
	ev.RefundAmount = &refund
	return ev
}

func TestReconcilerService_CreateSettlement(t *testing.T) {
	f := setupSettlementFixture()

	s := f.settlement(t, "4200", "40")
	assert.Equal(t, domain.SettlementCreated, s.State)
	assert.Equal(t, f.account.OwnerRef, s.ClientRef)
	assert.Equal(t, int64(0), s.LastEventSequence)

	_, err := f.reconciler.CreateSettlement(context.Background(), CreateSettlementInput{AccountID: f.account.ID})
	assert.ErrorIs(t, err, domain.ErrReturnRefRequired)

	_, err = f.reconciler.CreateSettlement(context.Background(), CreateSettlementInput{
		ReturnRef:  "RET-1",
		AccountID:  f.account.ID,
		ProductFee: dec("-1"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.reconciler.CreateSettlement(context.Background(), CreateSettlementInput{ReturnRef: "RET-1", AccountID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestReconcilerService_ApplyExternalEvent_Validation(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")

	tests := []struct {
		name    string
		ev      ExternalEvent
		wantErr error
	}{
		{"no reference", ExternalEvent{Code: domain.EventAccepted, Sequence: 1}, domain.ErrReturnRefRequired},
		{"unknown code", extEvent(s, "audited", 1), domain.ErrEventCodeUnknown},
		{"zero sequence", extEvent(s, domain.EventAccepted, 0), domain.ErrInvalidSequence},
		{"refund without amount", extEvent(s, domain.EventRefundPosted, 1), domain.ErrRefundAmountNeeded},
		{"negative refund", refundEvent(s, "-5", 1), domain.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reconciler.ApplyExternalEvent(context.Background(), tt.ev)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, f.settlements.Events)
}

func TestReconcilerService_Lifecycle(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	ctx := context.Background()

	r, err := f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventTransmitted, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementTransmitted, r.Settlement.State)
	assert.Empty(t, r.Intents)

	ev := extEvent(s, domain.EventAccepted, 2)
	ev.StatusCode = "A01"
	r, err = f.reconciler.ApplyExternalEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementAccepted, r.Settlement.State)
	assert.Equal(t, "A01", *r.Settlement.ExternalStatusCode)
	assert.Equal(t, int64(2), r.Settlement.LastEventSequence)
	assert.Equal(t, []domain.IntentType{domain.IntentReturnAccepted}, intentTypes(r.Intents))

	r, err = f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventRefundPending, 3))
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementRefundPending, r.Settlement.State)

	events, err := f.reconciler.ListEvents(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, e := range events {
		assert.Equal(t, domain.OutcomeApplied, e.Outcome)
	}
	assert.Equal(t, domain.SettlementTransmitted, events[1].FromState)
	assert.Equal(t, domain.SettlementAccepted, events[1].ToState)
}

func TestReconcilerService_RefundNetsAdvanceAndFee(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	advance := f.disbursed(t, s, "3000")
	ctx := context.Background()

	_, err := f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventAccepted, 1))
	require.NoError(t, err)

	r, err := f.reconciler.ApplyExternalEvent(ctx, refundEvent(s, "4200", 2))
	require.NoError(t, err)

	assert.Equal(t, domain.SettlementRefundPosted, r.Settlement.State)
	assert.True(t, r.Settlement.RefundAmount.Equal(dec("4200")))
	assert.True(t, r.Settlement.NetAmount.Equal(dec("1160")))
	assert.Equal(t, []domain.IntentType{domain.IntentRefundPosted, domain.IntentAwardStatusFlag}, intentTypes(r.Intents))
	assert.Equal(t, "refund_received", r.Intents[1].Payload["flag"])

	repaid, err := f.advances.Get(ctx, advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceRepaid, repaid.Status)
	assert.NotNil(t, repaid.ClosedAt)

	credit, err := f.ledgerRepo.GetTransactionByKey(ctx, f.account.ID, RefundKey(s.ID))
	require.NoError(t, err)
	assert.True(t, credit.Amount.Equal(dec("1160")))
	assert.True(t, f.ledgerRepo.Account(f.account.ID).Balance.Equal(dec("4160")))
}

func TestReconcilerService_RefundDeniesUndisbursedAdvance(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	ctx := context.Background()
	requested, err := f.advances.Request(ctx, s.ID, dec("3000"))
	require.NoError(t, err)
	require.Equal(t, domain.AdvanceApproved, requested.Advance.Status)

	r, err := f.reconciler.ApplyExternalEvent(ctx, refundEvent(s, "4200", 1))
	require.NoError(t, err)
	assert.True(t, r.Settlement.NetAmount.Equal(dec("4160")))
	assert.Equal(t, []domain.IntentType{domain.IntentAdvanceDenied, domain.IntentRefundPosted, domain.IntentAwardStatusFlag}, intentTypes(r.Intents))

	denied, err := f.advances.Get(ctx, requested.Advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDenied, denied.Status)
	assert.NotNil(t, denied.ClosedAt)

	// The refund already reached the client, so the advance can never be paid
	_, err = f.advances.Disburse(ctx, requested.Advance.ID)
	assert.ErrorIs(t, err, domain.ErrAdvanceNotApproved)
	assert.Equal(t, 0, f.gateway.Calls())
	assert.True(t, f.ledgerRepo.Account(f.account.ID).Balance.Equal(dec("4160")))
}

func TestReconcilerService_RejectionDeniesUndisbursedAdvance(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	ctx := context.Background()
	requested, err := f.advances.Request(ctx, s.ID, dec("3000"))
	require.NoError(t, err)

	r, err := f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventRejected, 1))
	require.NoError(t, err)
	assert.Equal(t, []domain.IntentType{domain.IntentAdvanceDenied, domain.IntentReturnRejected}, intentTypes(r.Intents))

	denied, err := f.advances.Get(ctx, requested.Advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDenied, denied.Status)

	// The resubmitted settlement may carry a fresh advance
	resubmitted, err := f.reconciler.Resubmit(ctx, s.ID)
	require.NoError(t, err)
	again, err := f.advances.Request(ctx, resubmitted.ID, dec("3000"))
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceApproved, again.Advance.Status)
}

func TestReconcilerService_ResubmitKeepsOneAdvancePerReturn(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	ctx := context.Background()
	advance := f.disbursed(t, s, "3000")

	r, err := f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventRejected, 1))
	require.NoError(t, err)
	assert.Equal(t, []domain.IntentType{domain.IntentReturnRejected}, intentTypes(r.Intents))

	resubmitted, err := f.reconciler.Resubmit(ctx, s.ID)
	require.NoError(t, err)

	_, err = f.advances.Request(ctx, resubmitted.ID, dec("3000"))
	assert.ErrorIs(t, err, domain.ErrAdvanceExists)
	assert.Len(t, f.advanceRepo.Advances, 1)
	assert.Equal(t, 1, f.gateway.Calls())

	// The refund on the resubmitted settlement nets the original advance
	r, err = f.reconciler.ApplyExternalEvent(ctx, refundEvent(resubmitted, "4200", 1))
	require.NoError(t, err)
	assert.True(t, r.Settlement.NetAmount.Equal(dec("1160")))

	repaid, err := f.advances.Get(ctx, advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceRepaid, repaid.Status)
	assert.True(t, f.ledgerRepo.Account(f.account.ID).Balance.Equal(dec("4160")))
}

func TestReconcilerService_RefundWithoutAdvance(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "1500", "40")

	r, err := f.reconciler.ApplyExternalEvent(context.Background(), refundEvent(s, "1500", 1))
	require.NoError(t, err)
	assert.True(t, r.Settlement.NetAmount.Equal(dec("1460")))
	assert.True(t, f.ledgerRepo.Account(f.account.ID).AvailableBalance.Equal(dec("1460")))
}

func TestReconcilerService_RefundFullyConsumedByFee(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "40", "40")

	r, err := f.reconciler.ApplyExternalEvent(context.Background(), refundEvent(s, "40", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementRefundPosted, r.Settlement.State)
	assert.True(t, r.Settlement.NetAmount.IsZero())
	assert.Equal(t, 0, f.ledgerRepo.MutationCount())
}

func TestReconcilerService_NegativeNetIsRefused(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	advance := f.disbursed(t, s, "3000")
	ctx := context.Background()

	_, err := f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventRefundPending, 1))
	require.NoError(t, err)
	mutations := f.ledgerRepo.MutationCount()

	r, err := f.reconciler.ApplyExternalEvent(ctx, refundEvent(s, "2000", 2))
	assert.ErrorIs(t, err, domain.ErrNegativeNet)
	assert.Equal(t, domain.KindPolicy, domain.KindOf(err))
	require.NotNil(t, r)
	assert.Equal(t, domain.OutcomeFailed, r.Event.Outcome)
	assert.Contains(t, *r.Event.Reason, "-1040.00")
	require.Len(t, r.Intents, 1)
	assert.Equal(t, domain.IntentReconcileFailed, r.Intents[0].Type)
	assert.Equal(t, OperationsRecipient, r.Intents[0].Recipient)

	stored, err := f.reconciler.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementRefundPending, stored.State)
	assert.Equal(t, int64(1), stored.LastEventSequence)
	assert.Nil(t, stored.NetAmount)
	assert.Equal(t, mutations, f.ledgerRepo.MutationCount())

	still, err := f.advances.Get(ctx, advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDisbursed, still.Status)

	// A corrected event with the same sequence is not stale
	r, err = f.reconciler.ApplyExternalEvent(ctx, refundEvent(s, "4200", 2))
	require.NoError(t, err)
	assert.True(t, r.Settlement.NetAmount.Equal(dec("1160")))
}

func TestReconcilerService_StaleEventIsNoOp(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	ctx := context.Background()

	_, err := f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventAccepted, 5))
	require.NoError(t, err)

	for _, ev := range []ExternalEvent{
		extEvent(s, domain.EventTransmitted, 3),
		extEvent(s, domain.EventAccepted, 5),
		extEvent(s, domain.EventRejected, 4),
	} {
		r, err := f.reconciler.ApplyExternalEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeStale, r.Event.Outcome)
		assert.Equal(t, domain.SettlementAccepted, r.Settlement.State)
		assert.Empty(t, r.Intents)
	}

	stored, err := f.reconciler.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementAccepted, stored.State)
	assert.Equal(t, int64(5), stored.LastEventSequence)
	assert.Len(t, f.settlements.Events, 4)
}

func TestReconcilerService_IllegalTransitionIsRecorded(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	ctx := context.Background()

	_, err := f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventAccepted, 1))
	require.NoError(t, err)

	r, err := f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventRejected, 2))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.NotNil(t, r)
	assert.Equal(t, domain.OutcomeRejected, r.Event.Outcome)
	assert.Equal(t, domain.SettlementAccepted, r.Event.ToState)
	assert.Empty(t, r.Intents)

	stored, err := f.reconciler.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementAccepted, stored.State)
	assert.Equal(t, int64(1), stored.LastEventSequence)
	assert.Contains(t, f.audit.Actions(), "settlement.event_rejected")
}

func TestReconcilerService_ResolvesByReturnRef(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")

	r, err := f.reconciler.ApplyExternalEvent(context.Background(), ExternalEvent{
		ReturnRef: s.ReturnRef,
		Code:      domain.EventTransmitted,
		Sequence:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, s.ID, r.Settlement.ID)
	assert.Equal(t, testNow, r.Event.SourceTime)

	_, err = f.reconciler.ApplyExternalEvent(context.Background(), ExternalEvent{
		ReturnRef: "RET-unknown",
		Code:      domain.EventTransmitted,
		Sequence:  1,
	})
	assert.ErrorIs(t, err, domain.ErrSettlementMissing)
}

func TestReconcilerService_RefundRetriedAfterPartialFailure(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	advance := f.disbursed(t, s, "3000")
	ctx := context.Background()

	f.settlements.UpdateFn = func(*domain.SettlementRecord) (*domain.SettlementRecord, error) {
		f.settlements.UpdateFn = nil
		return nil, errors.New("connection reset")
	}

	_, err := f.reconciler.ApplyExternalEvent(ctx, refundEvent(s, "4200", 1))
	require.Error(t, err)
	mutations := f.ledgerRepo.MutationCount()

	repaid, err := f.advances.Get(ctx, advance.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AdvanceRepaid, repaid.Status)

	r, err := f.reconciler.ApplyExternalEvent(ctx, refundEvent(s, "4200", 1))
	require.NoError(t, err)
	assert.True(t, r.Settlement.NetAmount.Equal(dec("1160")))
	assert.Equal(t, mutations, f.ledgerRepo.MutationCount())
	assert.True(t, f.ledgerRepo.Account(f.account.ID).Balance.Equal(dec("4160")))
}

func TestReconcilerService_ConcurrentDuplicateDeliveries(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "1500", "40")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		stale   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.reconciler.ApplyExternalEvent(context.Background(), refundEvent(s, "1500", 1))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch r.Event.Outcome {
			case domain.OutcomeApplied:
				applied++
			case domain.OutcomeStale:
				stale++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 7, stale)
	assert.True(t, f.ledgerRepo.Account(f.account.ID).Balance.Equal(decimal.NewFromInt(1460)))
}

func TestReconcilerService_Resubmit(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	ctx := context.Background()

	_, err := f.reconciler.Resubmit(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	ev := extEvent(s, domain.EventRejected, 1)
	ev.StatusCode = "R0000-500"
	ev.Reason = "dependent SSN already claimed"
	r, err := f.reconciler.ApplyExternalEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, []domain.IntentType{domain.IntentReturnRejected}, intentTypes(r.Intents))

	created, err := f.reconciler.Resubmit(ctx, s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, created.ID)
	assert.Equal(t, domain.SettlementCreated, created.State)
	assert.Equal(t, s.ID, *created.PreviousID)
	assert.Equal(t, s.ReturnRef, created.ReturnRef)
	assert.True(t, created.ExpectedRefund.Equal(s.ExpectedRefund))

	again, err := f.reconciler.Resubmit(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	latest, err := f.reconciler.GetByReturnRef(ctx, s.ReturnRef)
	require.NoError(t, err)
	assert.Equal(t, created.ID, latest.ID)

	// The rejected record stays terminal
	_, err = f.reconciler.ApplyExternalEvent(ctx, extEvent(s, domain.EventAccepted, 2))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
