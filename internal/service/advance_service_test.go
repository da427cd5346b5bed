package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/lock"
	"github.com/rosstax/settlement-core/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// settlementFixture wires the advance and reconciler services over shared mocks
type settlementFixture struct {
	ledger      *LedgerService
	ledgerRepo  *testutil.MockLedgerRepository
	settlements *testutil.MockSettlementRepository
	advanceRepo *testutil.MockAdvanceRepository
	gateway     *testutil.MockGateway
	audit       *testutil.AuditRecorder
	advances    *AdvanceService
	reconciler  *ReconcilerService
	account     *domain.LedgerAccount
}

func setupSettlementFixture() *settlementFixture {
	ledger, ledgerRepo, audit := setupLedgerService()
	locker := lock.NewLocalLocker()
	settlements := testutil.NewMockSettlementRepository()
	advanceRepo := testutil.NewMockAdvanceRepository()
	gw := testutil.NewMockGateway()

	advances := NewAdvanceService(advanceRepo, settlements, ledger, gw, locker)
	advances.SetAuditSink(audit)
	advances.SetClock(fixedClock(testNow))
	advances.SetRetryPolicy(fastRetry)

	reconciler := NewReconcilerService(settlements, advances, ledger, locker)
	reconciler.SetAuditSink(audit)
	reconciler.SetClock(fixedClock(testNow))
	reconciler.SetRetryPolicy(fastRetry)

	return &settlementFixture{
		ledger:      ledger,
		ledgerRepo:  ledgerRepo,
		settlements: settlements,
		advanceRepo: advanceRepo,
		gateway:     gw,
		audit:       audit,
		advances:    advances,
		reconciler:  reconciler,
		account:     seedAccount(ledgerRepo, domain.TierPremium, "0"),
	}
}

func (f *settlementFixture) settlement(t *testing.T, expected, fee string) *domain.SettlementRecord {
	t.Helper()
	s, err := f.reconciler.CreateSettlement(context.Background(), CreateSettlementInput{
		ReturnRef:      "RET-" + uuid.NewString()[:8],
		AccountID:      f.account.ID,
		ExpectedRefund: dec(expected),
		ProductFee:     dec(fee),
	})
	require.NoError(t, err)
	return s
}

func (f *settlementFixture) disbursed(t *testing.T, settlement *domain.SettlementRecord, amount string) *domain.Advance {
	t.Helper()
	requested, err := f.advances.Request(context.Background(), settlement.ID, dec(amount))
	require.NoError(t, err)
	require.Equal(t, domain.AdvanceApproved, requested.Advance.Status)
	result, err := f.advances.Disburse(context.Background(), requested.Advance.ID)
	require.NoError(t, err)
	return result.Advance
}

func TestCeilingPolicy_Evaluate(t *testing.T) {
	policy := NewCeilingPolicy(DefaultAdvanceCeiling)
	open := &domain.SettlementRecord{
		State:          domain.SettlementTransmitted,
		ExpectedRefund: dec("4200"),
		ProductFee:     dec("40"),
	}

	tests := []struct {
		name       string
		requested  string
		settlement *domain.SettlementRecord
		approved   bool
		reason     string
	}{
		{"within ceiling", "3000", open, true, ""},
		{"at ceiling", "3500", open, true, ""},
		{"over ceiling", "3500.01", open, false, DenyOverCeiling},
		{"no expected refund", "100", &domain.SettlementRecord{State: domain.SettlementCreated, ExpectedRefund: dec("0")}, false, DenyNoExpectedRefund},
		{"rejected return", "100", &domain.SettlementRecord{State: domain.SettlementRejected, ExpectedRefund: dec("4200")}, false, DenySettlementClosed},
		{"refund already posted", "100", &domain.SettlementRecord{State: domain.SettlementRefundPosted, ExpectedRefund: dec("4200")}, false, DenySettlementClosed},
		{"fee pushes past refund", "3000", &domain.SettlementRecord{State: domain.SettlementCreated, ExpectedRefund: dec("3000"), ProductFee: dec("40")}, false, DenyRefundInsufficient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := policy.Evaluate(context.Background(), dec(tt.requested), tt.settlement)
			require.NoError(t, err)
			assert.Equal(t, tt.approved, decision.Approved)
			if tt.approved {
				assert.True(t, decision.Amount.Equal(dec(tt.requested)))
			} else {
				assert.Equal(t, tt.reason, decision.Reason)
			}
		})
	}
}

func TestAdvanceService_Request_Approved(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")

	result, err := f.advances.Request(context.Background(), s.ID, dec("3000"))
	require.NoError(t, err)

	a := result.Advance
	assert.Equal(t, domain.AdvanceApproved, a.Status)
	assert.True(t, a.ApprovedAmount.Equal(dec("3000")))
	assert.Equal(t, s.ReturnRef, a.ReturnRef)
	assert.Equal(t, f.account.ID, a.AccountID)
	assert.Nil(t, a.ClosedAt)
	require.Len(t, result.Intents, 1)
	assert.Equal(t, domain.IntentAdvanceApproved, result.Intents[0].Type)
	assert.Contains(t, f.audit.Actions(), "advance.approved")
}

func TestAdvanceService_Request_DeniedOverCeiling(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "9000", "40")

	result, err := f.advances.Request(context.Background(), s.ID, dec("5000"))
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDenied, result.Advance.Status)
	assert.Equal(t, DenyOverCeiling, *result.Advance.DecisionReason)
	assert.True(t, result.Advance.ApprovedAmount.IsZero())
	assert.NotNil(t, result.Advance.ClosedAt)
	assert.Equal(t, domain.IntentAdvanceDenied, result.Intents[0].Type)

	// A denied advance does not block a smaller request
	again, err := f.advances.Request(context.Background(), s.ID, dec("3000"))
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceApproved, again.Advance.Status)
}

func TestAdvanceService_Request_OneOpenAdvancePerReturn(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")

	_, err := f.advances.Request(context.Background(), s.ID, dec("1000"))
	require.NoError(t, err)

	_, err = f.advances.Request(context.Background(), s.ID, dec("500"))
	assert.ErrorIs(t, err, domain.ErrAdvanceExists)
	assert.Len(t, f.advanceRepo.Advances, 1)
}

func TestAdvanceService_Request_Validation(t *testing.T) {
	f := setupSettlementFixture()

	_, err := f.advances.Request(context.Background(), uuid.New(), dec("100"))
	assert.ErrorIs(t, err, domain.ErrSettlementMissing)

	s := f.settlement(t, "4200", "40")
	_, err = f.advances.Request(context.Background(), s.ID, dec("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.advances.Request(context.Background(), s.ID, dec("10.005"))
	assert.ErrorIs(t, err, domain.ErrAmountPrecision)
}

func TestAdvanceService_Disburse(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	requested, err := f.advances.Request(context.Background(), s.ID, dec("3000"))
	require.NoError(t, err)
	id := requested.Advance.ID

	result, err := f.advances.Disburse(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, result.Replayed)

	a := result.Advance
	assert.Equal(t, domain.AdvanceDisbursed, a.Status)
	require.NotNil(t, a.TransferID)
	assert.Equal(t, "tr_"+DisbursementKey(id), *a.TransferID)
	require.NotNil(t, a.DisbursementTxID)
	assert.NotNil(t, a.DisbursedAt)
	assert.Equal(t, []domain.IntentType{domain.IntentAdvanceDisbursed, domain.IntentAwardStatusFlag}, intentTypes(result.Intents))
	assert.Equal(t, "advance_recipient", result.Intents[1].Payload["flag"])

	tx, err := f.ledger.GetTransaction(context.Background(), *a.DisbursementTxID)
	require.NoError(t, err)
	assert.Equal(t, DisbursementKey(id), tx.IdempotencyKey)
	assert.Equal(t, domain.TxStatusPosted, tx.Status)
	assert.True(t, f.ledgerRepo.Account(f.account.ID).AvailableBalance.Equal(dec("3000")))

	require.Len(t, f.gateway.Requests, 1)
	assert.Equal(t, DisbursementKey(id), f.gateway.Requests[0].IdempotencyKey)
	assert.True(t, f.gateway.Requests[0].Amount.Equal(dec("3000")))
}

func TestAdvanceService_Disburse_ReplayDoesNotPayTwice(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	a := f.disbursed(t, s, "3000")
	mutations := f.ledgerRepo.MutationCount()

	again, err := f.advances.Disburse(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Empty(t, again.Intents)
	assert.Equal(t, 1, f.gateway.Calls())
	assert.Equal(t, mutations, f.ledgerRepo.MutationCount())
}

func TestAdvanceService_Disburse_RetriesTransientTimeout(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	requested, err := f.advances.Request(context.Background(), s.ID, dec("2000"))
	require.NoError(t, err)
	f.gateway.Errors = []error{domain.ErrExternalTimeout}

	result, err := f.advances.Disburse(context.Background(), requested.Advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDisbursed, result.Advance.Status)
	assert.Equal(t, 2, f.gateway.Calls())
	assert.Equal(t, f.gateway.Requests[0].IdempotencyKey, f.gateway.Requests[1].IdempotencyKey)
}

func TestAdvanceService_Disburse_GatewayDownLeavesLedgerUntouched(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	requested, err := f.advances.Request(context.Background(), s.ID, dec("2000"))
	require.NoError(t, err)
	mutations := f.ledgerRepo.MutationCount()
	f.gateway.Errors = []error{domain.ErrExternalTimeout, domain.ErrExternalTimeout, domain.ErrExternalTimeout}

	_, err = f.advances.Disburse(context.Background(), requested.Advance.ID)
	assert.ErrorIs(t, err, domain.ErrExternalTimeout)
	assert.Equal(t, 3, f.gateway.Calls())
	assert.Equal(t, mutations, f.ledgerRepo.MutationCount())

	stored, err := f.advances.Get(context.Background(), requested.Advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceApproved, stored.Status)

	// Once the partner recovers the same request goes through
	result, err := f.advances.Disburse(context.Background(), requested.Advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDisbursed, result.Advance.Status)
}

func TestAdvanceService_Disburse_RejectedTransferIsNotRetried(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	requested, err := f.advances.Request(context.Background(), s.ID, dec("2000"))
	require.NoError(t, err)
	f.gateway.Errors = []error{domain.ErrTransferRejected}

	_, err = f.advances.Disburse(context.Background(), requested.Advance.ID)
	assert.ErrorIs(t, err, domain.ErrTransferRejected)
	assert.Equal(t, 1, f.gateway.Calls())
}

func TestAdvanceService_Disburse_RecoversAfterStatusWriteFails(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	requested, err := f.advances.Request(context.Background(), s.ID, dec("2000"))
	require.NoError(t, err)

	f.advanceRepo.UpdateFn = func(a *domain.Advance, from domain.AdvanceStatus) (*domain.Advance, error) {
		f.advanceRepo.UpdateFn = nil
		return nil, errors.New("connection reset")
	}

	_, err = f.advances.Disburse(context.Background(), requested.Advance.ID)
	require.Error(t, err)
	mutations := f.ledgerRepo.MutationCount()

	result, err := f.advances.Disburse(context.Background(), requested.Advance.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDisbursed, result.Advance.Status)
	// The transfer was asked for twice under one key and credited once
	assert.Equal(t, 2, f.gateway.Calls())
	assert.Equal(t, f.gateway.Requests[0].IdempotencyKey, f.gateway.Requests[1].IdempotencyKey)
	assert.Equal(t, mutations, f.ledgerRepo.MutationCount())
	assert.True(t, f.ledgerRepo.Account(f.account.ID).Balance.Equal(dec("2000")))
}

func TestAdvanceService_Disburse_RequiresApproval(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "9000", "40")
	denied, err := f.advances.Request(context.Background(), s.ID, dec("5000"))
	require.NoError(t, err)

	_, err = f.advances.Disburse(context.Background(), denied.Advance.ID)
	assert.ErrorIs(t, err, domain.ErrAdvanceNotApproved)
	assert.Equal(t, 0, f.gateway.Calls())
}

func TestAdvanceService_Disburse_RefusedOnceSettlementIsClosed(t *testing.T) {
	for _, state := range []domain.SettlementState{domain.SettlementRejected, domain.SettlementRefundPosted} {
		t.Run(string(state), func(t *testing.T) {
			f := setupSettlementFixture()
			s := f.settlement(t, "4200", "40")
			requested, err := f.advances.Request(context.Background(), s.ID, dec("3000"))
			require.NoError(t, err)
			require.Equal(t, domain.AdvanceApproved, requested.Advance.Status)

			f.settlements.Settlements[s.ID].State = state

			_, err = f.advances.Disburse(context.Background(), requested.Advance.ID)
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			assert.Equal(t, 0, f.gateway.Calls())
			assert.Equal(t, 0, f.ledgerRepo.MutationCount())

			stored, err := f.advances.Get(context.Background(), requested.Advance.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.AdvanceApproved, stored.Status)
		})
	}
}

func TestAdvanceService_Deny(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	requested, err := f.advances.Request(context.Background(), s.ID, dec("1000"))
	require.NoError(t, err)
	id := requested.Advance.ID

	_, err = f.advances.Deny(context.Background(), id, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	denied, err := f.advances.Deny(context.Background(), id, "client withdrew")
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDenied, denied.Advance.Status)
	assert.Equal(t, "client withdrew", *denied.Advance.DecisionReason)

	again, err := f.advances.Deny(context.Background(), id, "client withdrew")
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	_, err = f.advances.Disburse(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrAdvanceNotApproved)
}

func TestAdvanceService_Deny_AfterDisbursementFails(t *testing.T) {
	f := setupSettlementFixture()
	a := f.disbursed(t, f.settlement(t, "4200", "40"), "1000")

	_, err := f.advances.Deny(context.Background(), a.ID, "too late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestAdvanceService_MarkDefaulted(t *testing.T) {
	f := setupSettlementFixture()
	s := f.settlement(t, "4200", "40")
	requested, err := f.advances.Request(context.Background(), s.ID, dec("1000"))
	require.NoError(t, err)

	_, err = f.advances.MarkDefaulted(context.Background(), requested.Advance.ID, "return rejected")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.advances.Disburse(context.Background(), requested.Advance.ID)
	require.NoError(t, err)

	defaulted, err := f.advances.MarkDefaulted(context.Background(), requested.Advance.ID, "return rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceDefaulted, defaulted.Advance.Status)
	assert.NotNil(t, defaulted.Advance.ClosedAt)

	again, err := f.advances.MarkDefaulted(context.Background(), requested.Advance.ID, "return rejected")
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	// A closed advance no longer blocks the settlement
	next, err := f.advances.Request(context.Background(), s.ID, dec("500"))
	require.NoError(t, err)
	assert.Equal(t, domain.AdvanceApproved, next.Advance.Status)
}
