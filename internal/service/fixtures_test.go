package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/lock"
	"github.com/rosstax/settlement-core/internal/retry"
	"github.com/rosstax/settlement-core/internal/testutil"
	"github.com/shopspring/decimal"
)

// Wednesday 2026-03-04 10:00 UTC
var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

var fastRetry = retry.Policy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	Multiplier:      1,
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedAccount(repo *testutil.MockLedgerRepository, tier domain.AccountTier, balance string) *domain.LedgerAccount {
	account := &domain.LedgerAccount{
		ID:               uuid.New(),
		OwnerRef:         "client-" + string(tier),
		Tier:             tier,
		Balance:          dec(balance),
		AvailableBalance: dec(balance),
		Status:           domain.AccountStatusActive,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	repo.AddAccount(account)
	return account
}

func setupLedgerService() (*LedgerService, *testutil.MockLedgerRepository, *testutil.AuditRecorder) {
	repo := testutil.NewMockLedgerRepository()
	audit := &testutil.AuditRecorder{}
	svc := NewLedgerService(repo, lock.NewLocalLocker())
	svc.SetAuditSink(audit)
	svc.SetClock(fixedClock(testNow))
	svc.SetRetryPolicy(fastRetry)
	return svc, repo, audit
}
