package service

import (
	"context"
	"testing"
	"time"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHoldReleaseWorker(interval time.Duration) (*HoldReleaseWorker, *depositFixture, *testutil.IntentRecorder) {
	f := setupDepositService()
	recorder := &testutil.IntentRecorder{}
	worker := NewHoldReleaseWorker(f.svc, recorder, zerolog.Nop(), HoldReleaseWorkerConfig{Interval: interval})
	return worker, f, recorder
}

func TestHoldReleaseWorker_DefaultConfig(t *testing.T) {
	assert.Equal(t, 15*time.Minute, DefaultHoldReleaseWorkerConfig().Interval)

	worker := NewHoldReleaseWorker(nil, nil, zerolog.Nop(), HoldReleaseWorkerConfig{})
	assert.Equal(t, 15*time.Minute, worker.interval)
	assert.False(t, worker.IsRunning())
}

func TestHoldReleaseWorker_RunOnce(t *testing.T) {
	worker, f, recorder := setupHoldReleaseWorker(time.Hour)
	account := seedAccount(f.ledgerRepo, domain.TierBusiness, "0")

	submitted, err := f.submit(t, account, "2500", f.check(1))
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), submitted.Deposit.ID)
	require.NoError(t, err)

	worker.SetClock(fixedClock(testNow))
	summary := worker.RunOnce(context.Background())
	assert.Equal(t, 0, summary.Released)
	assert.Equal(t, 0, recorder.Count())

	worker.SetClock(fixedClock(*submitted.Deposit.FundsAvailableAt))
	summary = worker.RunOnce(context.Background())
	assert.Equal(t, 1, summary.Released)
	assert.Equal(t, 1, summary.Cleared)
	require.Equal(t, 1, recorder.Count())
	assert.Equal(t, domain.IntentFundsAvailable, recorder.Intents[0].Type)

	summary = worker.RunOnce(context.Background())
	assert.Equal(t, 0, summary.Released)
	assert.Equal(t, 1, recorder.Count())
}

func TestHoldReleaseWorker_StartStop(t *testing.T) {
	worker, _, _ := setupHoldReleaseWorker(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	worker.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, worker.IsRunning())

	worker.Stop()
	assert.False(t, worker.IsRunning())

	// Stopping a stopped worker is a no-op
	worker.Stop()
}

func TestHoldReleaseWorker_StopsOnContextCancel(t *testing.T) {
	worker, _, _ := setupHoldReleaseWorker(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx)
	time.Sleep(30 * time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return !worker.IsRunning() }, time.Second, 10*time.Millisecond)
}
