package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerialisesSameKey(t *testing.T) {
	locker := NewLocalLocker()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "ledger:a", func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locker.Size())
}

func TestLocalLocker_DifferentKeysDoNotBlock(t *testing.T) {
	locker := NewLocalLocker()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locker.WithLock(context.Background(), "ledger:a", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := locker.WithLock(ctx, "ledger:b", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	close(release)
}

func TestLocalLocker_ContextCancelledWhileWaiting(t *testing.T) {
	locker := NewLocalLocker()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = locker.WithLock(context.Background(), "ledger:a", func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	called := false
	err := locker.WithLock(ctx, "ledger:a", func(ctx context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockUnavailable)
	assert.True(t, domain.IsRetryable(err))
	assert.False(t, called)

	close(release)
	<-done
	assert.Equal(t, 0, locker.Size())
}

func TestLocalLocker_PropagatesError(t *testing.T) {
	locker := NewLocalLocker()

	err := locker.WithLock(context.Background(), "k", func(ctx context.Context) error {
		return domain.ErrInsufficientFunds
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestAccountKey(t *testing.T) {
	id := uuid.MustParse("8d4b0f8e-3c1a-4f6e-9b47-2f0f3c3f9a11")
	assert.Equal(t, "ledger:8d4b0f8e-3c1a-4f6e-9b47-2f0f3c3f9a11", AccountKey(id))
}

func TestIntakeKey(t *testing.T) {
	id := uuid.MustParse("8d4b0f8e-3c1a-4f6e-9b47-2f0f3c3f9a11")
	assert.Equal(t, "deposit-intake:8d4b0f8e-3c1a-4f6e-9b47-2f0f3c3f9a11", IntakeKey(id))
	assert.NotEqual(t, AccountKey(id), IntakeKey(id))
}

func TestSettlementKey(t *testing.T) {
	id := uuid.MustParse("8d4b0f8e-3c1a-4f6e-9b47-2f0f3c3f9a11")
	assert.Equal(t, "settlement:8d4b0f8e-3c1a-4f6e-9b47-2f0f3c3f9a11", SettlementKey(id))
}
