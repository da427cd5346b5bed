package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestDo_RetriesConflicts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), "post", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("apply: %w", domain.ErrVersionConflict)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPolicyError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(4), "post", func(ctx context.Context) error {
		calls++
		return domain.ErrInsufficientFunds
	})

	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsOnUnclassifiedError(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), fastPolicy(4), "post", func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), "transfer", func(ctx context.Context) error {
		calls++
		return domain.ErrExternalTimeout
	})

	assert.ErrorIs(t, err, domain.ErrExternalTimeout)
	assert.Equal(t, 3, calls)
}

func TestDo_NoRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), NoRetry(), "transfer", func(ctx context.Context) error {
		calls++
		return domain.ErrExternalTimeout
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 10, InitialInterval: time.Second}, "post", func(ctx context.Context) error {
		calls++
		return domain.ErrVersionConflict
	})

	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
