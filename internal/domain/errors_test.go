package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("%w: daily limit is 5000.00", ErrLimitExceeded)

	assert.Equal(t, KindPolicy, KindOf(err))
	assert.Equal(t, "limit_exceeded", CodeOf(err))
	assert.True(t, errors.Is(err, ErrLimitExceeded))

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("boom")))
	assert.Empty(t, CodeOf(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"version conflict", ErrVersionConflict, true},
		{"wrapped timeout", fmt.Errorf("decode: %w", ErrExternalTimeout), true},
		{"lock unavailable", ErrLockUnavailable, true},
		{"already reversed", ErrAlreadyReversed, false},
		{"policy", ErrInsufficientFunds, false},
		{"validation", ErrInvalidAmount, false},
		{"unclassified", errors.New("disk full"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDepositStatus_Active(t *testing.T) {
	assert.True(t, DepositStatusProcessing.Active())
	assert.True(t, DepositStatusCleared.Active())
	assert.False(t, DepositStatusDeclined.Active())
	assert.False(t, DepositStatusReturned.Active())
}

func TestInstrumentKey_Complete(t *testing.T) {
	key := InstrumentKey{RoutingNumber: "021000021", AccountNumber: "123456789", InstrumentNumber: "0101"}
	assert.True(t, key.Complete())
	assert.Equal(t, "021000021:123456789:0101", key.String())

	key.InstrumentNumber = ""
	assert.False(t, key.Complete())
}
