package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	cfg := DefaultConfig("decoder")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	return cfg
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := New(testConfig(), zerolog.Nop())
	boom := errors.New("connection refused")

	assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, b.Execute(func() error { return boom }), boom)
	assert.Equal(t, "open", b.State())

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, domain.ErrExternalTimeout)
	assert.True(t, domain.IsRetryable(err))
}

func TestBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	b := New(testConfig(), zerolog.Nop())

	for i := 0; i < 5; i++ {
		err := b.Execute(func() error { return domain.ErrInvalidInput })
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_PassesThroughSuccess(t *testing.T) {
	b := New(testConfig(), zerolog.Nop())
	assert.NoError(t, b.Execute(func() error { return nil }))
}
