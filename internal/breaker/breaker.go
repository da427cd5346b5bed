// Package breaker wraps calls to external collaborators in a circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Config holds breaker thresholds
type Config struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

// DefaultConfig returns thresholds for a named external service
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.5,
	}
}

// Breaker guards one external service
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger zerolog.Logger
}

// New creates a Breaker
func New(cfg Config, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		name:   cfg.Name,
		logger: logger.With().Str("component", "breaker").Str("service", cfg.Name).Logger(),
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio)
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return b
}

// countsAsSuccess keeps business rejections from tripping the breaker;
// only transport failures and timeouts count against the service.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindPolicy, domain.KindNotFound, domain.KindConflict:
		return true
	}
	return false
}

// Execute runs fn through the breaker. An open breaker fails fast with
// ErrExternalTimeout so callers treat it like any other unavailable service.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s unavailable: %w: %w", b.name, domain.ErrExternalTimeout, err)
	}
	return err
}

// State returns the current breaker state name
func (b *Breaker) State() string {
	return b.cb.State().String()
}
