package service

import (
	"context"
	"errors"

	"github.com/rosstax/settlement-core/internal/domain"
)

// DuplicateGuard finds an active deposit already claiming an instrument
type DuplicateGuard struct {
	repo domain.DepositRepository
}

// NewDuplicateGuard creates a new DuplicateGuard
func NewDuplicateGuard(repo domain.DepositRepository) *DuplicateGuard {
	return &DuplicateGuard{repo: repo}
}

// CheckDuplicate returns the active deposit holding key, or nil. Incomplete
// keys cannot be checked and always return nil; callers flag those deposits
// as degraded.
func (g *DuplicateGuard) CheckDuplicate(ctx context.Context, key domain.InstrumentKey) (*domain.Deposit, error) {
	if !key.Complete() {
		return nil, nil
	}

	existing, err := g.repo.FindActiveByInstrument(ctx, key)
	if errors.Is(err, domain.ErrDepositNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return existing, nil
}
