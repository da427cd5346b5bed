package service

import (
	"time"

	"github.com/rosstax/settlement-core/internal/calendar"
	"github.com/rosstax/settlement-core/internal/domain"
)

// HoldScheduler decides when deposited funds become available. It is pure:
// the same inputs always give the same date.
type HoldScheduler struct {
	calendar *calendar.Calendar
	policies map[domain.AccountTier]domain.HoldPolicy
}

// NewHoldScheduler creates a HoldScheduler with the default tier policies
func NewHoldScheduler(cal *calendar.Calendar) *HoldScheduler {
	return &HoldScheduler{calendar: cal, policies: domain.DefaultHoldPolicies}
}

// SetPolicies overrides the per-tier hold schedule
func (h *HoldScheduler) SetPolicies(policies map[domain.AccountTier]domain.HoldPolicy) {
	h.policies = policies
}

// HoldDays returns the number of business days a deposit is held
func (h *HoldScheduler) HoldDays(tier domain.AccountTier, firstInstrument bool) (int, error) {
	policy, ok := h.policies[tier]
	if !ok {
		return 0, domain.ErrInvalidTier
	}
	if firstInstrument {
		return policy.FirstInstrumentDays, nil
	}
	return policy.RegularDays, nil
}

// ComputeAvailability returns the UTC date on which funds deposited at from
// become available. Weekends and calendar holidays are not counted.
func (h *HoldScheduler) ComputeAvailability(from time.Time, tier domain.AccountTier, firstInstrument bool) (time.Time, error) {
	days, err := h.HoldDays(tier, firstInstrument)
	if err != nil {
		return time.Time{}, err
	}
	return h.calendar.AddBusinessDays(from, days), nil
}
