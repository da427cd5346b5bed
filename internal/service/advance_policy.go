package service

import (
	"context"
	"fmt"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultAdvanceCeiling is the largest advance approved without underwriting
var DefaultAdvanceCeiling = decimal.NewFromInt(3500)

// Denial reasons returned by CeilingPolicy
const (
	DenyOverCeiling        = "amount_over_ceiling"
	DenyNoExpectedRefund   = "no_expected_refund"
	DenySettlementClosed   = "settlement_closed"
	DenyRefundInsufficient = "refund_does_not_cover_advance"
)

// AdvanceDecision is the outcome of an approval policy
type AdvanceDecision struct {
	Approved bool
	Amount   decimal.Decimal
	Reason   string
}

// AdvancePolicy decides whether an advance may be granted. Production
// deployments may route this to an external underwriter.
type AdvancePolicy interface {
	Evaluate(ctx context.Context, requested decimal.Decimal, settlement *domain.SettlementRecord) (AdvanceDecision, error)
}

// CeilingPolicy approves amounts up to a fixed ceiling against a settlement
// whose expected refund covers the advance plus the product fee
type CeilingPolicy struct {
	Ceiling decimal.Decimal
}

// NewCeilingPolicy creates a CeilingPolicy
func NewCeilingPolicy(ceiling decimal.Decimal) *CeilingPolicy {
	return &CeilingPolicy{Ceiling: ceiling}
}

// Evaluate implements AdvancePolicy
func (p *CeilingPolicy) Evaluate(ctx context.Context, requested decimal.Decimal, settlement *domain.SettlementRecord) (AdvanceDecision, error) {
	deny := func(reason string) (AdvanceDecision, error) {
		return AdvanceDecision{Reason: reason}, nil
	}

	if requested.GreaterThan(p.Ceiling) {
		return deny(DenyOverCeiling)
	}
	if settlement == nil || !settlement.ExpectedRefund.IsPositive() {
		return deny(DenyNoExpectedRefund)
	}
	if settlement.State == domain.SettlementRejected || settlement.State == domain.SettlementRefundPosted {
		return deny(DenySettlementClosed)
	}
	if requested.Add(settlement.ProductFee).GreaterThan(settlement.ExpectedRefund) {
		return deny(DenyRefundInsufficient)
	}

	return AdvanceDecision{
		Approved: true,
		Amount:   requested,
		Reason:   fmt.Sprintf("within ceiling %s", p.Ceiling.StringFixed(2)),
	}, nil
}
