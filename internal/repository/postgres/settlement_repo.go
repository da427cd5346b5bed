package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rosstax/settlement-core/internal/domain"
)

// SettlementRepository implements domain.SettlementRepository using PostgreSQL
type SettlementRepository struct {
	pool *pgxpool.Pool
}

// NewSettlementRepository creates a new SettlementRepository
func NewSettlementRepository(pool *pgxpool.Pool) *SettlementRepository {
	return &SettlementRepository{pool: pool}
}

const settlementColumns = `id, return_ref, client_ref, account_id, state, expected_refund, requested_amount,
	approved_amount, product_fee, refund_amount, net_amount, external_status_code, last_event_sequence,
	previous_id, version, created_at, updated_at`

const eventColumns = `id, settlement_id, sequence, code, from_state, to_state, outcome, reason,
	refund_amount, source_time, received_at`

// Create inserts a settlement record. A record can be resubmitted only once.
func (r *SettlementRepository) Create(ctx context.Context, s *domain.SettlementRecord) (*domain.SettlementRecord, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING `+settlementColumns,
		s.ID, s.ReturnRef, s.ClientRef, s.AccountID, string(s.State),
		decimalToPgNumeric(s.ExpectedRefund), decimalToPgNumeric(s.RequestedAmount),
		decimalToPgNumeric(s.ApprovedAmount), decimalToPgNumeric(s.ProductFee),
		optionalNumeric(s.RefundAmount), optionalNumeric(s.NetAmount), s.ExternalStatusCode,
		s.LastEventSequence, s.PreviousID, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	created, err := scanSettlement(row)
	if isPgUniqueViolation(err, "idx_settlements_single_resubmission") {
		return nil, domain.ErrVersionConflict
	}
	return created, err
}

// GetByID retrieves a settlement record by ID
func (r *SettlementRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.SettlementRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id)
	s, err := scanSettlement(row)
	if err != nil {
		return nil, notFound(err, domain.ErrSettlementMissing)
	}
	return s, nil
}

// GetLatestByReturnRef returns the record no later resubmission supersedes
func (r *SettlementRepository) GetLatestByReturnRef(ctx context.Context, returnRef string) (*domain.SettlementRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+settlementColumns+` FROM settlements s
		WHERE return_ref = $1
		  AND NOT EXISTS (SELECT 1 FROM settlements n WHERE n.previous_id = s.id)
		ORDER BY created_at DESC
		LIMIT 1`,
		returnRef,
	)
	s, err := scanSettlement(row)
	if err != nil {
		return nil, notFound(err, domain.ErrSettlementMissing)
	}
	return s, nil
}

// Update writes the record if its stored version equals s.Version
func (r *SettlementRepository) Update(ctx context.Context, s *domain.SettlementRecord) (*domain.SettlementRecord, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE settlements
		SET state = $3, requested_amount = $4, approved_amount = $5, product_fee = $6,
		    refund_amount = $7, net_amount = $8, external_status_code = $9,
		    last_event_sequence = $10, version = version + 1, updated_at = $11
		WHERE id = $1 AND version = $2
		RETURNING `+settlementColumns,
		s.ID, s.Version, string(s.State),
		decimalToPgNumeric(s.RequestedAmount), decimalToPgNumeric(s.ApprovedAmount), decimalToPgNumeric(s.ProductFee),
		optionalNumeric(s.RefundAmount), optionalNumeric(s.NetAmount), s.ExternalStatusCode,
		s.LastEventSequence, s.UpdatedAt,
	)
	updated, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, s.ID); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrVersionConflict
	}
	return updated, err
}

// RecordEvent appends a row to the settlement's event log
func (r *SettlementRepository) RecordEvent(ctx context.Context, e *domain.SettlementEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO settlement_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.SettlementID, e.Sequence, string(e.Code), string(e.FromState), string(e.ToState),
		string(e.Outcome), e.Reason, optionalNumeric(e.RefundAmount), e.SourceTime, e.ReceivedAt,
	)
	return err
}

// ListEvents returns a settlement's events in arrival order
func (r *SettlementRepository) ListEvents(ctx context.Context, settlementID uuid.UUID) ([]*domain.SettlementEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM settlement_events
		WHERE settlement_id = $1
		ORDER BY received_at, sequence`,
		settlementID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*domain.SettlementEvent{}
	for rows.Next() {
		var (
			e                       domain.SettlementEvent
			code, from, to, outcome string
			refund                  pgtype.Numeric
		)
		if err := rows.Scan(&e.ID, &e.SettlementID, &e.Sequence, &code, &from, &to, &outcome, &e.Reason, &refund, &e.SourceTime, &e.ReceivedAt); err != nil {
			return nil, err
		}
		e.Code = domain.EventCode(code)
		e.FromState = domain.SettlementState(from)
		e.ToState = domain.SettlementState(to)
		e.Outcome = domain.EventOutcome(outcome)
		e.RefundAmount = pgNumericToOptional(refund)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func scanSettlement(row pgx.Row) (*domain.SettlementRecord, error) {
	var (
		s                                  domain.SettlementRecord
		state                              string
		expected, requested, approved, fee pgtype.Numeric
		refund, net                        pgtype.Numeric
	)
	err := row.Scan(
		&s.ID, &s.ReturnRef, &s.ClientRef, &s.AccountID, &state, &expected, &requested,
		&approved, &fee, &refund, &net, &s.ExternalStatusCode, &s.LastEventSequence,
		&s.PreviousID, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.State = domain.SettlementState(state)
	s.ExpectedRefund = pgNumericToDecimal(expected)
	s.RequestedAmount = pgNumericToDecimal(requested)
	s.ApprovedAmount = pgNumericToDecimal(approved)
	s.ProductFee = pgNumericToDecimal(fee)
	s.RefundAmount = pgNumericToOptional(refund)
	s.NetAmount = pgNumericToOptional(net)
	return &s, nil
}
