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

// AdvanceRepository implements domain.AdvanceRepository using PostgreSQL
type AdvanceRepository struct {
	pool *pgxpool.Pool
}

// NewAdvanceRepository creates a new AdvanceRepository
func NewAdvanceRepository(pool *pgxpool.Pool) *AdvanceRepository {
	return &AdvanceRepository{pool: pool}
}

const advanceColumns = `id, settlement_id, return_ref, client_ref, account_id, requested_amount, approved_amount,
	status, decision_reason, transfer_id, disbursement_tx_id, disbursed_at, closed_at, created_at, updated_at`

// Create inserts an advance; idx_advances_open allows one open advance per return
func (r *AdvanceRepository) Create(ctx context.Context, advance *domain.Advance) (*domain.Advance, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO advances (`+advanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING `+advanceColumns,
		advance.ID, advance.SettlementID, advance.ReturnRef, advance.ClientRef, advance.AccountID,
		decimalToPgNumeric(advance.RequestedAmount), decimalToPgNumeric(advance.ApprovedAmount),
		string(advance.Status), advance.DecisionReason, advance.TransferID, advance.DisbursementTxID,
		advance.DisbursedAt, advance.ClosedAt, advance.CreatedAt, advance.UpdatedAt,
	)
	created, err := scanAdvance(row)
	if isPgUniqueViolation(err, "idx_advances_open") {
		return nil, domain.ErrAdvanceExists
	}
	return created, err
}

// GetByID retrieves an advance by ID
func (r *AdvanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Advance, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+advanceColumns+` FROM advances WHERE id = $1`, id)
	advance, err := scanAdvance(row)
	if err != nil {
		return nil, notFound(err, domain.ErrAdvanceNotFound)
	}
	return advance, nil
}

// GetOpenByReturnRef finds the open advance on a return, whichever settlement carries it
func (r *AdvanceRepository) GetOpenByReturnRef(ctx context.Context, returnRef string) (*domain.Advance, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+advanceColumns+` FROM advances
		WHERE return_ref = $1 AND status IN ('requested', 'approved', 'disbursed')`,
		returnRef,
	)
	advance, err := scanAdvance(row)
	if err != nil {
		return nil, notFound(err, domain.ErrAdvanceNotFound)
	}
	return advance, nil
}

// FindByReturnRef finds the newest advance on a return in the given status
func (r *AdvanceRepository) FindByReturnRef(ctx context.Context, returnRef string, status domain.AdvanceStatus) (*domain.Advance, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+advanceColumns+` FROM advances
		WHERE return_ref = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		returnRef, string(status),
	)
	advance, err := scanAdvance(row)
	if err != nil {
		return nil, notFound(err, domain.ErrAdvanceNotFound)
	}
	return advance, nil
}

// Update writes the mutable advance fields if the stored status is still from
func (r *AdvanceRepository) Update(ctx context.Context, advance *domain.Advance, from domain.AdvanceStatus) (*domain.Advance, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE advances
		SET approved_amount = $3, status = $4, decision_reason = $5, transfer_id = $6,
		    disbursement_tx_id = $7, disbursed_at = $8, closed_at = $9, updated_at = $10
		WHERE id = $1 AND status = $2
		RETURNING `+advanceColumns,
		advance.ID, string(from), decimalToPgNumeric(advance.ApprovedAmount), string(advance.Status),
		advance.DecisionReason, advance.TransferID, advance.DisbursementTxID,
		advance.DisbursedAt, advance.ClosedAt, advance.UpdatedAt,
	)
	updated, err := scanAdvance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, advance.ID); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrStatusChanged
	}
	return updated, err
}

func scanAdvance(row pgx.Row) (*domain.Advance, error) {
	var (
		a                   domain.Advance
		requested, approved pgtype.Numeric
		status              string
	)
	err := row.Scan(
		&a.ID, &a.SettlementID, &a.ReturnRef, &a.ClientRef, &a.AccountID, &requested, &approved,
		&status, &a.DecisionReason, &a.TransferID, &a.DisbursementTxID, &a.DisbursedAt, &a.ClosedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.RequestedAmount = pgNumericToDecimal(requested)
	a.ApprovedAmount = pgNumericToDecimal(approved)
	a.Status = domain.AdvanceStatus(status)
	return &a, nil
}
