package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/shopspring/decimal"
)

// DepositRepository implements domain.DepositRepository using PostgreSQL
type DepositRepository struct {
	pool *pgxpool.Pool
}

// NewDepositRepository creates a new DepositRepository
func NewDepositRepository(pool *pgxpool.Pool) *DepositRepository {
	return &DepositRepository{pool: pool}
}

const depositColumns = `id, account_id, client_ref, amount, routing_number, instrument_account, instrument_number,
	protection, status, decline_reason, duplicate_of, transaction_id, funds_available_at,
	front_image_path, back_image_path, created_at, updated_at, cleared_at`

// activeStatuses is the SQL array form of domain.ActiveDepositStatuses
func activeStatuses() []string {
	out := make([]string, len(domain.ActiveDepositStatuses))
	for i, s := range domain.ActiveDepositStatuses {
		out[i] = string(s)
	}
	return out
}

// Create inserts a deposit. The deposit_instruments partial index rejects a
// second active deposit on the same complete instrument.
func (r *DepositRepository) Create(ctx context.Context, deposit *domain.Deposit) (*domain.Deposit, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO deposits (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING `+depositColumns,
		deposit.ID, deposit.AccountID, deposit.ClientRef, decimalToPgNumeric(deposit.Amount),
		deposit.Instrument.RoutingNumber, deposit.Instrument.AccountNumber, deposit.Instrument.InstrumentNumber,
		string(deposit.Protection), string(deposit.Status), deposit.DeclineReason, deposit.DuplicateOf,
		deposit.TransactionID, deposit.FundsAvailableAt, deposit.FrontImagePath, deposit.BackImagePath,
		deposit.CreatedAt, deposit.UpdatedAt, deposit.ClearedAt,
	)
	created, err := scanDeposit(row)
	if isPgUniqueViolation(err, "deposit_instruments") {
		return nil, domain.ErrDuplicateInstrument
	}
	return created, err
}

// GetByID retrieves a deposit by ID
func (r *DepositRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Deposit, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id)
	deposit, err := scanDeposit(row)
	if err != nil {
		return nil, notFound(err, domain.ErrDepositNotFound)
	}
	return deposit, nil
}

// GetByTransactionID finds the deposit that produced a ledger transaction
func (r *DepositRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) (*domain.Deposit, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE transaction_id = $1`, transactionID)
	deposit, err := scanDeposit(row)
	if err != nil {
		return nil, notFound(err, domain.ErrDepositNotFound)
	}
	return deposit, nil
}

// FindActiveByInstrument finds the active deposit claiming an instrument
func (r *DepositRepository) FindActiveByInstrument(ctx context.Context, key domain.InstrumentKey) (*domain.Deposit, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE routing_number = $1 AND instrument_account = $2 AND instrument_number = $3
		  AND status = ANY($4)
		LIMIT 1`,
		key.RoutingNumber, key.AccountNumber, key.InstrumentNumber, activeStatuses(),
	)
	deposit, err := scanDeposit(row)
	if err != nil {
		return nil, notFound(err, domain.ErrDepositNotFound)
	}
	return deposit, nil
}

// SumActiveSince totals an account's active deposits created at or after since
func (r *DepositRepository) SumActiveSince(ctx context.Context, accountID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total pgtype.Numeric
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM deposits
		WHERE account_id = $1 AND created_at >= $2 AND status = ANY($3)`,
		accountID, since, activeStatuses(),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return pgNumericToDecimal(total), nil
}

// CountByAccount counts every deposit an account has submitted
func (r *DepositRepository) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deposits WHERE account_id = $1`, accountID).Scan(&n)
	return n, err
}

// ListByClient returns a client's deposits, newest first
func (r *DepositRepository) ListByClient(ctx context.Context, clientRef string, limit, offset int) ([]*domain.Deposit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE client_ref = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`,
		clientRef, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*domain.Deposit{}
	for rows.Next() {
		deposit, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, deposit)
	}
	return result, rows.Err()
}

// UpdateStatus moves a deposit from one status to another
func (r *DepositRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.DepositStatus, reason *string, at time.Time) (*domain.Deposit, error) {
	var clearedAt *time.Time
	if to == domain.DepositStatusCleared {
		clearedAt = &at
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE deposits
		SET status = $3, decline_reason = COALESCE($4, decline_reason), updated_at = $5,
		    cleared_at = COALESCE($6, cleared_at)
		WHERE id = $1 AND status = $2
		RETURNING `+depositColumns,
		id, string(from), string(to), reason, at, clearedAt,
	)
	deposit, err := scanDeposit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrStatusChanged
	}
	return deposit, err
}

func scanDeposit(row pgx.Row) (*domain.Deposit, error) {
	var (
		d                  domain.Deposit
		amount             pgtype.Numeric
		protection, status string
	)
	err := row.Scan(
		&d.ID, &d.AccountID, &d.ClientRef, &amount,
		&d.Instrument.RoutingNumber, &d.Instrument.AccountNumber, &d.Instrument.InstrumentNumber,
		&protection, &status, &d.DeclineReason, &d.DuplicateOf, &d.TransactionID, &d.FundsAvailableAt,
		&d.FrontImagePath, &d.BackImagePath, &d.CreatedAt, &d.UpdatedAt, &d.ClearedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Amount = pgNumericToDecimal(amount)
	d.Protection = domain.DuplicateProtection(protection)
	d.Status = domain.DepositStatus(status)
	return &d, nil
}
