package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rosstax/settlement-core/internal/domain"
)

// LedgerRepository implements domain.LedgerRepository using PostgreSQL
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

const accountColumns = `id, owner_ref, tier, balance, available_balance, status, version, created_at, updated_at, closed_at`

const transactionColumns = `id, account_id, kind, amount, status, idempotency_key, reversal_of, description, created_at, posted_at`

const holdColumns = `transaction_id, account_id, amount, release_at, released, released_at, voided`

// CreateAccount inserts a new account
func (r *LedgerRepository) CreateAccount(ctx context.Context, account *domain.LedgerAccount) (*domain.LedgerAccount, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, owner_ref, tier, balance, available_balance, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+accountColumns,
		account.ID, account.OwnerRef, string(account.Tier),
		decimalToPgNumeric(account.Balance), decimalToPgNumeric(account.AvailableBalance),
		string(account.Status), account.Version, account.CreatedAt, account.UpdatedAt,
	)
	return scanAccount(row)
}

// GetAccount retrieves an account by ID
func (r *LedgerRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err, domain.ErrAccountNotFound)
	}
	return account, nil
}

// UpdateAccountStatus changes an account's status if its version still matches
func (r *LedgerRepository) UpdateAccountStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus, expectedVersion int64, at time.Time) (*domain.LedgerAccount, error) {
	var closedAt *time.Time
	if status == domain.AccountStatusClosed {
		closedAt = &at
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE accounts
		SET status = $3, version = version + 1, updated_at = $4, closed_at = COALESCE($5, closed_at)
		WHERE id = $1 AND version = $2
		RETURNING `+accountColumns,
		id, expectedVersion, string(status), at, closedAt,
	)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.versionMiss(ctx, r.pool, id)
	}
	return account, err
}

// GetTransaction retrieves a transaction by ID
func (r *LedgerRepository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.LedgerTransaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		return nil, notFound(err, domain.ErrTxNotFound)
	}
	return tx, nil
}

// GetTransactionByKey finds a transaction by its per-account idempotency key
func (r *LedgerRepository) GetTransactionByKey(ctx context.Context, accountID uuid.UUID, key string) (*domain.LedgerTransaction, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2`,
		accountID, key,
	)
	tx, err := scanTransaction(row)
	if err != nil {
		return nil, notFound(err, domain.ErrTxNotFound)
	}
	return tx, nil
}

// ListTransactions returns an account's transactions, newest first
func (r *LedgerRepository) ListTransactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*domain.LedgerTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*domain.LedgerTransaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// GetHold retrieves the hold placed on a transaction
func (r *LedgerRepository) GetHold(ctx context.Context, transactionID uuid.UUID) (*domain.HoldRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM holds WHERE transaction_id = $1`, transactionID)
	hold, err := scanHold(row)
	if err != nil {
		return nil, notFound(err, domain.ErrHoldNotFound)
	}
	return hold, nil
}

// ListDueHolds returns active holds on posted transactions due by asOf,
// oldest release first
func (r *LedgerRepository) ListDueHolds(ctx context.Context, asOf time.Time, limit int) ([]*domain.HoldRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT h.transaction_id, h.account_id, h.amount, h.release_at, h.released, h.released_at, h.voided
		FROM holds h
		JOIN transactions t ON t.id = h.transaction_id
		WHERE NOT h.released AND NOT h.voided
		  AND t.status = 'posted'
		  AND h.release_at <= $1
		ORDER BY h.release_at
		LIMIT $2`,
		asOf, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []*domain.HoldRecord{}
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, hold)
	}
	return result, rows.Err()
}

// CountUnsettled counts the account's pending transactions and active holds
func (r *LedgerRepository) CountUnsettled(ctx context.Context, accountID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM transactions WHERE account_id = $1 AND status = 'pending') +
			(SELECT COUNT(*) FROM holds WHERE account_id = $1 AND NOT released AND NOT voided)`,
		accountID,
	).Scan(&count)
	return count, err
}

// ApplyMutation writes the account balances, transactions and hold of one
// ledger operation in a single database transaction. The account row is
// only written when its version still equals m.ExpectedVersion.
func (r *LedgerRepository) ApplyMutation(ctx context.Context, m *domain.LedgerMutation) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE accounts
			SET balance = $3, available_balance = $4, version = version + 1, updated_at = $5
			WHERE id = $1 AND version = $2`,
			m.AccountID, m.ExpectedVersion,
			decimalToPgNumeric(m.Balance), decimalToPgNumeric(m.AvailableBalance), m.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.versionMiss(ctx, tx, m.AccountID)
		}

		for _, t := range m.InsertTransactions {
			_, err := tx.Exec(ctx, `
				INSERT INTO transactions (`+transactionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				t.ID, t.AccountID, string(t.Kind), decimalToPgNumeric(t.Amount), string(t.Status),
				t.IdempotencyKey, t.ReversalOf, t.Description, t.CreatedAt, t.PostedAt,
			)
			if isPgUniqueViolation(err, "transactions_idempotency") {
				return domain.ErrDuplicateKey
			}
			if isPgUniqueViolation(err, "idx_transactions_single_reversal") {
				return domain.ErrAlreadyReversed
			}
			if err != nil {
				return fmt.Errorf("insert transaction: %w", err)
			}
		}

		for _, t := range m.UpdateTransactions {
			if _, err := tx.Exec(ctx, `
				UPDATE transactions SET status = $2, posted_at = $3 WHERE id = $1`,
				t.ID, string(t.Status), t.PostedAt,
			); err != nil {
				return fmt.Errorf("update transaction: %w", err)
			}
		}

		if h := m.InsertHold; h != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO holds (`+holdColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				h.TransactionID, h.AccountID, decimalToPgNumeric(h.Amount), h.ReleaseAt, h.Released, h.ReleasedAt, h.Voided,
			); err != nil {
				return fmt.Errorf("insert hold: %w", err)
			}
		}

		if h := m.UpdateHold; h != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE holds SET released = $2, released_at = $3, voided = $4 WHERE transaction_id = $1`,
				h.TransactionID, h.Released, h.ReleasedAt, h.Voided,
			); err != nil {
				return fmt.Errorf("update hold: %w", err)
			}
		}
		return nil
	})
}

// versionMiss tells a missing account from a concurrent modification
func (r *LedgerRepository) versionMiss(ctx context.Context, q querier, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrAccountNotFound
	}
	return domain.ErrVersionConflict
}

func scanAccount(row pgx.Row) (*domain.LedgerAccount, error) {
	var (
		a                  domain.LedgerAccount
		tier, status       string
		balance, available pgtype.Numeric
	)
	if err := row.Scan(&a.ID, &a.OwnerRef, &tier, &balance, &available, &status, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.ClosedAt); err != nil {
		return nil, err
	}
	a.Tier = domain.AccountTier(tier)
	a.Status = domain.AccountStatus(status)
	a.Balance = pgNumericToDecimal(balance)
	a.AvailableBalance = pgNumericToDecimal(available)
	return &a, nil
}

func scanTransaction(row pgx.Row) (*domain.LedgerTransaction, error) {
	var (
		t            domain.LedgerTransaction
		kind, status string
		amount       pgtype.Numeric
	)
	if err := row.Scan(&t.ID, &t.AccountID, &kind, &amount, &status, &t.IdempotencyKey, &t.ReversalOf, &t.Description, &t.CreatedAt, &t.PostedAt); err != nil {
		return nil, err
	}
	t.Kind = domain.TransactionKind(kind)
	t.Status = domain.TransactionStatus(status)
	t.Amount = pgNumericToDecimal(amount)
	return &t, nil
}

func scanHold(row pgx.Row) (*domain.HoldRecord, error) {
	var (
		h      domain.HoldRecord
		amount pgtype.Numeric
	)
	if err := row.Scan(&h.TransactionID, &h.AccountID, &amount, &h.ReleaseAt, &h.Released, &h.ReleasedAt, &h.Voided); err != nil {
		return nil, err
	}
	h.Amount = pgNumericToDecimal(amount)
	return &h, nil
}
