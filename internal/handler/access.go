package handler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/middleware"
	"github.com/shopspring/decimal"
)

// AccountReader loads accounts for ownership checks
type AccountReader interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error)
}

// canAccess reports whether the caller may act for the owner of a record.
// Operators may act for anyone.
func canAccess(c echo.Context, ownerRef string) bool {
	if middleware.IsOperator(c) {
		return true
	}
	subject := middleware.GetAuth0ID(c)
	return subject != "" && subject == ownerRef
}

// loadOwnedAccount fetches an account and checks the caller may use it.
// Foreign accounts are reported as missing so their existence is not leaked.
func loadOwnedAccount(c echo.Context, accounts AccountReader, id uuid.UUID) (*domain.LedgerAccount, error) {
	account, err := accounts.GetAccount(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if !canAccess(c, account.OwnerRef) {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

func parseID(c echo.Context, param string) (uuid.UUID, error) {
	return uuid.Parse(c.Param(param))
}

func invalidID(c echo.Context, param string) error {
	return NewValidationError(c, "Invalid "+param, []ValidationError{
		{Field: param, Message: "Must be a UUID"},
	})
}

func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(domain.MinorUnitPlaces)
}

func formatOptionalAmount(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := formatAmount(*d)
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
