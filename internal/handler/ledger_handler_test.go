package handler

import (
	"net/http"
	"testing"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerHandler_OpenAccount(t *testing.T) {
	f := setupAPI()
	body := OpenAccountRequest{OwnerRef: clientSub, Tier: "premium"}

	rec := f.do(http.MethodPost, "/api/v1/accounts", clientToken, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/accounts", operatorToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	account := decode[AccountResponse](t, rec)
	assert.Equal(t, clientSub, account.OwnerRef)
	assert.Equal(t, "premium", account.Tier)
	assert.Equal(t, "0.00", account.Balance)
	assert.Equal(t, "active", account.Status)
}

func TestLedgerHandler_OpenAccount_Validation(t *testing.T) {
	f := setupAPI()

	rec := f.do(http.MethodPost, "/api/v1/accounts", operatorToken, OpenAccountRequest{OwnerRef: clientSub, Tier: "gold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, ErrorTypeValidation, problem.Type)
	assert.Equal(t, "invalid_tier", problem.Code)
}

func TestLedgerHandler_GetAccount_Access(t *testing.T) {
	f := setupAPI()
	account := f.account(clientSub, domain.TierBasic, "50")
	path := "/api/v1/accounts/" + account.ID.String()

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"owner", clientToken, http.StatusOK},
		{"operator", operatorToken, http.StatusOK},
		{"other client sees not found", otherToken, http.StatusNotFound},
		{"anonymous", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, path, tt.token, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestLedgerHandler_GetAccount_InvalidID(t *testing.T) {
	f := setupAPI()

	rec := f.do(http.MethodGet, "/api/v1/accounts/not-a-uuid", clientToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerHandler_PostTransaction_Replay(t *testing.T) {
	f := setupAPI()
	account := f.account(clientSub, domain.TierBasic, "0")
	path := "/api/v1/accounts/" + account.ID.String() + "/transactions"
	body := map[string]any{"kind": "credit", "amount": "125.50", "idempotencyKey": "payroll-1"}

	rec := f.do(http.MethodPost, path, operatorToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[PostingResponse](t, rec)
	assert.False(t, first.Replayed)
	assert.Equal(t, "125.50", first.Account.Balance)

	rec = f.do(http.MethodPost, path, operatorToken, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[PostingResponse](t, rec)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	stored := f.ledgerRepo.Account(account.ID)
	assert.Equal(t, "125.50", stored.Balance.StringFixed(2))
}

func TestLedgerHandler_PostTransaction_InsufficientFunds(t *testing.T) {
	f := setupAPI()
	account := f.account(clientSub, domain.TierBasic, "10")
	path := "/api/v1/accounts/" + account.ID.String() + "/transactions"

	rec := f.do(http.MethodPost, path, operatorToken, map[string]any{
		"kind": "debit", "amount": "10.01", "idempotencyKey": "debit-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	problem := decode[ProblemDetails](t, rec)
	assert.Equal(t, "insufficient_funds", problem.Code)
}

func TestLedgerHandler_PostTransaction_ClientForbidden(t *testing.T) {
	f := setupAPI()
	account := f.account(clientSub, domain.TierBasic, "0")

	rec := f.do(http.MethodPost, "/api/v1/accounts/"+account.ID.String()+"/transactions", clientToken, map[string]any{
		"kind": "credit", "amount": "1", "idempotencyKey": "k",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLedgerHandler_ReverseTransaction(t *testing.T) {
	f := setupAPI()
	account := f.account(clientSub, domain.TierBasic, "0")

	rec := f.do(http.MethodPost, "/api/v1/accounts/"+account.ID.String()+"/transactions", operatorToken, map[string]any{
		"kind": "credit", "amount": "40", "idempotencyKey": "credit-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	posted := decode[PostingResponse](t, rec)

	reversePath := "/api/v1/transactions/" + posted.Transaction.ID + "/reverse"
	rec = f.do(http.MethodPost, reversePath, operatorToken, ReverseRequest{Reason: "chargeback"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reversal := decode[PostingResponse](t, rec)
	assert.Equal(t, "reversal", reversal.Transaction.Kind)
	require.NotNil(t, reversal.Transaction.ReversalOf)
	assert.Equal(t, posted.Transaction.ID, *reversal.Transaction.ReversalOf)

	rec = f.do(http.MethodPost, reversePath, operatorToken, ReverseRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLedgerHandler_ListTransactions(t *testing.T) {
	f := setupAPI()
	account := f.account(clientSub, domain.TierBasic, "0")
	path := "/api/v1/accounts/" + account.ID.String() + "/transactions"

	for _, key := range []string{"a", "b"} {
		rec := f.do(http.MethodPost, path, operatorToken, map[string]any{"kind": "credit", "amount": "5", "idempotencyKey": key})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(http.MethodGet, path, clientToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TransactionResponse](t, rec), 2)

	rec = f.do(http.MethodGet, path+"?limit=0", clientToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, path, otherToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerHandler_AccountStatus(t *testing.T) {
	f := setupAPI()
	account := f.account(clientSub, domain.TierBasic, "0")
	base := "/api/v1/accounts/" + account.ID.String()

	rec := f.do(http.MethodPost, base+"/suspend", operatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "suspended", decode[AccountResponse](t, rec).Status)

	rec = f.do(http.MethodPost, base+"/reactivate", operatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decode[AccountResponse](t, rec).Status)

	rec = f.do(http.MethodPost, base+"/close", operatorToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[AccountResponse](t, rec)
	assert.Equal(t, "closed", closed.Status)
	assert.NotNil(t, closed.ClosedAt)
}
