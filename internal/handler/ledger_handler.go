package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/middleware"
	"github.com/rosstax/settlement-core/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// LedgerHandler handles account and transaction HTTP requests
type LedgerHandler struct {
	ledger *service.LedgerService
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(ledger *service.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// OpenAccountRequest represents the JSON request for opening an account
type OpenAccountRequest struct {
	OwnerRef string `json:"ownerRef"`
	Tier     string `json:"tier"`
}

// PostTransactionRequest represents the JSON request for posting a transaction
type PostTransactionRequest struct {
	Kind           string          `json:"kind"`
	Amount         decimal.Decimal `json:"amount" swaggertype:"string"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         string          `json:"status"`
	Description    string          `json:"description"`
	HoldUntil      *time.Time      `json:"holdUntil"`
}

// ReverseRequest represents the JSON request for reversing a transaction
type ReverseRequest struct {
	Reason string `json:"reason"`
}

// AccountResponse represents an account in API responses
type AccountResponse struct {
	ID               string  `json:"id"`
	OwnerRef         string  `json:"ownerRef"`
	Tier             string  `json:"tier"`
	Balance          string  `json:"balance"`
	AvailableBalance string  `json:"availableBalance"`
	Status           string  `json:"status"`
	Version          int64   `json:"version"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
	ClosedAt         *string `json:"closedAt,omitempty"`
}

// TransactionResponse represents a ledger transaction in API responses
type TransactionResponse struct {
	ID             string  `json:"id"`
	AccountID      string  `json:"accountId"`
	Kind           string  `json:"kind"`
	Amount         string  `json:"amount"`
	Status         string  `json:"status"`
	IdempotencyKey string  `json:"idempotencyKey"`
	ReversalOf     *string `json:"reversalOf,omitempty"`
	Description    string  `json:"description,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	PostedAt       *string `json:"postedAt,omitempty"`
}

// HoldResponse represents a hold in API responses
type HoldResponse struct {
	TransactionID string  `json:"transactionId"`
	Amount        string  `json:"amount"`
	ReleaseAt     string  `json:"releaseAt"`
	Released      bool    `json:"released"`
	ReleasedAt    *string `json:"releasedAt,omitempty"`
	Voided        bool    `json:"voided"`
}

// PostingResponse represents the outcome of a ledger mutation
type PostingResponse struct {
	Transaction TransactionResponse `json:"transaction"`
	Account     *AccountResponse    `json:"account,omitempty"`
	Hold        *HoldResponse       `json:"hold,omitempty"`
	Replayed    bool                `json:"replayed"`
}

// OpenAccount godoc
// @Summary Open an account
// @Description Open a ledger account for a client (operator only)
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body OpenAccountRequest true "Request body"
// @Success 201 {object} AccountResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Router /accounts [post]
func (h *LedgerHandler) OpenAccount(c echo.Context) error {
	var req OpenAccountRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	account, err := h.ledger.OpenAccount(c.Request().Context(), strings.TrimSpace(req.OwnerRef), domain.AccountTier(req.Tier))
	if err != nil {
		return NewDomainError(c, err)
	}

	log.Info().
		Str("account_id", account.ID.String()).
		Str("tier", string(account.Tier)).
		Str("operator", middleware.GetAuth0ID(c)).
		Msg("Account opened")

	return c.JSON(http.StatusCreated, toAccountResponse(account))
}

// GetAccount godoc
// @Summary Get an account
// @Description Get an account with its balances
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID (UUID)"
// @Success 200 {object} AccountResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Router /accounts/{id} [get]
func (h *LedgerHandler) GetAccount(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	account, err := loadOwnedAccount(c, h.ledger, id)
	if err != nil {
		return NewDomainError(c, err)
	}

	return c.JSON(http.StatusOK, toAccountResponse(account))
}

// ListTransactions godoc
// @Summary List account transactions
// @Description List the ledger transactions of an account, newest first
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID (UUID)"
// @Param limit query integer false "Page size, 1-200 (default 50)"
// @Param offset query integer false "Rows to skip"
// @Success 200 {array} TransactionResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Router /accounts/{id}/transactions [get]
func (h *LedgerHandler) ListTransactions(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}
	limit, offset, err := pagination(c)
	if err != nil {
		return NewValidationError(c, err.Error(), nil)
	}

	if _, err := loadOwnedAccount(c, h.ledger, id); err != nil {
		return NewDomainError(c, err)
	}

	txs, err := h.ledger.ListTransactions(c.Request().Context(), id, limit, offset)
	if err != nil {
		return NewDomainError(c, err)
	}

	response := make([]TransactionResponse, len(txs))
	for i, tx := range txs {
		response[i] = toTransactionResponse(tx)
	}
	return c.JSON(http.StatusOK, response)
}

// PostTransaction godoc
// @Summary Post a transaction
// @Description Post a debit or credit. The Idempotency-Key header is used when the body carries no key; a replay returns 200 with the original posting (operator only)
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID (UUID)"
// @Param Idempotency-Key header string false "Idempotency key"
// @Param request body PostTransactionRequest true "Request body"
// @Success 201 {object} PostingResponse
// @Success 200 {object} PostingResponse "Replayed posting"
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /accounts/{id}/transactions [post]
func (h *LedgerHandler) PostTransaction(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	var req PostTransactionRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}

	result, err := h.ledger.Post(c.Request().Context(), service.PostInput{
		AccountID:      id,
		Kind:           domain.TransactionKind(req.Kind),
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.TransactionStatus(req.Status),
		Description:    req.Description,
		HoldUntil:      req.HoldUntil,
	})
	if err != nil {
		return NewDomainError(c, err)
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, toPostingResponse(result))
}

// GetTransaction godoc
// @Summary Get a transaction
// @Description Get a ledger transaction
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID (UUID)"
// @Success 200 {object} TransactionResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Router /transactions/{id} [get]
func (h *LedgerHandler) GetTransaction(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	tx, err := h.ledger.GetTransaction(c.Request().Context(), id)
	if err != nil {
		return NewDomainError(c, err)
	}
	if _, err := loadOwnedAccount(c, h.ledger, tx.AccountID); err != nil {
		return NewDomainError(c, domain.ErrTxNotFound)
	}

	return c.JSON(http.StatusOK, toTransactionResponse(tx))
}

// SettleTransaction godoc
// @Summary Settle a transaction
// @Description Move a pending transaction to posted (operator only)
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID (UUID)"
// @Success 200 {object} PostingResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /transactions/{id}/settle [post]
func (h *LedgerHandler) SettleTransaction(c echo.Context) error {
	return h.transition(c, h.ledger.Settle)
}

// FailTransaction godoc
// @Summary Fail a transaction
// @Description Cancel a pending transaction (operator only)
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID (UUID)"
// @Success 200 {object} PostingResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /transactions/{id}/fail [post]
func (h *LedgerHandler) FailTransaction(c echo.Context) error {
	return h.transition(c, h.ledger.Fail)
}

// ReverseTransaction godoc
// @Summary Reverse a transaction
// @Description Undo a posted transaction with a linked reversal entry (operator only)
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID (UUID)"
// @Param request body ReverseRequest true "Request body"
// @Success 201 {object} PostingResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /transactions/{id}/reverse [post]
func (h *LedgerHandler) ReverseTransaction(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	var req ReverseRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	result, err := h.ledger.Reverse(c.Request().Context(), id, req.Reason)
	if err != nil {
		return NewDomainError(c, err)
	}

	log.Info().
		Str("transaction_id", id.String()).
		Str("reversal_id", result.Transaction.ID.String()).
		Str("operator", middleware.GetAuth0ID(c)).
		Msg("Transaction reversed")

	return c.JSON(http.StatusCreated, toPostingResponse(result))
}

// SuspendAccount godoc
// @Summary Suspend an account
// @Description Block new postings on an account (operator only)
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID (UUID)"
// @Success 200 {object} AccountResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /accounts/{id}/suspend [post]
func (h *LedgerHandler) SuspendAccount(c echo.Context) error {
	return h.accountStatus(c, h.ledger.SuspendAccount)
}

// ReactivateAccount godoc
// @Summary Reactivate an account
// @Description Lift an account suspension (operator only)
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID (UUID)"
// @Success 200 {object} AccountResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /accounts/{id}/reactivate [post]
func (h *LedgerHandler) ReactivateAccount(c echo.Context) error {
	return h.accountStatus(c, h.ledger.ReactivateAccount)
}

// CloseAccount godoc
// @Summary Close an account
// @Description Close an account with no balance, pending transaction or active hold (operator only)
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID (UUID)"
// @Success 200 {object} AccountResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /accounts/{id}/close [post]
func (h *LedgerHandler) CloseAccount(c echo.Context) error {
	return h.accountStatus(c, h.ledger.CloseAccount)
}

func (h *LedgerHandler) transition(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*service.PostResult, error)) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	result, err := fn(c.Request().Context(), id)
	if err != nil {
		return NewDomainError(c, err)
	}
	return c.JSON(http.StatusOK, toPostingResponse(result))
}

func (h *LedgerHandler) accountStatus(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*domain.LedgerAccount, error)) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	account, err := fn(c.Request().Context(), id)
	if err != nil {
		return NewDomainError(c, err)
	}

	log.Info().
		Str("account_id", account.ID.String()).
		Str("status", string(account.Status)).
		Str("operator", middleware.GetAuth0ID(c)).
		Msg("Account status changed")

	return c.JSON(http.StatusOK, toAccountResponse(account))
}

func toAccountResponse(a *domain.LedgerAccount) AccountResponse {
	return AccountResponse{
		ID:               a.ID.String(),
		OwnerRef:         a.OwnerRef,
		Tier:             string(a.Tier),
		Balance:          formatAmount(a.Balance),
		AvailableBalance: formatAmount(a.AvailableBalance),
		Status:           string(a.Status),
		Version:          a.Version,
		CreatedAt:        formatTime(a.CreatedAt),
		UpdatedAt:        formatTime(a.UpdatedAt),
		ClosedAt:         formatOptionalTime(a.ClosedAt),
	}
}

func toTransactionResponse(t *domain.LedgerTransaction) TransactionResponse {
	resp := TransactionResponse{
		ID:             t.ID.String(),
		AccountID:      t.AccountID.String(),
		Kind:           string(t.Kind),
		Amount:         formatAmount(t.Amount),
		Status:         string(t.Status),
		IdempotencyKey: t.IdempotencyKey,
		Description:    t.Description,
		CreatedAt:      formatTime(t.CreatedAt),
		PostedAt:       formatOptionalTime(t.PostedAt),
	}
	if t.ReversalOf != nil {
		s := t.ReversalOf.String()
		resp.ReversalOf = &s
	}
	return resp
}

func toHoldResponse(h *domain.HoldRecord) *HoldResponse {
	if h == nil {
		return nil
	}
	return &HoldResponse{
		TransactionID: h.TransactionID.String(),
		Amount:        formatAmount(h.Amount),
		ReleaseAt:     formatTime(h.ReleaseAt),
		Released:      h.Released,
		ReleasedAt:    formatOptionalTime(h.ReleasedAt),
		Voided:        h.Voided,
	}
}

func toPostingResponse(r *service.PostResult) PostingResponse {
	resp := PostingResponse{
		Transaction: toTransactionResponse(r.Transaction),
		Hold:        toHoldResponse(r.Hold),
		Replayed:    r.Replayed,
	}
	if r.Account != nil {
		a := toAccountResponse(r.Account)
		resp.Account = &a
	}
	return resp
}
