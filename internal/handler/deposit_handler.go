package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/middleware"
	"github.com/rosstax/settlement-core/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DepositHandler handles mobile check deposit HTTP requests
type DepositHandler struct {
	deposits   *service.DepositService
	accounts   AccountReader
	dispatcher service.IntentDispatcher
}

// NewDepositHandler creates a new DepositHandler
func NewDepositHandler(deposits *service.DepositService, accounts AccountReader, dispatcher service.IntentDispatcher) *DepositHandler {
	return &DepositHandler{
		deposits:   deposits,
		accounts:   accounts,
		dispatcher: dispatcher,
	}
}

// SubmitDepositRequest represents a deposit submission, sent either as JSON
// or as a multipart form carrying "front" and "back" check images
type SubmitDepositRequest struct {
	AccountID string `json:"accountId" form:"accountId"`
	Amount    string `json:"amount" form:"amount"`
	MICRLine  string `json:"micrLine" form:"micrLine"`
}

// ReasonRequest carries a free-text reason for staff actions
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// DepositResponse represents a deposit in API responses
type DepositResponse struct {
	ID                  string  `json:"id"`
	AccountID           string  `json:"accountId"`
	ClientRef           string  `json:"clientRef"`
	Amount              string  `json:"amount"`
	Status              string  `json:"status"`
	DuplicateProtection string  `json:"duplicateProtection"`
	DeclineReason       *string `json:"declineReason,omitempty"`
	DuplicateOf         *string `json:"duplicateOf,omitempty"`
	TransactionID       *string `json:"transactionId,omitempty"`
	FundsAvailableAt    *string `json:"fundsAvailableAt,omitempty"`
	HasImages           bool    `json:"hasImages"`
	CreatedAt           string  `json:"createdAt"`
	UpdatedAt           string  `json:"updatedAt"`
	ClearedAt           *string `json:"clearedAt,omitempty"`
}

// ImageURLResponse carries a short-lived link to a check image
type ImageURLResponse struct {
	URL string `json:"url"`
}

// Submit godoc
// @Summary Submit a check deposit
// @Description Submit a mobile check deposit as JSON, or as a multipart form with front and back images. A duplicate instrument is declined with 200
// @Tags deposits
// @Accept json,mpfd
// @Produce json
// @Security BearerAuth
// @Param accountId formData string true "Account ID (UUID)"
// @Param amount formData string true "Amount"
// @Param micrLine formData string true "Instrument line"
// @Param front formData file false "Front image"
// @Param back formData file false "Back image"
// @Success 201 {object} DepositResponse
// @Success 200 {object} DepositResponse "Declined duplicate"
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Failure 429 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Router /deposits [post]
func (h *DepositHandler) Submit(c echo.Context) error {
	var req SubmitDepositRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	var errs []ValidationError
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		errs = append(errs, ValidationError{Field: "accountId", Message: "Must be a UUID"})
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		errs = append(errs, ValidationError{Field: "amount", Message: "Must be a decimal amount"})
	}
	if strings.TrimSpace(req.MICRLine) == "" {
		errs = append(errs, ValidationError{Field: "micrLine", Message: "Instrument line is required"})
	}
	if len(errs) > 0 {
		return NewValidationError(c, "Invalid deposit", errs)
	}

	images, err := readCheckImages(c)
	if err != nil {
		return NewValidationError(c, err.Error(), nil)
	}

	account, err := loadOwnedAccount(c, h.accounts, accountID)
	if err != nil {
		return NewDomainError(c, err)
	}

	result, err := h.deposits.Submit(c.Request().Context(), service.SubmitDepositInput{
		AccountID: account.ID,
		ClientRef: account.OwnerRef,
		Amount:    amount,
		MICRLine:  req.MICRLine,
		Images:    images,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("account_id", accountID.String()).
			Str("code", domain.CodeOf(err)).
			Msg("Deposit submission failed")
		return NewDomainError(c, err)
	}

	h.dispatcher.Dispatch(c.Request().Context(), result.Intents)

	status := http.StatusCreated
	if result.Deposit.Status == domain.DepositStatusDeclined {
		status = http.StatusOK
	}
	return c.JSON(status, toDepositResponse(result.Deposit))
}

// List godoc
// @Summary List deposits
// @Description List the caller's deposits. Operators may pass clientRef
// @Tags deposits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param clientRef query string false "Client reference (operators only)"
// @Param limit query integer false "Page size, 1-200 (default 50)"
// @Param offset query integer false "Rows to skip"
// @Success 200 {array} DepositResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Router /deposits [get]
func (h *DepositHandler) List(c echo.Context) error {
	limit, offset, err := pagination(c)
	if err != nil {
		return NewValidationError(c, err.Error(), nil)
	}

	clientRef := middleware.GetAuth0ID(c)
	if middleware.IsOperator(c) && c.QueryParam("clientRef") != "" {
		clientRef = c.QueryParam("clientRef")
	}

	deposits, err := h.deposits.ListByClient(c.Request().Context(), clientRef, limit, offset)
	if err != nil {
		return NewDomainError(c, err)
	}

	response := make([]DepositResponse, len(deposits))
	for i, d := range deposits {
		response[i] = toDepositResponse(d)
	}
	return c.JSON(http.StatusOK, response)
}

// Get godoc
// @Summary Get a deposit
// @Description Get a deposit
// @Tags deposits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Deposit ID (UUID)"
// @Success 200 {object} DepositResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Router /deposits/{id} [get]
func (h *DepositHandler) Get(c echo.Context) error {
	deposit, err := h.load(c)
	if err != nil {
		return NewDomainError(c, err)
	}
	if deposit == nil {
		return invalidID(c, "id")
	}
	return c.JSON(http.StatusOK, toDepositResponse(deposit))
}

// ImageURL godoc
// @Summary Get a check image link
// @Description Get a short-lived signed link to the front or back check image
// @Tags deposits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Deposit ID (UUID)"
// @Param side path string true "front or back"
// @Success 200 {object} ImageURLResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Router /deposits/{id}/images/{side} [get]
func (h *DepositHandler) ImageURL(c echo.Context) error {
	deposit, err := h.load(c)
	if err != nil {
		return NewDomainError(c, err)
	}
	if deposit == nil {
		return invalidID(c, "id")
	}

	url, err := h.deposits.ImageURL(c.Request().Context(), deposit.ID, c.Param("side"))
	if errors.Is(err, service.ErrImageStorageMissing) {
		return NewServiceUnavailableError(c, "Check image storage is not configured")
	}
	if err != nil {
		return NewDomainError(c, err)
	}
	return c.JSON(http.StatusOK, ImageURLResponse{URL: url})
}

// Approve godoc
// @Summary Approve a deposit
// @Description Settle a processing deposit's credit (operator only)
// @Tags deposits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Deposit ID (UUID)"
// @Success 200 {object} DepositResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /deposits/{id}/approve [post]
func (h *DepositHandler) Approve(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	result, err := h.deposits.Approve(c.Request().Context(), id)
	return h.respond(c, "approve", result, err)
}

// Decline godoc
// @Summary Decline a deposit
// @Description Decline a processing deposit at review and cancel its credit (operator only)
// @Tags deposits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Deposit ID (UUID)"
// @Param request body ReasonRequest true "Request body"
// @Success 200 {object} DepositResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /deposits/{id}/decline [post]
func (h *DepositHandler) Decline(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	result, err := h.deposits.Decline(c.Request().Context(), id, req.Reason)
	return h.respond(c, "decline", result, err)
}

// Return godoc
// @Summary Return a deposit
// @Description Reverse the credit of a deposit returned unpaid (operator only)
// @Tags deposits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Deposit ID (UUID)"
// @Param request body ReasonRequest true "Request body"
// @Success 200 {object} DepositResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /deposits/{id}/return [post]
func (h *DepositHandler) Return(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	result, err := h.deposits.Return(c.Request().Context(), id, req.Reason)
	return h.respond(c, "return", result, err)
}

func (h *DepositHandler) respond(c echo.Context, action string, result *service.DepositResult, err error) error {
	if err != nil {
		return NewDomainError(c, err)
	}

	log.Info().
		Str("deposit_id", result.Deposit.ID.String()).
		Str("action", action).
		Str("status", string(result.Deposit.Status)).
		Str("operator", middleware.GetAuth0ID(c)).
		Msg("Deposit updated")

	h.dispatcher.Dispatch(c.Request().Context(), result.Intents)
	return c.JSON(http.StatusOK, toDepositResponse(result.Deposit))
}

// load returns the deposit named by the id parameter if the caller may see it.
// A nil deposit with nil error means the id was malformed.
func (h *DepositHandler) load(c echo.Context) (*domain.Deposit, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return nil, nil
	}
	deposit, err := h.deposits.Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if !canAccess(c, deposit.ClientRef) {
		return nil, domain.ErrDepositNotFound
	}
	return deposit, nil
}

// readCheckImages reads the optional front and back captures of a multipart
// submission. Both sides must be present when either is.
func readCheckImages(c echo.Context) (*service.CheckImages, error) {
	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return nil, nil
	}

	front, err := readFormFile(c, "front")
	if err != nil {
		return nil, err
	}
	back, err := readFormFile(c, "back")
	if err != nil {
		return nil, err
	}
	if front == nil && back == nil {
		return nil, nil
	}
	if front == nil || back == nil {
		return nil, service.ErrCheckImageMissing
	}
	return &service.CheckImages{Front: front, Back: back}, nil
}

func readFormFile(c echo.Context, field string) ([]byte, error) {
	file, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s image", field)
	}
	if file.Size > service.MaxCheckImageSize {
		return nil, service.ErrCheckImageTooLarge
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("invalid %s image", field)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, service.MaxCheckImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("invalid %s image", field)
	}
	if len(data) > service.MaxCheckImageSize {
		return nil, service.ErrCheckImageTooLarge
	}
	return data, nil
}

func toDepositResponse(d *domain.Deposit) DepositResponse {
	resp := DepositResponse{
		ID:                  d.ID.String(),
		AccountID:           d.AccountID.String(),
		ClientRef:           d.ClientRef,
		Amount:              formatAmount(d.Amount),
		Status:              string(d.Status),
		DuplicateProtection: string(d.Protection),
		DeclineReason:       d.DeclineReason,
		FundsAvailableAt:    formatOptionalTime(d.FundsAvailableAt),
		HasImages:           d.FrontImagePath != nil && d.BackImagePath != nil,
		CreatedAt:           formatTime(d.CreatedAt),
		UpdatedAt:           formatTime(d.UpdatedAt),
		ClearedAt:           formatOptionalTime(d.ClearedAt),
	}
	if d.DuplicateOf != nil {
		s := d.DuplicateOf.String()
		resp.DuplicateOf = &s
	}
	if d.TransactionID != nil {
		s := d.TransactionID.String()
		resp.TransactionID = &s
	}
	return resp
}
