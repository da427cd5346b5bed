package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/middleware"
	"github.com/rosstax/settlement-core/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// AdvanceHandler handles refund advance HTTP requests
type AdvanceHandler struct {
	advances   *service.AdvanceService
	reconciler *service.ReconcilerService
	dispatcher service.IntentDispatcher
}

// NewAdvanceHandler creates a new AdvanceHandler
func NewAdvanceHandler(advances *service.AdvanceService, reconciler *service.ReconcilerService, dispatcher service.IntentDispatcher) *AdvanceHandler {
	return &AdvanceHandler{
		advances:   advances,
		reconciler: reconciler,
		dispatcher: dispatcher,
	}
}

// RequestAdvanceRequest represents the JSON request for an advance
type RequestAdvanceRequest struct {
	Amount decimal.Decimal `json:"amount" swaggertype:"string"`
}

// AdvanceResponse represents an advance in API responses
type AdvanceResponse struct {
	ID               string  `json:"id"`
	SettlementID     string  `json:"settlementId"`
	ReturnRef        string  `json:"returnRef"`
	AccountID        string  `json:"accountId"`
	RequestedAmount  string  `json:"requestedAmount"`
	ApprovedAmount   string  `json:"approvedAmount"`
	Status           string  `json:"status"`
	DecisionReason   *string `json:"decisionReason,omitempty"`
	TransferID       *string `json:"transferId,omitempty"`
	DisbursementTxID *string `json:"disbursementTxId,omitempty"`
	DisbursedAt      *string `json:"disbursedAt,omitempty"`
	ClosedAt         *string `json:"closedAt,omitempty"`
	CreatedAt        string  `json:"createdAt"`
	Replayed         bool    `json:"replayed,omitempty"`
}

// Request godoc
// @Summary Request an advance
// @Description Request a refund advance against a settlement. A denial is returned with 200
// @Tags advances
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Settlement ID (UUID)"
// @Param request body RequestAdvanceRequest true "Request body"
// @Success 201 {object} AdvanceResponse
// @Success 200 {object} AdvanceResponse "Denied advance"
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /settlements/{id}/advances [post]
func (h *AdvanceHandler) Request(c echo.Context) error {
	settlementID, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}
	var req RequestAdvanceRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	settlement, err := h.reconciler.Get(c.Request().Context(), settlementID)
	if err != nil {
		return NewDomainError(c, err)
	}
	if !canAccess(c, settlement.ClientRef) {
		return NewDomainError(c, domain.ErrSettlementMissing)
	}

	result, err := h.advances.Request(c.Request().Context(), settlementID, req.Amount)
	if err != nil {
		return NewDomainError(c, err)
	}

	h.dispatcher.Dispatch(c.Request().Context(), result.Intents)

	status := http.StatusCreated
	if result.Advance.Status == domain.AdvanceDenied {
		status = http.StatusOK
	}
	return c.JSON(status, toAdvanceResponse(result))
}

// Get godoc
// @Summary Get an advance
// @Description Get a refund advance
// @Tags advances
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Advance ID (UUID)"
// @Success 200 {object} AdvanceResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Router /advances/{id} [get]
func (h *AdvanceHandler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	advance, err := h.advances.Get(c.Request().Context(), id)
	if err != nil {
		return NewDomainError(c, err)
	}
	if !canAccess(c, advance.ClientRef) {
		return NewDomainError(c, domain.ErrAdvanceNotFound)
	}
	return c.JSON(http.StatusOK, toAdvanceResponse(&service.AdvanceResult{Advance: advance}))
}

// Disburse godoc
// @Summary Disburse an advance
// @Description Pay an approved advance. Replays return the original outcome (operator only)
// @Tags advances
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Advance ID (UUID)"
// @Success 200 {object} AdvanceResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Router /advances/{id}/disburse [post]
func (h *AdvanceHandler) Disburse(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	result, err := h.advances.Disburse(c.Request().Context(), id)
	return h.respond(c, "disburse", result, err)
}

// Deny godoc
// @Summary Deny an advance
// @Description Cancel an advance that has not been disbursed (operator only)
// @Tags advances
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Advance ID (UUID)"
// @Param request body ReasonRequest true "Request body"
// @Success 200 {object} AdvanceResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /advances/{id}/deny [post]
func (h *AdvanceHandler) Deny(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	result, err := h.advances.Deny(c.Request().Context(), id, req.Reason)
	return h.respond(c, "deny", result, err)
}

// MarkDefaulted godoc
// @Summary Mark an advance defaulted
// @Description Close a disbursed advance whose refund will not arrive (operator only)
// @Tags advances
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Advance ID (UUID)"
// @Param request body ReasonRequest true "Request body"
// @Success 200 {object} AdvanceResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /advances/{id}/default [post]
func (h *AdvanceHandler) MarkDefaulted(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}
	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	result, err := h.advances.MarkDefaulted(c.Request().Context(), id, req.Reason)
	return h.respond(c, "default", result, err)
}

func (h *AdvanceHandler) respond(c echo.Context, action string, result *service.AdvanceResult, err error) error {
	if err != nil {
		return NewDomainError(c, err)
	}

	log.Info().
		Str("advance_id", result.Advance.ID.String()).
		Str("action", action).
		Str("status", string(result.Advance.Status)).
		Bool("replayed", result.Replayed).
		Str("operator", middleware.GetAuth0ID(c)).
		Msg("Advance updated")

	h.dispatcher.Dispatch(c.Request().Context(), result.Intents)
	return c.JSON(http.StatusOK, toAdvanceResponse(result))
}

func toAdvanceResponse(r *service.AdvanceResult) AdvanceResponse {
	a := r.Advance
	resp := AdvanceResponse{
		ID:              a.ID.String(),
		SettlementID:    a.SettlementID.String(),
		ReturnRef:       a.ReturnRef,
		AccountID:       a.AccountID.String(),
		RequestedAmount: formatAmount(a.RequestedAmount),
		ApprovedAmount:  formatAmount(a.ApprovedAmount),
		Status:          string(a.Status),
		DecisionReason:  a.DecisionReason,
		TransferID:      a.TransferID,
		DisbursedAt:     formatOptionalTime(a.DisbursedAt),
		ClosedAt:        formatOptionalTime(a.ClosedAt),
		CreatedAt:       formatTime(a.CreatedAt),
		Replayed:        r.Replayed,
	}
	if a.DisbursementTxID != nil {
		s := a.DisbursementTxID.String()
		resp.DisbursementTxID = &s
	}
	return resp
}
