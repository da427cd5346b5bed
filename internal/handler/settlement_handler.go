package handler

import (
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

// SettlementHandler handles settlement record and partner callback HTTP requests
type SettlementHandler struct {
	reconciler *service.ReconcilerService
	dispatcher service.IntentDispatcher
}

// NewSettlementHandler creates a new SettlementHandler
func NewSettlementHandler(reconciler *service.ReconcilerService, dispatcher service.IntentDispatcher) *SettlementHandler {
	return &SettlementHandler{
		reconciler: reconciler,
		dispatcher: dispatcher,
	}
}

// CreateSettlementRequest represents the JSON request for opening a settlement
type CreateSettlementRequest struct {
	ReturnRef       string          `json:"returnRef"`
	ClientRef       string          `json:"clientRef"`
	AccountID       string          `json:"accountId"`
	ExpectedRefund  decimal.Decimal `json:"expectedRefund" swaggertype:"string"`
	RequestedAmount decimal.Decimal `json:"requestedAmount" swaggertype:"string"`
	ApprovedAmount  decimal.Decimal `json:"approvedAmount" swaggertype:"string"`
	ProductFee      decimal.Decimal `json:"productFee" swaggertype:"string"`
}

// SettlementEventRequest is the body of a partner status callback
type SettlementEventRequest struct {
	SettlementID string           `json:"settlementId"`
	ReturnRef    string           `json:"returnRef"`
	Code         string           `json:"code"`
	Sequence     int64            `json:"sequence"`
	SourceTime   *time.Time       `json:"sourceTime"`
	RefundAmount *decimal.Decimal `json:"refundAmount" swaggertype:"string"`
	StatusCode   string           `json:"statusCode"`
	Reason       string           `json:"reason"`
}

// SettlementResponse represents a settlement record in API responses
type SettlementResponse struct {
	ID                 string  `json:"id"`
	ReturnRef          string  `json:"returnRef"`
	ClientRef          string  `json:"clientRef"`
	AccountID          string  `json:"accountId"`
	State              string  `json:"state"`
	ExpectedRefund     string  `json:"expectedRefund"`
	RequestedAmount    string  `json:"requestedAmount"`
	ApprovedAmount     string  `json:"approvedAmount"`
	ProductFee         string  `json:"productFee"`
	RefundAmount       *string `json:"refundAmount,omitempty"`
	NetAmount          *string `json:"netAmount,omitempty"`
	ExternalStatusCode *string `json:"externalStatusCode,omitempty"`
	LastEventSequence  int64   `json:"lastEventSequence"`
	PreviousID         *string `json:"previousId,omitempty"`
	CreatedAt          string  `json:"createdAt"`
	UpdatedAt          string  `json:"updatedAt"`
}

// SettlementEventResponse represents one logged external event
type SettlementEventResponse struct {
	ID           string  `json:"id"`
	Sequence     int64   `json:"sequence"`
	Code         string  `json:"code"`
	FromState    string  `json:"fromState"`
	ToState      string  `json:"toState"`
	Outcome      string  `json:"outcome"`
	Reason       *string `json:"reason,omitempty"`
	RefundAmount *string `json:"refundAmount,omitempty"`
	SourceTime   string  `json:"sourceTime"`
	ReceivedAt   string  `json:"receivedAt"`
}

// CallbackResponse acknowledges a partner callback
type CallbackResponse struct {
	Outcome    string              `json:"outcome"`
	Settlement *SettlementResponse `json:"settlement,omitempty"`
}

// Create godoc
// @Summary Open a settlement
// @Description Open a settlement record for a filed return (operator only)
// @Tags settlements
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateSettlementRequest true "Request body"
// @Success 201 {object} SettlementResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /settlements [post]
func (h *SettlementHandler) Create(c echo.Context) error {
	var req CreateSettlementRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		return NewValidationError(c, "Invalid settlement", []ValidationError{
			{Field: "accountId", Message: "Must be a UUID"},
		})
	}

	settlement, err := h.reconciler.CreateSettlement(c.Request().Context(), service.CreateSettlementInput{
		ReturnRef:       strings.TrimSpace(req.ReturnRef),
		ClientRef:       strings.TrimSpace(req.ClientRef),
		AccountID:       accountID,
		ExpectedRefund:  req.ExpectedRefund,
		RequestedAmount: req.RequestedAmount,
		ApprovedAmount:  req.ApprovedAmount,
		ProductFee:      req.ProductFee,
	})
	if err != nil {
		return NewDomainError(c, err)
	}

	log.Info().
		Str("settlement_id", settlement.ID.String()).
		Str("return_ref", settlement.ReturnRef).
		Str("operator", middleware.GetAuth0ID(c)).
		Msg("Settlement opened")

	return c.JSON(http.StatusCreated, toSettlementResponse(settlement))
}

// Get godoc
// @Summary Get a settlement
// @Description Get a settlement record
// @Tags settlements
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Settlement ID (UUID)"
// @Success 200 {object} SettlementResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Router /settlements/{id} [get]
func (h *SettlementHandler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	settlement, err := h.reconciler.Get(c.Request().Context(), id)
	if err != nil {
		return NewDomainError(c, err)
	}
	if !canAccess(c, settlement.ClientRef) {
		return NewDomainError(c, domain.ErrSettlementMissing)
	}
	return c.JSON(http.StatusOK, toSettlementResponse(settlement))
}

// Lookup godoc
// @Summary Find a settlement by return
// @Description Get the latest settlement for a return reference (operator only)
// @Tags settlements
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param returnRef query string true "Return reference"
// @Success 200 {object} SettlementResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Router /settlements [get]
func (h *SettlementHandler) Lookup(c echo.Context) error {
	returnRef := strings.TrimSpace(c.QueryParam("returnRef"))
	if returnRef == "" {
		return NewValidationError(c, "returnRef is required", []ValidationError{
			{Field: "returnRef", Message: "Return reference is required"},
		})
	}

	settlement, err := h.reconciler.GetByReturnRef(c.Request().Context(), returnRef)
	if err != nil {
		return NewDomainError(c, err)
	}
	return c.JSON(http.StatusOK, toSettlementResponse(settlement))
}

// ListEvents godoc
// @Summary List settlement events
// @Description List every external event received for a settlement (operator only)
// @Tags settlements
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Settlement ID (UUID)"
// @Success 200 {array} SettlementEventResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Router /settlements/{id}/events [get]
func (h *SettlementHandler) ListEvents(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	events, err := h.reconciler.ListEvents(c.Request().Context(), id)
	if err != nil {
		return NewDomainError(c, err)
	}

	response := make([]SettlementEventResponse, len(events))
	for i, e := range events {
		response[i] = toSettlementEventResponse(e)
	}
	return c.JSON(http.StatusOK, response)
}

// Resubmit godoc
// @Summary Resubmit a rejected return
// @Description Open a new settlement linked to a rejected one (operator only)
// @Tags settlements
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Settlement ID (UUID)"
// @Success 201 {object} SettlementResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 403 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Router /settlements/{id}/resubmit [post]
func (h *SettlementHandler) Resubmit(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return invalidID(c, "id")
	}

	settlement, err := h.reconciler.Resubmit(c.Request().Context(), id)
	if err != nil {
		return NewDomainError(c, err)
	}

	log.Info().
		Str("settlement_id", settlement.ID.String()).
		Str("previous_id", id.String()).
		Str("operator", middleware.GetAuth0ID(c)).
		Msg("Settlement resubmitted")

	return c.JSON(http.StatusCreated, toSettlementResponse(settlement))
}

// Callback godoc
// @Summary Receive a settlement event
// @Description Apply a partner status event. Stale events are acknowledged with 200
// @Tags callbacks
// @Accept json
// @Produce json
// @Security CallbackSignature
// @Param request body SettlementEventRequest true "Request body"
// @Success 200 {object} CallbackResponse
// @Failure 400 {object} ProblemDetails
// @Failure 401 {object} ProblemDetails
// @Failure 404 {object} ProblemDetails
// @Failure 409 {object} ProblemDetails
// @Failure 422 {object} ProblemDetails
// @Failure 503 {object} ProblemDetails
// @Router /callbacks/settlement-events [post]
func (h *SettlementHandler) Callback(c echo.Context) error {
	var req SettlementEventRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError(c, "Invalid request body", nil)
	}

	ev := service.ExternalEvent{
		ReturnRef:    strings.TrimSpace(req.ReturnRef),
		Code:         domain.EventCode(req.Code),
		Sequence:     req.Sequence,
		RefundAmount: req.RefundAmount,
		StatusCode:   req.StatusCode,
		Reason:       req.Reason,
	}
	if req.SettlementID != "" {
		id, err := uuid.Parse(req.SettlementID)
		if err != nil {
			return NewValidationError(c, "Invalid event", []ValidationError{
				{Field: "settlementId", Message: "Must be a UUID"},
			})
		}
		ev.SettlementID = id
	}
	if req.SourceTime != nil {
		ev.SourceTime = *req.SourceTime
	}

	result, err := h.reconciler.ApplyExternalEvent(c.Request().Context(), ev)
	if result != nil {
		h.dispatcher.Dispatch(c.Request().Context(), result.Intents)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("return_ref", ev.ReturnRef).
			Str("code", string(ev.Code)).
			Int64("sequence", ev.Sequence).
			Msg("Settlement event refused")
		return NewDomainError(c, err)
	}

	settlement := toSettlementResponse(result.Settlement)
	return c.JSON(http.StatusOK, CallbackResponse{
		Outcome:    string(result.Event.Outcome),
		Settlement: &settlement,
	})
}

func toSettlementResponse(s *domain.SettlementRecord) SettlementResponse {
	resp := SettlementResponse{
		ID:                 s.ID.String(),
		ReturnRef:          s.ReturnRef,
		ClientRef:          s.ClientRef,
		AccountID:          s.AccountID.String(),
		State:              string(s.State),
		ExpectedRefund:     formatAmount(s.ExpectedRefund),
		RequestedAmount:    formatAmount(s.RequestedAmount),
		ApprovedAmount:     formatAmount(s.ApprovedAmount),
		ProductFee:         formatAmount(s.ProductFee),
		RefundAmount:       formatOptionalAmount(s.RefundAmount),
		NetAmount:          formatOptionalAmount(s.NetAmount),
		ExternalStatusCode: s.ExternalStatusCode,
		LastEventSequence:  s.LastEventSequence,
		CreatedAt:          formatTime(s.CreatedAt),
		UpdatedAt:          formatTime(s.UpdatedAt),
	}
	if s.PreviousID != nil {
		p := s.PreviousID.String()
		resp.PreviousID = &p
	}
	return resp
}

func toSettlementEventResponse(e *domain.SettlementEvent) SettlementEventResponse {
	return SettlementEventResponse{
		ID:           e.ID.String(),
		Sequence:     e.Sequence,
		Code:         string(e.Code),
		FromState:    string(e.FromState),
		ToState:      string(e.ToState),
		Outcome:      string(e.Outcome),
		Reason:       e.Reason,
		RefundAmount: formatOptionalAmount(e.RefundAmount),
		SourceTime:   formatTime(e.SourceTime),
		ReceivedAt:   formatTime(e.ReceivedAt),
	}
}
