package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rosstax/settlement-core/internal/middleware"
)

// Handlers groups the HTTP handlers mounted by RegisterRoutes
type Handlers struct {
	Ledger      *LedgerHandler
	Deposits    *DepositHandler
	Settlements *SettlementHandler
	Advances    *AdvanceHandler
	WebSocket   *WebSocketHandler
}

// RouteMiddleware groups the middleware RegisterRoutes applies per group
type RouteMiddleware struct {
	Auth        *middleware.AuthMiddleware
	Signature   *middleware.SignatureVerifier
	DepositRate *middleware.DepositRateLimiter
	Metrics     http.Handler
}

// RegisterRoutes sets up all API routes
func RegisterRoutes(e *echo.Echo, h Handlers, m RouteMiddleware) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if m.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(m.Metrics))
	}
	if h.WebSocket != nil {
		e.GET("/ws", h.WebSocket.HandleWS)
	}
	registerDocs(e)

	// API version 1
	api := e.Group("/api/v1")

	// Partner callbacks authenticate with a shared-secret signature, not a JWT
	callbacks := api.Group("/callbacks")
	if m.Signature != nil {
		callbacks.Use(m.Signature.Middleware())
	}
	callbacks.POST("/settlement-events", h.Settlements.Callback)

	auth := m.Auth.Authenticate()
	operator := middleware.RequirePermission(middleware.PermissionOperate)

	// Account routes
	accounts := api.Group("/accounts", auth)
	accounts.POST("", h.Ledger.OpenAccount, operator)
	accounts.GET("/:id", h.Ledger.GetAccount)
	accounts.GET("/:id/transactions", h.Ledger.ListTransactions)
	accounts.POST("/:id/transactions", h.Ledger.PostTransaction, operator)
	accounts.POST("/:id/suspend", h.Ledger.SuspendAccount, operator)
	accounts.POST("/:id/reactivate", h.Ledger.ReactivateAccount, operator)
	accounts.POST("/:id/close", h.Ledger.CloseAccount, operator)

	// Transaction routes
	transactions := api.Group("/transactions", auth)
	transactions.GET("/:id", h.Ledger.GetTransaction)
	transactions.POST("/:id/settle", h.Ledger.SettleTransaction, operator)
	transactions.POST("/:id/fail", h.Ledger.FailTransaction, operator)
	transactions.POST("/:id/reverse", h.Ledger.ReverseTransaction, operator)

	// Deposit routes
	deposits := api.Group("/deposits", auth)
	if m.DepositRate != nil {
		deposits.POST("", h.Deposits.Submit, m.DepositRate.Middleware())
	} else {
		deposits.POST("", h.Deposits.Submit)
	}
	deposits.GET("", h.Deposits.List)
	deposits.GET("/:id", h.Deposits.Get)
	deposits.GET("/:id/images/:side", h.Deposits.ImageURL)
	deposits.POST("/:id/approve", h.Deposits.Approve, operator)
	deposits.POST("/:id/decline", h.Deposits.Decline, operator)
	deposits.POST("/:id/return", h.Deposits.Return, operator)

	// Settlement routes
	settlements := api.Group("/settlements", auth)
	settlements.POST("", h.Settlements.Create, operator)
	settlements.GET("", h.Settlements.Lookup, operator)
	settlements.GET("/:id", h.Settlements.Get)
	settlements.GET("/:id/events", h.Settlements.ListEvents, operator)
	settlements.POST("/:id/resubmit", h.Settlements.Resubmit, operator)
	settlements.POST("/:id/advances", h.Advances.Request)

	// Advance routes
	advances := api.Group("/advances", auth)
	advances.GET("/:id", h.Advances.Get)
	advances.POST("/:id/disburse", h.Advances.Disburse, operator)
	advances.POST("/:id/deny", h.Advances.Deny, operator)
	advances.POST("/:id/default", h.Advances.MarkDefaulted, operator)
}
