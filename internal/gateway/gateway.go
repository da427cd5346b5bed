// Package gateway talks to the banking partner that moves money out of the
// platform. Its transport and authentication are the partner's concern; this
// package only shapes requests and classifies failures.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferRequest asks the partner to push funds to a client
type TransferRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	AccountRef     string          `json:"accountRef"`
	ClientRef      string          `json:"clientRef"`
	Amount         decimal.Decimal `json:"amount"`
	Purpose        string          `json:"purpose"`
	Reference      string          `json:"reference"`
}

// Gateway requests transfers from the banking partner. Requests with the
// same IdempotencyKey must yield the same transfer id.
type Gateway interface {
	RequestTransfer(ctx context.Context, req TransferRequest) (string, error)
}
