package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/rosstax/settlement-core/internal/domain"
)

// Sandbox is an in-memory partner used when no gateway URL is configured.
// It is deterministic: the transfer id is derived from the idempotency key.
type Sandbox struct {
	mu        sync.Mutex
	transfers map[string]TransferRequest
}

// NewSandbox creates a new Sandbox
func NewSandbox() *Sandbox {
	return &Sandbox{transfers: make(map[string]TransferRequest)}
}

// RequestTransfer implements Gateway
func (s *Sandbox) RequestTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.ErrExternalTimeout
	}
	if req.IdempotencyKey == "" || !req.Amount.IsPositive() {
		return "", domain.ErrTransferRejected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[req.IdempotencyKey]; !ok {
		s.transfers[req.IdempotencyKey] = req
	}

	sum := sha256.Sum256([]byte(req.IdempotencyKey))
	return "sbx_" + hex.EncodeToString(sum[:8]), nil
}

// Transfers returns the number of distinct transfers requested
func (s *Sandbox) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}
