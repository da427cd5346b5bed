package service

import (
	"context"

	"github.com/rosstax/settlement-core/internal/domain"
)

// OperationsRecipient receives risk flags meant for staff rather than clients
const OperationsRecipient = "operations"

func newIntent(recipient string, t domain.IntentType, payload map[string]any) domain.Intent {
	return domain.Intent{Recipient: recipient, Type: t, Payload: payload}
}

// IntentDispatcher delivers intents after the producing operation commits
type IntentDispatcher interface {
	Dispatch(ctx context.Context, intents []domain.Intent)
}
