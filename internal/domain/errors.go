package domain

import "errors"

// ErrorKind classifies a domain error so callers can decide whether to retry
// and how to report it.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindPolicy          ErrorKind = "policy"
	KindConflict        ErrorKind = "conflict"
	KindExternalTimeout ErrorKind = "external_timeout"
	KindNotFound        ErrorKind = "not_found"
)

// Error is a classified domain error with a stable reason code
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation errors
var (
	ErrInvalidInput       = newError(KindValidation, "invalid_input", "invalid input")
	ErrInvalidAmount      = newError(KindValidation, "invalid_amount", "amount must be greater than zero")
	ErrAmountPrecision    = newError(KindValidation, "amount_precision", "amount must have at most two decimal places")
	ErrInvalidTier        = newError(KindValidation, "invalid_tier", "tier must be one of: basic, premium, business")
	ErrInvalidKind        = newError(KindValidation, "invalid_kind", "kind must be one of: debit, credit")
	ErrInvalidStatus      = newError(KindValidation, "invalid_status", "status must be one of: pending, posted")
	ErrOwnerRequired      = newError(KindValidation, "owner_required", "owner reference is required")
	ErrKeyRequired        = newError(KindValidation, "idempotency_key_required", "idempotency key is required")
	ErrReturnRefRequired  = newError(KindValidation, "return_ref_required", "return reference is required")
	ErrEventCodeUnknown   = newError(KindValidation, "unknown_event_code", "unknown external event code")
	ErrInvalidSequence    = newError(KindValidation, "invalid_sequence", "event sequence must be positive")
	ErrRefundAmountNeeded = newError(KindValidation, "refund_amount_required", "refund_posted event requires a refund amount")
	ErrTransactionPending = newError(KindValidation, "transaction_not_posted", "transaction is not posted")
	ErrTransactionFinal   = newError(KindValidation, "transaction_not_pending", "transaction is not pending")
	ErrUnreadableLine     = newError(KindValidation, "instrument_unreadable", "instrument line could not be fully decoded")
)

// Policy violations
var (
	ErrInsufficientFunds   = newError(KindPolicy, "insufficient_funds", "insufficient available funds")
	ErrLimitExceeded       = newError(KindPolicy, "limit_exceeded", "deposit limit exceeded")
	ErrDuplicateInstrument = newError(KindPolicy, "duplicate_instrument", "instrument has already been deposited")
	ErrAccountInactive     = newError(KindPolicy, "account_inactive", "account is not active")
	ErrInvalidTransition   = newError(KindPolicy, "invalid_transition", "state transition is not allowed")
	ErrAdvanceExists       = newError(KindPolicy, "advance_exists", "an advance is already open for this return")
	ErrAdvanceNotApproved  = newError(KindPolicy, "advance_not_approved", "advance is not approved")
	ErrNegativeNet         = newError(KindPolicy, "negative_net", "refund does not cover advance and fees")
	ErrTransferRejected    = newError(KindPolicy, "transfer_rejected", "banking partner rejected the transfer")
	ErrHoldNotDue          = newError(KindPolicy, "hold_not_due", "hold release date has not been reached")
	ErrAccountNotEmpty     = newError(KindPolicy, "account_not_empty", "account still carries a balance")
)

// Conflicts and timeouts are safe to retry
var (
	ErrVersionConflict = newError(KindConflict, "version_conflict", "concurrent modification detected")
	ErrAlreadyReversed = newError(KindConflict, "already_reversed", "transaction has already been reversed")
	ErrLockUnavailable = newError(KindConflict, "lock_unavailable", "could not acquire lock")
	ErrDuplicateKey    = newError(KindConflict, "duplicate_idempotency_key", "idempotency key already used")
	ErrStatusChanged   = newError(KindConflict, "status_changed", "record status changed concurrently")
	ErrExternalTimeout = newError(KindExternalTimeout, "external_timeout", "external service unavailable")
)

var (
	ErrAccountNotFound   = newError(KindNotFound, "account_not_found", "account not found")
	ErrTxNotFound        = newError(KindNotFound, "transaction_not_found", "transaction not found")
	ErrHoldNotFound      = newError(KindNotFound, "hold_not_found", "hold not found")
	ErrDepositNotFound   = newError(KindNotFound, "deposit_not_found", "deposit not found")
	ErrAdvanceNotFound   = newError(KindNotFound, "advance_not_found", "advance not found")
	ErrSettlementMissing = newError(KindNotFound, "settlement_not_found", "settlement not found")
)

// KindOf returns the kind of a domain error, or "" for unclassified errors
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// CodeOf returns the reason code of a domain error, or "" for unclassified errors
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsRetryable reports whether the whole operation may be retried.
// Only conflicts and external timeouts qualify; a reversal that already
// happened cannot succeed on a later attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAlreadyReversed) {
		return false
	}
	switch KindOf(err) {
	case KindConflict, KindExternalTimeout:
		return true
	}
	return false
}
