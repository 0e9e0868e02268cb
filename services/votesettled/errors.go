package votesettled

import (
	"context"
	"errors"
	"fmt"

	"votesettle/services/votesettled/wallet"
)

var (
	// ErrInvalidWeight is returned when the requested weight is non-positive or above the policy bound.
	ErrInvalidWeight = errors.New("votesettle: invalid vote weight")
	// ErrPaymentFailed indicates the ledger or provider reported the batch as failed.
	ErrPaymentFailed = errors.New("votesettle: payment failed")
	// ErrAmbiguousConfirmation marks a batch credited without a definitive provider status.
	ErrAmbiguousConfirmation = errors.New("votesettle: confirmation ambiguous")
	// ErrSettlementPersistence indicates the payment succeeded but its vote records were not persisted.
	ErrSettlementPersistence = errors.New("votesettle: settlement persistence failed")
	// ErrRequestInFlight is returned when the session already has a pending request for the species.
	ErrRequestInFlight = errors.New("votesettle: request already in flight")
	// ErrEnginePaused is returned when new requests are attempted while the engine is paused.
	ErrEnginePaused = errors.New("votesettle: engine paused")
	// ErrDuplicateRequest is returned when a request identifier has already been journaled.
	ErrDuplicateRequest = errors.New("votesettle: duplicate request id")
	// ErrPaymentUnresolved wraps a failure to confirm a batch that was already dispatched.
	ErrPaymentUnresolved = errors.New("votesettle: payment outcome unresolved")
	// ErrInvalidPayee is returned when the policy payee is not a hex address.
	ErrInvalidPayee = errors.New("votesettle: invalid payee address")
)

// Provider error taxonomy, re-exported so callers need not import the wallet package.
var (
	ErrUserRejected         = wallet.ErrUserRejected
	ErrUnsupportedBatching  = wallet.ErrUnsupportedBatching
	ErrBatchTooLarge        = wallet.ErrBatchTooLarge
	ErrInvalidResponseShape = wallet.ErrInvalidResponseShape
	ErrConfirmationTimeout  = wallet.ErrConfirmationTimeout
)

// BatchError is the terminal error of a failed request. Index is 1-based within
// the final batch queue.
type BatchError struct {
	Index int
	Total int
	Err   error
}

func (e *BatchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("votesettle: batch %d of %d failed: %v", e.Index, e.Total, e.Err)
}

func (e *BatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RequiresSupport reports whether funds may have moved without durable credit.
func (e *BatchError) RequiresSupport() bool {
	return e != nil && (errors.Is(e.Err, ErrSettlementPersistence) || errors.Is(e.Err, ErrPaymentUnresolved))
}

// Reason returns a stable label describing err for metrics and client events.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidWeight):
		return "invalid_weight"
	case errors.Is(err, ErrInvalidPayee):
		return "invalid_payee"
	case errors.Is(err, ErrUserRejected):
		return "user_rejected"
	case errors.Is(err, ErrUnsupportedBatching):
		return "unsupported_batching"
	case errors.Is(err, ErrBatchTooLarge):
		return "batch_too_large"
	case errors.Is(err, ErrInvalidResponseShape):
		return "invalid_response"
	case errors.Is(err, ErrConfirmationTimeout):
		return "confirmation_timeout"
	case errors.Is(err, ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(err, ErrSettlementPersistence):
		return "settlement_persistence"
	case errors.Is(err, ErrRequestInFlight):
		return "in_flight"
	case errors.Is(err, ErrEnginePaused):
		return "paused"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrPaymentUnresolved):
		return "payment_unresolved"
	default:
		return "provider_error"
	}
}

// UserMessage renders the client-facing explanation of a terminal error.
func UserMessage(err error) string {
	if errors.Is(err, ErrPaymentUnresolved) {
		return "Your payment was sent but its confirmation is still outstanding and may complete later. Check back shortly or contact support with your request id."
	}
	switch Reason(err) {
	case "":
		return ""
	case "invalid_weight":
		return "The requested vote weight is outside the allowed range."
	case "user_rejected":
		return "The payment was cancelled in your wallet. Votes already credited in this request were reverted."
	case "unsupported_batching":
		return "Your wallet cannot submit batched payments. Please vote one unit at a time."
	case "settlement_persistence":
		return "Your payment went through but the votes could not be recorded. Please contact support with your request id."
	case "in_flight":
		return "A vote for this species is still being processed."
	case "paused":
		return "Voting is temporarily paused."
	default:
		return "The vote request failed. No votes from this request were credited."
	}
}
