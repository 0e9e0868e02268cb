package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

var (
	// ErrUserRejected indicates the account holder declined the signing prompt.
	ErrUserRejected = errors.New("wallet: user rejected request")
	// ErrUnsupportedBatching indicates the provider cannot submit batched calls at all.
	ErrUnsupportedBatching = errors.New("wallet: batched calls unsupported")
	// ErrBatchTooLarge indicates the provider refused a batch because of its size.
	ErrBatchTooLarge = errors.New("wallet: batch too large")
	// ErrInvalidResponseShape indicates a submission response carried no identifier.
	ErrInvalidResponseShape = errors.New("wallet: invalid response shape")
	// ErrStatusUnsupported indicates the provider cannot answer batch status queries.
	ErrStatusUnsupported = errors.New("wallet: batch status unsupported")
)

// PaymentCall is a single fixed-price payment call within a batch.
type PaymentCall struct {
	To    string
	Value *uint256.Int
	Data  []byte
}

// ProviderInfo identifies the connected signing provider.
type ProviderInfo struct {
	Name  string
	Flags []string
}

// Receipt is the ledger outcome of a fully identified transaction.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
}

// Provider is the signing/payment provider consumed by the engine. Response
// payloads are returned raw; callers normalise them with NormalizeSubmission and
// NormalizeStatus so provider-specific shapes never leak past this package.
type Provider interface {
	Info() ProviderInfo
	SubmitBatch(ctx context.Context, calls []PaymentCall) (json.RawMessage, error)
	GetBatchStatus(ctx context.Context, handle string) (json.RawMessage, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error)
}

// ProviderError carries a provider-reported error code and message.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// FuncProvider adapts callback functions to the Provider interface.
type FuncProvider struct {
	ProviderInfo ProviderInfo
	SubmitFunc   func(ctx context.Context, calls []PaymentCall) (json.RawMessage, error)
	StatusFunc   func(ctx context.Context, handle string) (json.RawMessage, error)
	WaitFunc     func(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error)
}

// Info returns the configured provider identity.
func (p FuncProvider) Info() ProviderInfo { return p.ProviderInfo }

// SubmitBatch delegates to the configured callback.
func (p FuncProvider) SubmitBatch(ctx context.Context, calls []PaymentCall) (json.RawMessage, error) {
	if p.SubmitFunc == nil {
		return nil, ErrUnsupportedBatching
	}
	return p.SubmitFunc(ctx, calls)
}

// GetBatchStatus delegates to the configured callback.
func (p FuncProvider) GetBatchStatus(ctx context.Context, handle string) (json.RawMessage, error) {
	if p.StatusFunc == nil {
		return nil, ErrStatusUnsupported
	}
	return p.StatusFunc(ctx, handle)
}

// WaitForConfirmation delegates to the configured callback.
func (p FuncProvider) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	if p.WaitFunc == nil {
		return Receipt{}, fmt.Errorf("wallet: confirmation wait not configured")
	}
	return p.WaitFunc(ctx, txHash, timeout)
}
