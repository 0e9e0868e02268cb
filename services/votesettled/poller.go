package votesettled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"votesettle/services/votesettled/wallet"
)

const (
	// DefaultPollInterval spaces status queries for opaque batch handles.
	DefaultPollInterval = 2 * time.Second
	// DefaultPollAttempts bounds status queries for one opaque handle.
	DefaultPollAttempts = 90
	// DefaultConfirmTimeout bounds the ledger wait for a full transaction hash.
	DefaultConfirmTimeout = 3 * time.Minute
)

// Causes recorded when a batch is confirmed without a definitive status.
const (
	CauseStatusUnsupported = "status_unsupported"
	CauseAttemptsExhausted = "attempts_exhausted"
)

// Confirmation is the outcome of awaiting one batch handle.
type Confirmation struct {
	Status wallet.Status
	// Ambiguous is set when Status was assumed rather than reported.
	Ambiguous bool
	Cause     string
	Attempts  int
	Receipt   *wallet.Receipt
}

// Poller resolves submission handles into a terminal status.
type Poller struct {
	provider       wallet.Provider
	interval       time.Duration
	attempts       int
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// NewPoller constructs a poller. Zero values select the package defaults.
func NewPoller(provider wallet.Provider, interval time.Duration, attempts int, confirmTimeout time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if attempts <= 0 {
		attempts = DefaultPollAttempts
	}
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{provider: provider, interval: interval, attempts: attempts, confirmTimeout: confirmTimeout, logger: logger}
}

// Await blocks until the handle resolves. Full transaction hashes wait once on
// the ledger; opaque handles are polled until a definitive status or the attempt
// budget runs out, after which the batch is optimistically confirmed.
func (p *Poller) Await(ctx context.Context, handle wallet.Handle) (Confirmation, error) {
	if handle.Kind == wallet.HandleFullTxHash {
		return p.awaitReceipt(ctx, handle.Value)
	}
	return p.pollStatus(ctx, handle.Value)
}

func (p *Poller) awaitReceipt(ctx context.Context, txHash string) (Confirmation, error) {
	receipt, err := p.provider.WaitForConfirmation(ctx, txHash, p.confirmTimeout)
	if err != nil {
		if errors.Is(err, wallet.ErrConfirmationTimeout) || ctx.Err() != nil {
			return Confirmation{}, err
		}
		return Confirmation{}, fmt.Errorf("await receipt %s: %w", txHash, err)
	}
	status := wallet.StatusFailed
	if receipt.Success {
		status = wallet.StatusConfirmed
	}
	return Confirmation{Status: status, Attempts: 1, Receipt: &receipt}, nil
}

func (p *Poller) pollStatus(ctx context.Context, handle string) (Confirmation, error) {
	for attempt := 1; attempt <= p.attempts; attempt++ {
		raw, err := p.provider.GetBatchStatus(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return Confirmation{}, ctx.Err()
			}
			if errors.Is(wallet.ClassifyStatusError(err), wallet.ErrStatusUnsupported) {
				// Give the dispatched payment one interval to land before crediting it.
				if err := p.wait(ctx); err != nil {
					return Confirmation{}, err
				}
				return Confirmation{Status: wallet.StatusConfirmed, Ambiguous: true, Cause: CauseStatusUnsupported, Attempts: attempt}, nil
			}
			p.logger.Warn("batch status query failed",
				slog.String("handle", handle),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		} else if status := wallet.NormalizeStatus(raw); status != wallet.StatusPending {
			return Confirmation{Status: status, Attempts: attempt}, nil
		}
		if attempt == p.attempts {
			break
		}
		if err := p.wait(ctx); err != nil {
			return Confirmation{}, err
		}
	}
	return Confirmation{Status: wallet.StatusConfirmed, Ambiguous: true, Cause: CauseAttemptsExhausted, Attempts: p.attempts}, nil
}

func (p *Poller) wait(ctx context.Context) error {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
