package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrConfirmationTimeout indicates no receipt appeared before the wait deadline.
var ErrConfirmationTimeout = errors.New("wallet: confirmation timed out")

// ReceiptClient is the subset of the Ethereum RPC used to await receipts.
type ReceiptClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// ReceiptWaiter blocks until a transaction receipt is available on the ledger.
type ReceiptWaiter struct {
	client   ReceiptClient
	interval time.Duration
}

// NewReceiptWaiter wraps an Ethereum client. A non-positive interval defaults to 2s.
func NewReceiptWaiter(client ReceiptClient, interval time.Duration) *ReceiptWaiter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ReceiptWaiter{client: client, interval: interval}
}

// DialReceiptWaiter connects to the ledger RPC endpoint. The returned close function
// releases the underlying connection.
func DialReceiptWaiter(endpoint string, interval time.Duration) (*ReceiptWaiter, func(), error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("ledger endpoint required")
	}
	client, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ledger: %w", err)
	}
	return NewReceiptWaiter(client, interval), client.Close, nil
}

// WaitForConfirmation polls for the receipt of txHash until it is mined or the
// timeout elapses. Lookup errors other than not-found are retried until the deadline.
func (w *ReceiptWaiter) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	if w == nil || w.client == nil {
		return Receipt{}, fmt.Errorf("receipt waiter not initialised")
	}
	if len(txHash) != TxHashLength {
		return Receipt{}, fmt.Errorf("wallet: malformed transaction hash %q", txHash)
	}
	hash := common.HexToHash(txHash)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			out := Receipt{
				TxHash:  hash.Hex(),
				Success: receipt.Status == gethtypes.ReceiptStatusSuccessful,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return out, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if lastErr != nil {
					return Receipt{}, fmt.Errorf("%w: %s (last error: %v)", ErrConfirmationTimeout, hash.Hex(), lastErr)
				}
				return Receipt{}, fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash.Hex())
			}
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
