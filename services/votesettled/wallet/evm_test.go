package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type scriptedReceipts struct {
	mu      sync.Mutex
	calls   int
	results []func() (*gethtypes.Receipt, error)
}

func (s *scriptedReceipts) TransactionReceipt(_ context.Context, _ common.Hash) (*gethtypes.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		return nil, ethereum.NotFound
	}
	return s.results[idx]()
}

func notFound() (*gethtypes.Receipt, error) { return nil, ethereum.NotFound }

func TestReceiptWaiterWaitsForMinedReceipt(t *testing.T) {
	client := &scriptedReceipts{results: []func() (*gethtypes.Receipt, error){
		notFound,
		func() (*gethtypes.Receipt, error) { return nil, errors.New("temporary outage") },
		func() (*gethtypes.Receipt, error) {
			return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)}, nil
		},
	}}
	waiter := NewReceiptWaiter(client, time.Millisecond)

	receipt, err := waiter.WaitForConfirmation(context.Background(), fullHash, time.Second)
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Equal(t, uint64(42), receipt.BlockNumber)
	require.Equal(t, common.HexToHash(fullHash).Hex(), receipt.TxHash)
	require.Equal(t, 3, client.calls)
}

func TestReceiptWaiterReportsRevertedTransaction(t *testing.T) {
	client := &scriptedReceipts{results: []func() (*gethtypes.Receipt, error){
		func() (*gethtypes.Receipt, error) {
			return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed}, nil
		},
	}}
	receipt, err := NewReceiptWaiter(client, time.Millisecond).WaitForConfirmation(context.Background(), fullHash, time.Second)
	require.NoError(t, err)
	require.False(t, receipt.Success)
}

func TestReceiptWaiterTimesOut(t *testing.T) {
	waiter := NewReceiptWaiter(&scriptedReceipts{}, time.Millisecond)
	_, err := waiter.WaitForConfirmation(context.Background(), fullHash, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestReceiptWaiterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waiter := NewReceiptWaiter(&scriptedReceipts{}, time.Millisecond)
	_, err := waiter.WaitForConfirmation(ctx, fullHash, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestReceiptWaiterRejectsMalformedHash(t *testing.T) {
	_, err := NewReceiptWaiter(&scriptedReceipts{}, time.Millisecond).WaitForConfirmation(context.Background(), "0x1234", time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConfirmationTimeout)
}
