package votesettled

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"votesettle/services/votesettled/store"
	"votesettle/services/votesettled/wallet"
)

const testPayee = "0x00000000000000000000000000000000000000aa"

func fullTxHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func opaqueID(n int) string {
	return fmt.Sprintf("0xb%07x", n)
}

func rawString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func setupStore(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := store.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.New(db, nil), db
}

func testPolicy() Policy {
	policy := DefaultPolicy()
	policy.PollInterval = time.Millisecond
	policy.PollAttempts = 3
	policy.ConfirmTimeout = time.Second
	policy.Payee = testPayee
	return policy
}

// fakeProvider records every submission and answers from scripted callbacks.
type fakeProvider struct {
	mu      sync.Mutex
	info    wallet.ProviderInfo
	batches [][]wallet.PaymentCall

	// submit receives the 1-based submission number.
	submit func(n int, calls []wallet.PaymentCall) (json.RawMessage, error)
	status func(handle string) (json.RawMessage, error)
	wait   func(txHash string) (wallet.Receipt, error)
}

func (p *fakeProvider) Info() wallet.ProviderInfo { return p.info }

func (p *fakeProvider) SubmitBatch(_ context.Context, calls []wallet.PaymentCall) (json.RawMessage, error) {
	p.mu.Lock()
	p.batches = append(p.batches, calls)
	n := len(p.batches)
	p.mu.Unlock()
	if p.submit == nil {
		return rawString(opaqueID(n)), nil
	}
	return p.submit(n, calls)
}

func (p *fakeProvider) GetBatchStatus(_ context.Context, handle string) (json.RawMessage, error) {
	if p.status == nil {
		return nil, wallet.ErrStatusUnsupported
	}
	return p.status(handle)
}

func (p *fakeProvider) WaitForConfirmation(_ context.Context, txHash string, _ time.Duration) (wallet.Receipt, error) {
	if p.wait == nil {
		return wallet.Receipt{TxHash: txHash, Success: true}, nil
	}
	return p.wait(txHash)
}

func (p *fakeProvider) submissions() [][]wallet.PaymentCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]wallet.PaymentCall(nil), p.batches...)
}

func confirmedStatus(string) (json.RawMessage, error) {
	return json.RawMessage(`{"status":200}`), nil
}

func newTestEngine(t *testing.T, provider wallet.Provider, persistence Persistence, opts ...EngineOption) (*Engine, *Hub) {
	t.Helper()
	hub := NewHub(0)
	base := []EngineOption{
		WithProvider(provider),
		WithStore(persistence),
		WithPolicy(testPolicy()),
		WithEvents(hub),
	}
	return NewEngine(append(base, opts...)...), hub
}

func eventKinds(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		label := string(ev.Kind)
		if ev.Status != "" {
			label += ":" + ev.Status
		}
		out = append(out, label)
	}
	return out
}

func countVoteRecords(t *testing.T, db *gorm.DB, species string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&store.VoteRecord{}).Where("species_id = ?", strings.TrimSpace(species)).Count(&count).Error)
	return count
}
