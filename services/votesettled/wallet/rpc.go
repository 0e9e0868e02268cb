package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ConfirmationWaiter resolves full transaction hashes against the ledger.
type ConfirmationWaiter interface {
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error)
}

// RPCProvider submits batches to a wallet endpoint speaking the batched-calls
// JSON-RPC methods (wallet_sendCalls / wallet_getCallsStatus).
type RPCProvider struct {
	endpoint  string
	authToken string
	from      string
	chainID   uint64
	info      ProviderInfo
	http      *http.Client
	limiter   *rate.Limiter
	waiter    ConfirmationWaiter
	nextID    atomic.Int64
}

// RPCOption customises the RPC provider.
type RPCOption func(*RPCProvider)

// WithAuthToken sets the bearer token attached to every request.
func WithAuthToken(token string) RPCOption {
	return func(p *RPCProvider) { p.authToken = strings.TrimSpace(token) }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) RPCOption {
	return func(p *RPCProvider) {
		if client != nil {
			p.http = client
		}
	}
}

// WithRateLimit paces outgoing RPC calls. A non-positive rate disables pacing.
func WithRateLimit(perSecond float64, burst int) RPCOption {
	return func(p *RPCProvider) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithConfirmationWaiter supplies the ledger receipt waiter.
func WithConfirmationWaiter(waiter ConfirmationWaiter) RPCOption {
	return func(p *RPCProvider) { p.waiter = waiter }
}

// NewRPCProvider constructs a provider for the supplied endpoint and sender account.
func NewRPCProvider(endpoint, from string, chainID uint64, info ProviderInfo, opts ...RPCOption) *RPCProvider {
	p := &RPCProvider{
		endpoint: strings.TrimSpace(endpoint),
		from:     strings.TrimSpace(from),
		chainID:  chainID,
		info:     info,
		http:     &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Info returns the provider identity used for capability detection.
func (p *RPCProvider) Info() ProviderInfo { return p.info }

type rpcCall struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data,omitempty"`
}

type sendCallsParams struct {
	Version        string    `json:"version"`
	ChainID        string    `json:"chainId"`
	From           string    `json:"from,omitempty"`
	AtomicRequired bool      `json:"atomicRequired"`
	Calls          []rpcCall `json:"calls"`
}

// SubmitBatch sends all calls as one atomic wallet_sendCalls request.
func (p *RPCProvider) SubmitBatch(ctx context.Context, calls []PaymentCall) (json.RawMessage, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("wallet: empty batch")
	}
	params := sendCallsParams{
		Version:        "2.0.0",
		ChainID:        "0x" + strconv.FormatUint(p.chainID, 16),
		From:           p.from,
		AtomicRequired: true,
		Calls:          make([]rpcCall, 0, len(calls)),
	}
	for _, call := range calls {
		value := "0x0"
		if call.Value != nil {
			value = call.Value.Hex()
		}
		entry := rpcCall{To: call.To, Value: value}
		if len(call.Data) > 0 {
			entry.Data = "0x" + hex.EncodeToString(call.Data)
		}
		params.Calls = append(params.Calls, entry)
	}
	return p.call(ctx, "wallet_sendCalls", []any{params})
}

// GetBatchStatus queries wallet_getCallsStatus for an opaque handle.
func (p *RPCProvider) GetBatchStatus(ctx context.Context, handle string) (json.RawMessage, error) {
	return p.call(ctx, "wallet_getCallsStatus", []any{handle})
}

// WaitForConfirmation delegates to the configured ledger waiter.
func (p *RPCProvider) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error) {
	if p.waiter == nil {
		return Receipt{}, fmt.Errorf("wallet: ledger waiter not configured")
	}
	return p.waiter.WaitForConfirmation(ctx, txHash, timeout)
}

func (p *RPCProvider) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if p.endpoint == "" {
		return nil, fmt.Errorf("wallet: provider endpoint not configured")
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	id := p.nextID.Add(1)
	buf, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("provider rpc %s failed: status=%d", method, resp.StatusCode)
		}
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, &ProviderError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider rpc %s failed: status=%d", method, resp.StatusCode)
	}
	if len(rpcResp.Result) == 0 {
		return nil, fmt.Errorf("provider rpc %s returned empty result", method)
	}
	return rpcResp.Result, nil
}
