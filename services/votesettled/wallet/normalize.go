package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// HandleKind classifies the identifier returned for a submitted batch.
type HandleKind string

const (
	// HandleFullTxHash is a canonical ledger transaction hash.
	HandleFullTxHash HandleKind = "full_tx_hash"
	// HandleOpaqueBatchID is a provider handle that needs a status query to resolve.
	HandleOpaqueBatchID HandleKind = "opaque_batch_id"
)

// TxHashLength is the length of a canonical 0x-prefixed 32-byte transaction hash.
const TxHashLength = 66

// Handle is a normalised submission identifier.
type Handle struct {
	Value string
	Kind  HandleKind
}

// Status is the normalised confirmation state of a batch.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

var hexIdentifier = regexp.MustCompile(`0x[0-9a-fA-F]{4,}`)

// Field names providers use for the submission identifier, in preference order.
var handleFields = []string{"id", "batchId", "batch_id", "callsId", "calls_id", "bundleId", "bundle_id", "hash", "txHash", "tx_hash", "transactionHash", "result", "data"}

// NormalizeSubmission extracts the batch handle from a provider response. The
// response may be a bare identifier string, a JSON string, or an object wrapping the
// identifier under any of several field names.
func NormalizeSubmission(raw json.RawMessage) (Handle, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Handle{}, ErrInvalidResponseShape
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		decoded = trimmed
	}
	match := findIdentifier(decoded)
	if match == "" {
		return Handle{}, fmt.Errorf("%w: %s", ErrInvalidResponseShape, abbreviate(trimmed))
	}
	kind := HandleOpaqueBatchID
	if len(match) == TxHashLength {
		kind = HandleFullTxHash
	}
	return Handle{Value: match, Kind: kind}, nil
}

func findIdentifier(value any) string {
	switch v := value.(type) {
	case string:
		return hexIdentifier.FindString(v)
	case []any:
		for _, item := range v {
			if found := findIdentifier(item); found != "" {
				return found
			}
		}
	case map[string]any:
		for _, field := range handleFields {
			if nested, ok := lookupField(v, field); ok {
				if found := findIdentifier(nested); found != "" {
					return found
				}
			}
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if found := findIdentifier(v[key]); found != "" {
				return found
			}
		}
	}
	return ""
}

func lookupField(obj map[string]any, field string) (any, bool) {
	if value, ok := obj[field]; ok {
		return value, true
	}
	for key, value := range obj {
		if strings.EqualFold(key, field) {
			return value, true
		}
	}
	return nil, false
}

var confirmedWords = map[string]struct{}{
	"confirmed": {}, "success": {}, "successful": {}, "succeeded": {}, "completed": {},
	"complete": {}, "mined": {}, "included": {}, "executed": {}, "finalized": {}, "0x1": {},
}

var failedWords = map[string]struct{}{
	"failed": {}, "failure": {}, "fail": {}, "reverted": {}, "rejected": {}, "cancelled": {},
	"canceled": {}, "dropped": {}, "error": {}, "expired": {}, "0x0": {},
}

// NormalizeStatus maps a provider status payload onto Pending, Confirmed or Failed.
// A definitive top-level status wins; otherwise per-call receipts decide, and
// anything unrecognised stays Pending.
func NormalizeStatus(raw json.RawMessage) Status {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return statusFromString(strings.TrimSpace(string(raw)))
	}
	return statusFromValue(decoded)
}

func statusFromValue(value any) Status {
	switch v := value.(type) {
	case float64:
		return statusFromCode(v)
	case string:
		return statusFromString(v)
	case map[string]any:
		for _, field := range []string{"status", "statusCode", "state"} {
			if nested, ok := lookupField(v, field); ok {
				if status := statusFromValue(nested); status != StatusPending {
					return status
				}
			}
		}
		if receipts, ok := lookupField(v, "receipts"); ok {
			if status := statusFromReceipts(receipts); status != StatusPending {
				return status
			}
		}
		if nested, ok := lookupField(v, "result"); ok {
			return statusFromValue(nested)
		}
	}
	return StatusPending
}

func statusFromReceipts(value any) Status {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return StatusPending
	}
	confirmed := 0
	for _, item := range list {
		switch statusFromValue(item) {
		case StatusFailed:
			return StatusFailed
		case StatusConfirmed:
			confirmed++
		}
	}
	if confirmed == len(list) {
		return StatusConfirmed
	}
	return StatusPending
}

func statusFromCode(code float64) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusConfirmed
	case code >= 400 && code < 700:
		return StatusFailed
	default:
		return StatusPending
	}
}

func statusFromString(raw string) Status {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return StatusPending
	}
	if _, ok := confirmedWords[normalized]; ok {
		return StatusConfirmed
	}
	if _, ok := failedWords[normalized]; ok {
		return StatusFailed
	}
	if code, err := strconv.ParseFloat(normalized, 64); err == nil {
		return statusFromCode(code)
	}
	return StatusPending
}

var (
	rejectionPhrases   = []string{"user rejected", "user denied", "rejected by user", "denied by user", "user cancel", "cancelled by user", "canceled by user", "request rejected"}
	tooLargePhrases    = []string{"too large", "too many calls", "exceeds maximum", "batch size", "max calls"}
	unsupportedPhrases = []string{"method not found", "not supported", "unsupported method", "does not support", "not implemented", "method not available"}
)

// ClassifyError maps a submission error onto the wallet error taxonomy. Errors that
// match no category are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for _, sentinel := range []error{ErrUserRejected, ErrUnsupportedBatching, ErrBatchTooLarge, ErrInvalidResponseShape} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		switch perr.Code {
		case 4001:
			return fmt.Errorf("%w: %w", ErrUserRejected, err)
		case 4200, -32601, 5700, 5760:
			return fmt.Errorf("%w: %w", ErrUnsupportedBatching, err)
		case 5740:
			return fmt.Errorf("%w: %w", ErrBatchTooLarge, err)
		}
	}
	message := strings.ToLower(err.Error())
	switch {
	case containsAny(message, rejectionPhrases):
		return fmt.Errorf("%w: %w", ErrUserRejected, err)
	case containsAny(message, unsupportedPhrases):
		// "batch size not supported" is fatal; splitting would not help.
		return fmt.Errorf("%w: %w", ErrUnsupportedBatching, err)
	case containsAny(message, tooLargePhrases):
		return fmt.Errorf("%w: %w", ErrBatchTooLarge, err)
	}
	return err
}

// ClassifyStatusError reports ErrStatusUnsupported when the provider lacks the status
// query method; other errors are returned unchanged and treated as transient.
func ClassifyStatusError(err error) error {
	if err == nil || errors.Is(err, ErrStatusUnsupported) {
		return err
	}
	var perr *ProviderError
	if errors.As(err, &perr) && (perr.Code == 4200 || perr.Code == -32601) {
		return fmt.Errorf("%w: %w", ErrStatusUnsupported, err)
	}
	if containsAny(strings.ToLower(err.Error()), unsupportedPhrases) {
		return fmt.Errorf("%w: %w", ErrStatusUnsupported, err)
	}
	return err
}

func containsAny(message string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}

func abbreviate(raw string) string {
	if len(raw) <= 64 {
		return raw
	}
	return raw[:64] + "…"
}
