package votesettled

import (
	"fmt"

	"votesettle/services/votesettled/wallet"
)

// DefaultFallbackChunk is the batch size used after a provider rejects a batch as too large.
const DefaultFallbackChunk = 3

// BatchStatus tracks a batch through submission and confirmation.
type BatchStatus int

const (
	BatchPending BatchStatus = iota
	BatchConfirmed
	BatchFailed
	BatchTooLarge
)

func (s BatchStatus) String() string {
	switch s {
	case BatchConfirmed:
		return "confirmed"
	case BatchFailed:
		return "failed"
	case BatchTooLarge:
		return "too_large"
	default:
		return "pending"
	}
}

// Batch is a group of vote units submitted as one provider request.
type Batch struct {
	Units    []VoteUnit
	Handle   wallet.Handle
	Status   BatchStatus
	Recorded bool
	// Resplit marks batches produced by Resplit; they are never split again.
	Resplit bool
}

// Weight is the summed rating of the batch.
func (b Batch) Weight() int64 { return Weight(b.Units) }

// Partition chunks units into ordered batches of at most ceiling units.
func Partition(units []VoteUnit, ceiling int) []Batch {
	return chunk(units, ceiling, false)
}

// Resplit subdivides a batch the provider rejected as too large into chunks of
// fallback units. A batch that was itself produced by Resplit cannot be split again.
func Resplit(b Batch, fallback int) ([]Batch, error) {
	if b.Resplit {
		return nil, fmt.Errorf("%w: %d units after resplit", ErrBatchTooLarge, len(b.Units))
	}
	if fallback <= 0 {
		fallback = DefaultFallbackChunk
	}
	if fallback >= len(b.Units) && len(b.Units) > 1 {
		fallback = (len(b.Units) + 1) / 2
	}
	return chunk(b.Units, fallback, true), nil
}

// Flatten concatenates the units of batches in order.
func Flatten(batches []Batch) []VoteUnit {
	var out []VoteUnit
	for _, b := range batches {
		out = append(out, b.Units...)
	}
	return out
}

func chunk(units []VoteUnit, size int, resplit bool) []Batch {
	if size < 1 {
		size = 1
	}
	batches := make([]Batch, 0, (len(units)+size-1)/size)
	for start := 0; start < len(units); start += size {
		end := min(start+size, len(units))
		part := make([]VoteUnit, end-start)
		copy(part, units[start:end])
		batches = append(batches, Batch{Units: part, Resplit: resplit})
	}
	return batches
}
