package votesettled

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// MaxRating is the largest weight a single vote unit can carry.
	MaxRating = 5
	// DefaultMaxWeight bounds the total weight of one request.
	DefaultMaxWeight = 10_000
)

// VoteUnit is one payment-backed vote. Rating doubles as the contributed weight.
type VoteUnit struct {
	Rating int
}

// VoteRequest is the planned decomposition of a requested weight.
type VoteRequest struct {
	TotalWeight int
	UnitPrice   *uint256.Int
	Units       []VoteUnit
}

// TotalPrice is the summed payment value of every unit.
func (r VoteRequest) TotalPrice() *uint256.Int {
	total := new(uint256.Int)
	if r.UnitPrice == nil {
		return total
	}
	return total.Mul(r.UnitPrice, uint256.NewInt(uint64(len(r.Units))))
}

// PlanVotes greedily packs totalWeight into units of at most MaxRating so the
// request uses the fewest payments. A non-positive maxWeight selects DefaultMaxWeight.
func PlanVotes(totalWeight, maxWeight int, unitPrice *uint256.Int) (VoteRequest, error) {
	if maxWeight <= 0 {
		maxWeight = DefaultMaxWeight
	}
	if totalWeight <= 0 {
		return VoteRequest{}, fmt.Errorf("%w: %d must be positive", ErrInvalidWeight, totalWeight)
	}
	if totalWeight > maxWeight {
		return VoteRequest{}, fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidWeight, totalWeight, maxWeight)
	}
	units := make([]VoteUnit, 0, (totalWeight+MaxRating-1)/MaxRating)
	for remaining := totalWeight; remaining > 0; {
		rating := min(remaining, MaxRating)
		units = append(units, VoteUnit{Rating: rating})
		remaining -= rating
	}
	req := VoteRequest{TotalWeight: totalWeight, Units: units}
	if unitPrice != nil {
		req.UnitPrice = new(uint256.Int).Set(unitPrice)
	}
	return req, nil
}

// Ratings returns the unit ratings in order.
func Ratings(units []VoteUnit) []int {
	out := make([]int, len(units))
	for i, u := range units {
		out[i] = u.Rating
	}
	return out
}

// Weight sums the ratings of units.
func Weight(units []VoteUnit) int64 {
	var total int64
	for _, u := range units {
		total += int64(u.Rating)
	}
	return total
}
