package votesettled

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestPlanVotesGreedyFill(t *testing.T) {
	cases := []struct {
		weight int
		want   []int
	}{
		{weight: 1, want: []int{1}},
		{weight: 5, want: []int{5}},
		{weight: 7, want: []int{5, 2}},
		{weight: 9, want: []int{5, 4}},
		{weight: 11, want: []int{5, 5, 1}},
		{weight: 23, want: []int{5, 5, 5, 5, 3}},
	}
	for _, tc := range cases {
		plan, err := PlanVotes(tc.weight, 0, uint256.NewInt(10))
		require.NoError(t, err)
		require.Equal(t, tc.want, Ratings(plan.Units), "weight %d", tc.weight)
		require.Equal(t, tc.weight, plan.TotalWeight)
	}
}

func TestPlanVotesCoversEveryWeight(t *testing.T) {
	for weight := 1; weight <= 500; weight++ {
		plan, err := PlanVotes(weight, 500, nil)
		require.NoError(t, err)
		require.EqualValues(t, weight, Weight(plan.Units))
		require.Len(t, plan.Units, (weight+MaxRating-1)/MaxRating)
		for i, unit := range plan.Units {
			require.GreaterOrEqual(t, unit.Rating, 1)
			require.LessOrEqual(t, unit.Rating, MaxRating)
			if i < len(plan.Units)-1 {
				require.Equal(t, MaxRating, unit.Rating)
			}
		}
	}
}

func TestPlanVotesRejectsInvalidWeight(t *testing.T) {
	for _, weight := range []int{0, -1, -50} {
		_, err := PlanVotes(weight, 100, nil)
		require.ErrorIs(t, err, ErrInvalidWeight)
	}
	_, err := PlanVotes(101, 100, nil)
	require.ErrorIs(t, err, ErrInvalidWeight)

	_, err = PlanVotes(DefaultMaxWeight+1, 0, nil)
	require.ErrorIs(t, err, ErrInvalidWeight)
}

func TestVoteRequestTotalPrice(t *testing.T) {
	price := uint256.NewInt(250)
	plan, err := PlanVotes(12, 0, price)
	require.NoError(t, err)
	require.Equal(t, uint64(750), plan.TotalPrice().Uint64())

	// The plan keeps its own copy of the price.
	price.SetUint64(1)
	require.Equal(t, uint64(750), plan.TotalPrice().Uint64())

	require.True(t, VoteRequest{}.TotalPrice().IsZero())
}
