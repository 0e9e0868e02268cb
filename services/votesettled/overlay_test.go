package votesettled

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestOverlayLifecycle(t *testing.T) {
	overlay := NewOverlay(fixedClock())

	view := overlay.View("session-1", "owl")
	require.Equal(t, OverlayIdle, view.State)

	require.NoError(t, overlay.Begin("session-1", "owl", "req-1", 40, 23))
	view = overlay.View("session-1", "owl")
	require.Equal(t, OverlayPending, view.State)
	require.EqualValues(t, 63, view.Displayed)
	require.Equal(t, "req-1", view.RequestID)
	require.Equal(t, 1, overlay.Pending())

	overlay.Settle("session-1", "owl", 63)
	view = overlay.View("session-1", "owl")
	require.Equal(t, OverlaySettled, view.State)
	require.EqualValues(t, 63, view.Base)
	require.Zero(t, view.Delta)
	require.Zero(t, overlay.Pending())
}

func TestOverlayRejectsSecondPendingRequest(t *testing.T) {
	overlay := NewOverlay(nil)
	require.NoError(t, overlay.Begin("s", "owl", "req-1", 0, 5))
	require.ErrorIs(t, overlay.Begin("s", "owl", "req-2", 0, 5), ErrRequestInFlight)
	require.ErrorIs(t, overlay.Begin(" s ", " owl", "req-3", 0, 5), ErrRequestInFlight)

	// Other species and other sessions are independent.
	require.NoError(t, overlay.Begin("s", "heron", "req-4", 0, 5))
	require.NoError(t, overlay.Begin("t", "owl", "req-5", 0, 5))

	overlay.RollBack("s", "owl", 0)
	require.NoError(t, overlay.Begin("s", "owl", "req-6", 0, 5))
}

func TestOverlayReduceFloorsAtZero(t *testing.T) {
	overlay := NewOverlay(nil)
	require.NoError(t, overlay.Begin("s", "owl", "req-1", 100, 30))

	overlay.Reduce("s", "owl", 10)
	require.EqualValues(t, 120, overlay.View("s", "owl").Displayed)

	overlay.Reduce("s", "owl", 50)
	view := overlay.View("s", "owl")
	require.Zero(t, view.Delta)
	require.EqualValues(t, 100, view.Displayed)

	overlay.RollBack("s", "owl", 100)
	overlay.Reduce("s", "owl", 10)
	require.EqualValues(t, 100, overlay.View("s", "owl").Displayed)
}

func TestOverlayRefresh(t *testing.T) {
	overlay := NewOverlay(nil)

	view := overlay.Refresh("s", "owl", 12)
	require.Equal(t, OverlayIdle, view.State)
	require.EqualValues(t, 12, view.Displayed)

	require.NoError(t, overlay.Begin("s", "owl", "req-1", 12, 8))
	view = overlay.Refresh("s", "owl", 15)
	require.EqualValues(t, 12, view.Base)
	require.EqualValues(t, 20, view.Displayed)

	overlay.RollBack("s", "owl", 12)
	view = overlay.Refresh("s", "owl", 30)
	require.Equal(t, OverlayRolledBack, view.State)
	require.EqualValues(t, 30, view.Displayed)
}
