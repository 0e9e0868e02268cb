package votesettled

import (
	"strings"
	"sync"
	"time"
)

// OverlayState is the lifecycle of a session's optimistic display for one species.
type OverlayState string

const (
	OverlayIdle       OverlayState = "idle"
	OverlayPending    OverlayState = "pending"
	OverlaySettled    OverlayState = "settled"
	OverlayRolledBack OverlayState = "rolled_back"
)

// OverlayView is the displayed weight of a species for one session.
type OverlayView struct {
	State     OverlayState `json:"state"`
	Base      int64        `json:"base"`
	Delta     int64        `json:"delta"`
	Displayed int64        `json:"displayed"`
	RequestID string       `json:"request_id,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type overlayKey struct {
	session string
	species string
}

type overlayEntry struct {
	state     OverlayState
	base      int64
	delta     int64
	requestID string
	updatedAt time.Time
}

// Overlay holds the optimistic delta shown on top of the last fetched aggregate.
// At most one request per session and species may be pending at a time.
type Overlay struct {
	mu      sync.Mutex
	entries map[overlayKey]*overlayEntry
	now     func() time.Time
}

// NewOverlay constructs an empty overlay.
func NewOverlay(now func() time.Time) *Overlay {
	if now == nil {
		now = time.Now
	}
	return &Overlay{entries: make(map[overlayKey]*overlayEntry), now: now}
}

func keyFor(session, species string) overlayKey {
	return overlayKey{session: strings.TrimSpace(session), species: strings.TrimSpace(species)}
}

// Begin moves the session into Pending with the full requested delta on top of base.
func (o *Overlay) Begin(session, species, requestID string, base, delta int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := keyFor(session, species)
	if entry, ok := o.entries[key]; ok && entry.state == OverlayPending {
		return ErrRequestInFlight
	}
	o.entries[key] = &overlayEntry{
		state:     OverlayPending,
		base:      base,
		delta:     delta,
		requestID: requestID,
		updatedAt: o.now(),
	}
	return nil
}

// Reduce removes weight that will no longer be credited from a pending delta.
func (o *Overlay) Reduce(session, species string, weight int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[keyFor(session, species)]
	if !ok || entry.state != OverlayPending {
		return
	}
	entry.delta = max(entry.delta-weight, 0)
	entry.updatedAt = o.now()
}

// Settle replaces the base with a fresh aggregate read and clears the delta.
func (o *Overlay) Settle(session, species string, fresh int64) {
	o.finish(session, species, OverlaySettled, fresh)
}

// RollBack records a failed request: the base is refreshed and the delta cleared.
func (o *Overlay) RollBack(session, species string, fresh int64) {
	o.finish(session, species, OverlayRolledBack, fresh)
}

func (o *Overlay) finish(session, species string, state OverlayState, fresh int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := keyFor(session, species)
	entry, ok := o.entries[key]
	if !ok {
		entry = &overlayEntry{}
		o.entries[key] = entry
	}
	entry.state = state
	entry.base = fresh
	entry.delta = 0
	entry.updatedAt = o.now()
}

// Refresh updates the base of a non-pending entry after a ground-truth read.
// Pending entries keep the base they started with so the delta stays meaningful.
func (o *Overlay) Refresh(session, species string, fresh int64) OverlayView {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := keyFor(session, species)
	entry, ok := o.entries[key]
	if !ok {
		return OverlayView{State: OverlayIdle, Base: fresh, Displayed: fresh}
	}
	if entry.state != OverlayPending {
		entry.base = fresh
		entry.delta = 0
	}
	return entry.view()
}

// View returns the current display state without refreshing.
func (o *Overlay) View(session, species string) OverlayView {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[keyFor(session, species)]
	if !ok {
		return OverlayView{State: OverlayIdle}
	}
	return entry.view()
}

// Pending counts entries with a request in flight.
func (o *Overlay) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, entry := range o.entries {
		if entry.state == OverlayPending {
			n++
		}
	}
	return n
}

func (e *overlayEntry) view() OverlayView {
	return OverlayView{
		State:     e.state,
		Base:      e.base,
		Delta:     e.delta,
		Displayed: e.base + e.delta,
		RequestID: e.requestID,
		UpdatedAt: e.updatedAt,
	}
}
