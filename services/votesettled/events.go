package votesettled

import (
	"strings"
	"sync"
	"time"

	"votesettle/observability"
)

// EventKind classifies progress events.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventResplit   EventKind = "resplit"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one progress notification for a vote request.
type Event struct {
	RequestID            string    `json:"request_id"`
	SpeciesID            string    `json:"species_id"`
	Kind                 EventKind `json:"kind"`
	BatchIndex           int       `json:"batch_index,omitempty"`
	TotalBatches         int       `json:"total_batches,omitempty"`
	Status               string    `json:"status,omitempty"`
	Success              bool      `json:"success,omitempty"`
	TotalConfirmedWeight int64     `json:"total_confirmed_weight,omitempty"`
	Reason               string    `json:"reason,omitempty"`
	Message              string    `json:"message,omitempty"`
	RequiresSupport      bool      `json:"requires_support,omitempty"`
	Time                 time.Time `json:"time"`
}

// Terminal reports whether no further events follow for the request.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

const (
	defaultHubRequests = 1024
	subscriberBuffer   = 64
)

type subscriber struct {
	ch chan Event
}

type requestLog struct {
	events   []Event
	terminal bool
	subs     map[*subscriber]struct{}
}

// Hub fans out progress events per request and retains a backlog so late
// subscribers observe the full history.
type Hub struct {
	mu       sync.Mutex
	logs     map[string]*requestLog
	order    []string
	capacity int
	metrics  interface {
		RecordPublished(string)
		RecordDropped(string)
	}
}

// NewHub constructs a hub retaining the backlog of up to capacity requests.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultHubRequests
	}
	return &Hub{
		logs:     make(map[string]*requestLog),
		capacity: capacity,
		metrics:  observability.Events(),
	}
}

// Publish appends ev to its request backlog and delivers it to subscribers.
// Slow subscribers drop events rather than block the engine.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	id := strings.TrimSpace(ev.RequestID)
	if id == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	log := h.logs[id]
	if log == nil {
		log = &requestLog{subs: make(map[*subscriber]struct{})}
		h.logs[id] = log
		h.order = append(h.order, id)
		h.evict()
	}
	if log.terminal {
		return
	}
	log.events = append(log.events, ev)
	h.metrics.RecordPublished(string(ev.Kind))
	for sub := range log.subs {
		select {
		case sub.ch <- ev:
		default:
			h.metrics.RecordDropped(string(ev.Kind))
		}
	}
	if ev.Terminal() {
		log.terminal = true
		for sub := range log.subs {
			close(sub.ch)
		}
		log.subs = make(map[*subscriber]struct{})
	}
}

// Subscribe replays the backlog of requestID and then streams new events. The
// channel is closed after the terminal event. The returned function cancels the
// subscription.
func (h *Hub) Subscribe(requestID string) (<-chan Event, func()) {
	id := strings.TrimSpace(requestID)
	h.mu.Lock()
	defer h.mu.Unlock()
	log := h.logs[id]
	if log == nil {
		log = &requestLog{subs: make(map[*subscriber]struct{})}
		h.logs[id] = log
		h.order = append(h.order, id)
		h.evict()
	}
	sub := &subscriber{ch: make(chan Event, len(log.events)+subscriberBuffer)}
	for _, ev := range log.events {
		sub.ch <- ev
	}
	if log.terminal {
		close(sub.ch)
		return sub.ch, func() {}
	}
	log.subs[sub] = struct{}{}
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := log.subs[sub]; ok {
				delete(log.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Events returns a copy of the backlog for requestID.
func (h *Hub) Events(requestID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	log := h.logs[strings.TrimSpace(requestID)]
	if log == nil {
		return nil
	}
	return append([]Event(nil), log.events...)
}

// Last returns the most recent event of requestID.
func (h *Hub) Last(requestID string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log := h.logs[strings.TrimSpace(requestID)]
	if log == nil || len(log.events) == 0 {
		return Event{}, false
	}
	return log.events[len(log.events)-1], true
}

// evict drops the oldest finished backlogs beyond capacity. Caller holds h.mu.
func (h *Hub) evict() {
	for len(h.order) > h.capacity {
		evicted := false
		for i, id := range h.order {
			log := h.logs[id]
			if log != nil && !log.terminal && len(log.subs) > 0 {
				continue
			}
			delete(h.logs, id)
			h.order = append(h.order[:i], h.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}
