package votesettled

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"votesettle/storage"
)

// JournalState is the persisted lifecycle of a request.
type JournalState string

const (
	JournalPending    JournalState = "pending"
	JournalCompleted  JournalState = "completed"
	JournalRolledBack JournalState = "rolled_back"
)

var journalPrefix = []byte("votesettle/request/")

// JournalEntry records the committed progress of one request so a crash
// between batches can be rolled back on restart.
type JournalEntry struct {
	RequestID   string       `json:"request_id"`
	SessionID   string       `json:"session_id"`
	SpeciesID   string       `json:"species_id"`
	Voter       string       `json:"voter"`
	TotalWeight int          `json:"total_weight"`
	State       JournalState `json:"state"`
	Committed   []string     `json:"committed,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Journal persists request progress in a key-value store.
type Journal struct {
	mu  sync.Mutex
	db  storage.Database
	now func() time.Time
}

// NewJournal wraps db. A nil clock defaults to time.Now.
func NewJournal(db storage.Database, now func() time.Time) *Journal {
	if now == nil {
		now = time.Now
	}
	return &Journal{db: db, now: now}
}

func journalKey(requestID string) []byte {
	sum := blake3.Sum256([]byte(requestID))
	key := make([]byte, 0, len(journalPrefix)+hex.EncodedLen(len(sum)))
	key = append(key, journalPrefix...)
	return hex.AppendEncode(key, sum[:])
}

// Begin records a new pending request. Reusing a request id is rejected.
func (j *Journal) Begin(entry JournalEntry) error {
	if j == nil {
		return nil
	}
	entry.RequestID = strings.TrimSpace(entry.RequestID)
	if entry.RequestID == "" {
		return fmt.Errorf("journal: request id required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.Get(journalKey(entry.RequestID)); err == nil {
		return ErrDuplicateRequest
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	now := j.now()
	entry.State = JournalPending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return j.put(entry)
}

// Commit appends a settled payment reference to a pending request.
func (j *Journal) Commit(requestID, paymentRef string) error {
	if j == nil {
		return nil
	}
	return j.update(requestID, func(entry *JournalEntry) {
		entry.Committed = append(entry.Committed, paymentRef)
	})
}

// Finish moves a request into its terminal state.
func (j *Journal) Finish(requestID string, state JournalState, reason string) error {
	if j == nil {
		return nil
	}
	return j.update(requestID, func(entry *JournalEntry) {
		entry.State = state
		entry.Reason = reason
	})
}

// Get loads the entry for requestID.
func (j *Journal) Get(requestID string) (JournalEntry, error) {
	if j == nil {
		return JournalEntry{}, storage.ErrNotFound
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.get(requestID)
}

// Pending lists requests that never reached a terminal state.
func (j *Journal) Pending() ([]JournalEntry, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []JournalEntry
	err := j.db.Iterate(journalPrefix, func(_, value []byte) error {
		var entry JournalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("journal: decode entry: %w", err)
		}
		if entry.State == JournalPending {
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func (j *Journal) update(requestID string, mutate func(*JournalEntry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	entry, err := j.get(requestID)
	if err != nil {
		return err
	}
	mutate(&entry)
	entry.UpdatedAt = j.now()
	return j.put(entry)
}

func (j *Journal) get(requestID string) (JournalEntry, error) {
	raw, err := j.db.Get(journalKey(strings.TrimSpace(requestID)))
	if err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return JournalEntry{}, fmt.Errorf("journal: decode entry: %w", err)
	}
	return entry, nil
}

func (j *Journal) put(entry JournalEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Put(journalKey(entry.RequestID), raw)
}
