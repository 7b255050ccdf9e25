// Package events keeps the per-session lifecycle journal and forwards it to
// an optional external sink.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxPerSession caps the in-memory history of a single session.
const MaxPerSession = 200

// DefaultRetainClosed is how many closed sessions keep their history.
const DefaultRetainClosed = 1000

const (
	TypeTruncated     = "events_truncated"
	TypeSessionClosed = "session_closed"
)

type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func newEvent(sessionID, typ string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Store is the in-memory journal, bounded per session. Histories of closed
// sessions are evicted oldest first once more than retainClosed are kept.
type Store struct {
	mu           sync.RWMutex
	bySess       map[string][]Event
	closed       []string
	isClosed     map[string]bool
	retainClosed int
}

func NewStore() *Store {
	return NewStoreRetaining(DefaultRetainClosed)
}

// NewStoreRetaining keeps the history of at most retainClosed closed
// sessions. Values below one keep only the most recent.
func NewStoreRetaining(retainClosed int) *Store {
	if retainClosed < 1 {
		retainClosed = 1
	}
	return &Store{
		bySess:       make(map[string][]Event),
		isClosed:     make(map[string]bool),
		retainClosed: retainClosed,
	}
}

// Add appends evt. When the session exceeds MaxPerSession, the oldest events
// are dropped and a single truncation marker at the head keeps the total at
// the cap.
func (s *Store) Add(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.bySess[evt.SessionID], evt)
	if l := len(list); l > MaxPerSession {
		keep := MaxPerSession - 1
		dropped := l - keep
		if head := list[0]; head.Type == TypeTruncated {
			if n, ok := head.Payload["dropped"].(int); ok {
				dropped += n - 1
			}
		}
		trimmed := make([]Event, 0, MaxPerSession)
		trimmed = append(trimmed, newEvent(evt.SessionID, TypeTruncated, map[string]any{
			"dropped": dropped,
			"kept":    keep,
		}))
		trimmed = append(trimmed, list[l-keep:]...)
		list = trimmed
	}
	s.bySess[evt.SessionID] = list
	if evt.Type == TypeSessionClosed {
		s.markClosedLocked(evt.SessionID)
	}
}

func (s *Store) markClosedLocked(id string) {
	if s.isClosed[id] {
		return
	}
	s.isClosed[id] = true
	s.closed = append(s.closed, id)
	for len(s.closed) > s.retainClosed {
		old := s.closed[0]
		s.closed[0] = ""
		s.closed = s.closed[1:]
		delete(s.isClosed, old)
		delete(s.bySess, old)
		metricEventsEvicted.Inc()
	}
}

// Len is the number of sessions with history.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySess)
}

// List returns a copy of the session's history, oldest first.
func (s *Store) List(sessionID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.bySess[sessionID]
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// Has reports whether any history exists for sessionID.
func (s *Store) Has(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySess[sessionID]
	return ok
}
