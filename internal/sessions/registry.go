package sessions

import (
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// idSuffixLen is the length of the random part of a session id.
const idSuffixLen = 12

// Registry maps session ids to live sessions. It holds no state shared
// between sessions other than the map itself.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	defaultVoice  string
	defaultLocale string
}

func NewRegistry(defaultVoice, defaultLocale string) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		defaultVoice:  defaultVoice,
		defaultLocale: defaultLocale,
	}
}

// Create registers a new connected session for userID.
func (r *Registry) Create(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := newID()
	for r.sessions[id] != nil {
		id = newID()
	}
	s := newSession(id, userID, r.defaultVoice, r.defaultLocale)
	r.sessions[id] = s
	metricSessionsCreated.Inc()
	gaugeSessionsActive.Set(float64(len(r.sessions)))
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id; removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	gaugeSessionsActive.Set(float64(len(r.sessions)))
}

// End asks the owner of id to tear it down. It reports whether id was live.
func (r *Registry) End(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.RequestEnd()
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns snapshots ordered by creation time.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// newID combines a nanosecond timestamp with a random alphanumeric suffix.
func newID() string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixNano(), randomSuffix(idSuffixLen))
}

// randomSuffix draws n characters uniformly from idAlphabet. Bytes at or above
// the largest multiple of the alphabet size are rejected.
func randomSuffix(n int) string {
	limit := 256 - 256%len(idAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/2)
	for len(out) < n {
		_, _ = rand.Read(buf)
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}
