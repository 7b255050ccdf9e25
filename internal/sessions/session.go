package sessions

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"lernory/voice/internal/upstream"
)

// ErrNoUpstream is returned when a submission needs a live upstream handle.
var ErrNoUpstream = errors.New("upstream not connected")

// Session is the state of one connected client. It is mutated only by the
// task serving the client's connection; the lock exists so that snapshots
// taken by other goroutines (admin API, registry listing) are consistent.
type Session struct {
	id        string
	userID    string
	createdAt time.Time

	mu       sync.RWMutex
	phase    Phase
	conn     ConnectionState
	audio    AudioInputState
	voice    string
	locale   string
	upstream upstream.Conn
	// pending counts submitted turns still waiting for the upstream to
	// complete them.
	pending int

	endOnce sync.Once
	endCh   chan struct{}
}

// Snapshot is a point-in-time copy of a session, safe to serialize.
type Snapshot struct {
	ID          string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	CreatedAt   time.Time       `json:"created_at"`
	Phase       Phase           `json:"phase"`
	Connection  ConnectionState `json:"connection"`
	AudioInput  AudioInputState `json:"audio_input"`
	Voice       string          `json:"voice"`
	Language    string          `json:"language"`
	HasUpstream bool            `json:"has_upstream"`
	OpenTurns   int             `json:"open_turns"`
}

func newSession(id, userID, voice, locale string) *Session {
	return &Session{
		id:        id,
		userID:    userID,
		createdAt: time.Now().UTC(),
		phase:     PhaseIdle,
		conn:      Connected,
		audio:     AudioIdle,
		voice:     voice,
		locale:    locale,
		endCh:     make(chan struct{}),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:          s.id,
		UserID:      s.userID,
		CreatedAt:   s.createdAt,
		Phase:       s.phase,
		Connection:  s.conn,
		AudioInput:  s.audio,
		Voice:       s.voice,
		Language:    s.locale,
		HasUpstream: s.upstream != nil,
		OpenTurns:   s.pending,
	}
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// PendingTurns is the number of submitted turns not yet completed.
func (s *Session) PendingTurns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

func (s *Session) AudioInput() AudioInputState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

func (s *Session) Voice() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voice
}

func (s *Session) Locale() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locale
}

func (s *Session) Upstream() upstream.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upstream
}

func (s *Session) SetVoice(v string) {
	s.mu.Lock()
	s.voice = v
	s.mu.Unlock()
}

func (s *Session) SetLocale(l string) {
	s.mu.Lock()
	s.locale = l
	s.mu.Unlock()
}

// AttachUpstream installs a freshly established handle.
func (s *Session) AttachUpstream(c upstream.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != Connected || s.phase == PhaseClosed {
		return ErrClosed
	}
	s.upstream = c
	return nil
}

// DetachUpstream clears the handle and returns it for the caller to close.
// Every pending turn and any utterance in flight is abandoned; open reports
// how many completions the client is still owed, counting an abandoned
// utterance as one when no turn was pending.
func (s *Session) DetachUpstream() (old upstream.Conn, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old = s.upstream
	s.upstream = nil
	if s.phase == PhaseClosed {
		return old, 0
	}
	open = s.pending
	if open == 0 && s.audio == AudioReceiving {
		open = 1
	}
	s.pending = 0
	s.audio = AudioIdle
	_ = s.setPhaseLocked(PhaseIdle)
	return old, open
}

// BeginAudio records an inbound audio frame. started is true when the frame
// opens a new utterance.
func (s *Session) BeginAudio() (started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return false, ErrClosed
	}
	if s.upstream == nil {
		return false, ErrNoUpstream
	}
	if s.audio == AudioReceiving {
		return false, nil
	}
	if err := s.setPhaseLocked(PhaseReceivingAudio); err != nil {
		return false, err
	}
	s.audio = AudioReceiving
	return true, nil
}

// EndAudio closes the current utterance and submits it as a turn. It is a
// no-op, returning false, when no utterance is being received.
func (s *Session) EndAudio() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return false, ErrClosed
	}
	if s.audio != AudioReceiving {
		return false, nil
	}
	s.audio = AudioIdle
	s.pending++
	if err := s.setPhaseLocked(PhaseProcessing); err != nil {
		return false, err
	}
	return true, nil
}

// SubmitText submits a text turn. An utterance still being received is
// submitted first as its own turn; endedAudio reports that case.
func (s *Session) SubmitText() (endedAudio bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return false, ErrClosed
	}
	if s.upstream == nil {
		return false, ErrNoUpstream
	}
	if s.audio == AudioReceiving {
		s.audio = AudioIdle
		s.pending++
		endedAudio = true
	}
	s.pending++
	if err := s.setPhaseLocked(PhaseProcessing); err != nil {
		return false, err
	}
	return endedAudio, nil
}

// CompleteTurn completes the oldest pending turn. It returns false when no
// turn was pending, so callers emit exactly one completion per turn. The
// session goes idle once nothing is pending and no utterance is open.
func (s *Session) CompleteTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed || s.pending == 0 {
		return false
	}
	s.pending--
	if s.pending == 0 && s.audio == AudioIdle {
		_ = s.setPhaseLocked(PhaseIdle)
	}
	return true
}

// Close moves the session to its terminal phase and hands back the upstream
// handle, if any, so the caller can release it before removing the session.
func (s *Session) Close() (upstream.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return nil, false
	}
	_ = s.setPhaseLocked(PhaseClosed)
	s.conn = Disconnected
	s.audio = AudioIdle
	s.pending = 0
	c := s.upstream
	s.upstream = nil
	return c, true
}

// RequestEnd asks the owning task to tear the session down.
func (s *Session) RequestEnd() {
	s.endOnce.Do(func() { close(s.endCh) })
}

// EndRequested is closed once RequestEnd has been called.
func (s *Session) EndRequested() <-chan struct{} { return s.endCh }

func (s *Session) setPhaseLocked(to Phase) error {
	from := s.phase
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	metricStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.phase = to
	return nil
}
