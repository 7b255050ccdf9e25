package sessions

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lernory/voice/internal/upstream"
)

type nopConn struct{}

func (nopConn) SendAudio(context.Context, []byte) error { return nil }
func (nopConn) EndTurn(context.Context) error { return nil }
func (nopConn) SendText(context.Context, string) error { return nil }
func (nopConn) Recv(context.Context) (upstream.Event, error) { return upstream.Event{}, upstream.ErrClosed }
func (nopConn) Close() error { return nil }

var idPattern = regexp.MustCompile(`^session_\d+_[0-9A-Za-z]{12}$`)

func TestCreateDistinctIDs(t *testing.T) {
	r := NewRegistry("Puck", "en-US")
	const n = 200

	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.Create("u1").ID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.Regexp(t, idPattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, r.Len())
}

func TestNewSessionDefaults(t *testing.T) {
	r := NewRegistry("Puck", "en-US")
	s := r.Create("user-7")

	snap := s.Snapshot()
	assert.Equal(t, "user-7", snap.UserID)
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, Connected, snap.Connection)
	assert.Equal(t, AudioIdle, snap.AudioInput)
	assert.Equal(t, "Puck", snap.Voice)
	assert.Equal(t, "en-US", snap.Language)
	assert.False(t, snap.HasUpstream)
}

func TestRemoveIsIsolatedAndIdempotent(t *testing.T) {
	r := NewRegistry("Puck", "en-US")
	a := r.Create("a")
	b := r.Create("b")

	r.Remove(a.ID())
	r.Remove(a.ID())
	r.Remove("session_0_doesnotexist")

	_, ok := r.Get(a.ID())
	assert.False(t, ok)
	got, ok := r.Get(b.ID())
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, 1, r.Len())
}

func TestListOrdered(t *testing.T) {
	r := NewRegistry("Puck", "en-US")
	first := r.Create("a")
	time.Sleep(time.Millisecond)
	second := r.Create("b")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID(), list[0].ID)
	assert.Equal(t, second.ID(), list[1].ID)
}

func TestAudioTurn(t *testing.T) {
	s := newSession("s", "u", "Puck", "en-US")

	_, err := s.BeginAudio()
	assert.True(t, errors.Is(err, ErrNoUpstream))
	assert.Equal(t, PhaseIdle, s.Phase())

	require.NoError(t, s.AttachUpstream(nopConn{}))

	started, err := s.BeginAudio()
	require.NoError(t, err)
	assert.True(t, started)
	started, err = s.BeginAudio()
	require.NoError(t, err)
	assert.False(t, started, "second frame continues the utterance")
	assert.Equal(t, PhaseReceivingAudio, s.Phase())
	assert.Equal(t, AudioReceiving, s.AudioInput())

	ended, err := s.EndAudio()
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, PhaseProcessing, s.Phase())
	assert.Equal(t, AudioIdle, s.AudioInput())

	assert.True(t, s.CompleteTurn())
	assert.False(t, s.CompleteTurn(), "a turn completes once")
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestEndAudioWhileIdleIsNoop(t *testing.T) {
	s := newSession("s", "u", "Puck", "en-US")
	require.NoError(t, s.AttachUpstream(nopConn{}))

	ended, err := s.EndAudio()
	require.NoError(t, err)
	assert.False(t, ended)
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestSubmitText(t *testing.T) {
	s := newSession("s", "u", "Puck", "en-US")
	_, err := s.SubmitText()
	assert.True(t, errors.Is(err, ErrNoUpstream))

	require.NoError(t, s.AttachUpstream(nopConn{}))
	_, err = s.BeginAudio()
	require.NoError(t, err)

	endedAudio, err := s.SubmitText()
	require.NoError(t, err)
	assert.True(t, endedAudio, "open utterance becomes its own turn")
	assert.Equal(t, PhaseProcessing, s.Phase())
	assert.Equal(t, AudioIdle, s.AudioInput())
	assert.Equal(t, 2, s.PendingTurns())

	endedAudio, err = s.SubmitText()
	require.NoError(t, err)
	assert.False(t, endedAudio)
	assert.Equal(t, 3, s.PendingTurns())

	assert.True(t, s.CompleteTurn())
	assert.True(t, s.CompleteTurn())
	assert.Equal(t, PhaseProcessing, s.Phase())
	assert.True(t, s.CompleteTurn())
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.False(t, s.CompleteTurn())
}

func TestBargeInKeepsEarlierTurnPending(t *testing.T) {
	s := newSession("s", "u", "Puck", "en-US")
	require.NoError(t, s.AttachUpstream(nopConn{}))
	_, err := s.SubmitText()
	require.NoError(t, err)

	started, err := s.BeginAudio()
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, PhaseReceivingAudio, s.Phase())
	assert.Equal(t, 1, s.PendingTurns())

	assert.True(t, s.CompleteTurn(), "earlier turn still completes")
	assert.Equal(t, PhaseReceivingAudio, s.Phase())

	ended, err := s.EndAudio()
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, PhaseProcessing, s.Phase())
	assert.True(t, s.CompleteTurn())
	assert.Equal(t, PhaseIdle, s.Phase())
}

func TestDetachUpstreamAbandonsTurns(t *testing.T) {
	s := newSession("s", "u", "Puck", "en-US")
	require.NoError(t, s.AttachUpstream(nopConn{}))
	_, err := s.SubmitText()
	require.NoError(t, err)
	_, err = s.SubmitText()
	require.NoError(t, err)

	old, open := s.DetachUpstream()
	assert.NotNil(t, old)
	assert.Equal(t, 2, open)
	assert.Equal(t, PhaseIdle, s.Phase())
	assert.Nil(t, s.Upstream())
	assert.Equal(t, 0, s.PendingTurns())

	old, open = s.DetachUpstream()
	assert.Nil(t, old)
	assert.Equal(t, 0, open)

	require.NoError(t, s.AttachUpstream(nopConn{}))
	_, err = s.BeginAudio()
	require.NoError(t, err)
	_, open = s.DetachUpstream()
	assert.Equal(t, 1, open, "abandoned utterance is owed one completion")
}

func TestCloseIsTerminal(t *testing.T) {
	s := newSession("s", "u", "Puck", "en-US")
	require.NoError(t, s.AttachUpstream(nopConn{}))
	_, err := s.BeginAudio()
	require.NoError(t, err)

	c, ok := s.Close()
	assert.True(t, ok)
	assert.NotNil(t, c)
	assert.Equal(t, PhaseClosed, s.Phase())
	assert.Equal(t, Disconnected, s.Snapshot().Connection)

	c, ok = s.Close()
	assert.False(t, ok)
	assert.Nil(t, c)

	_, err = s.BeginAudio()
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = s.EndAudio()
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = s.SubmitText()
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(s.AttachUpstream(nopConn{}), ErrClosed))
	assert.False(t, s.CompleteTurn())
}

func TestCanTransition(t *testing.T) {
	for _, p := range []Phase{PhaseIdle, PhaseReceivingAudio, PhaseProcessing} {
		assert.True(t, canTransition(p, PhaseClosed), "%s -> closed", p)
		assert.False(t, canTransition(PhaseClosed, p), "closed -> %s", p)
	}
	assert.True(t, canTransition(PhaseIdle, PhaseReceivingAudio))
	assert.True(t, canTransition(PhaseReceivingAudio, PhaseProcessing))
	assert.True(t, canTransition(PhaseProcessing, PhaseIdle))
	assert.False(t, canTransition(PhaseClosed, PhaseClosed))
}

func TestEndRequests(t *testing.T) {
	r := NewRegistry("Puck", "en-US")
	a := r.Create("a")
	b := r.Create("b")

	assert.True(t, r.End(a.ID()))
	assert.False(t, r.End("missing"))
	select {
	case <-a.EndRequested():
	default:
		t.Fatal("end not requested for a")
	}
	select {
	case <-b.EndRequested():
		t.Fatal("b should not be ended")
	default:
	}

	a.RequestEnd()
}

func TestRandomSuffixCoversAlphabet(t *testing.T) {
	const samples = 4000
	seen := make([]map[byte]bool, idSuffixLen)
	for i := range seen {
		seen[i] = map[byte]bool{}
	}
	for i := 0; i < samples; i++ {
		s := randomSuffix(idSuffixLen)
		require.Len(t, s, idSuffixLen)
		for pos := 0; pos < idSuffixLen; pos++ {
			seen[pos][s[pos]] = true
		}
	}
	for pos, chars := range seen {
		assert.Len(t, chars, len(idAlphabet), "position %d", pos)
	}
}
