package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"lernory/voice/internal/events"
	"lernory/voice/internal/protocol"
	"lernory/voice/internal/sessions"
	"lernory/voice/internal/upstream"
)

const waitFor = 2 * time.Second

// fakeTransport is an in-memory client connection.
type fakeTransport struct {
	in      chan Message
	readErr chan error
	out     chan protocol.Frame

	mu              sync.Mutex
	closed          bool
	closeCalls      int
	closeReason     string
	writesAfterShut int
	failWrites      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan Message, 64),
		readErr: make(chan error, 1),
		out:     make(chan protocol.Frame, 512),
	}
}

func (f *fakeTransport) Read(ctx context.Context) (Message, error) {
	select {
	case m := <-f.in:
		return m, nil
	case err := <-f.readErr:
		return Message{}, err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, fr protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.writesAfterShut++
		return errors.New("write on closed transport")
	}
	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.out <- fr
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCalls++
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) sendBinary(b []byte) { f.in <- Message{Binary: true, Data: b} }

func (f *fakeTransport) sendText(s string) { f.in <- Message{Data: []byte(s)} }

func (f *fakeTransport) sendControl(t *testing.T, v map[string]any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.sendText(string(b))
}

func (f *fakeTransport) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case fr := <-f.out:
		return fr
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func (f *fakeTransport) expect(t *testing.T, typ string) protocol.Frame {
	t.Helper()
	fr := f.next(t)
	require.Equal(t, typ, fr.FrameType(), "unexpected frame %#v", fr)
	return fr
}

func (f *fakeTransport) expectError(t *testing.T, msg string) {
	t.Helper()
	fr := f.expect(t, protocol.TypeError)
	require.Equal(t, msg, fr.(protocol.Error).Message)
}

// quiet asserts that nothing is written for a short while.
func (f *fakeTransport) quiet(t *testing.T) {
	t.Helper()
	select {
	case fr := <-f.out:
		t.Fatalf("unexpected frame %#v", fr)
	case <-time.After(60 * time.Millisecond):
	}
}

// drain returns every frame written so far.
func (f *fakeTransport) drain() []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case fr := <-f.out:
			out = append(out, fr)
		default:
			return out
		}
	}
}

func (f *fakeTransport) stats() (closeCalls, writesAfterShut int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls, f.writesAfterShut, f.closeReason
}

// fakeUpstream is a scripted upstream session.
type fakeUpstream struct {
	cfg    upstream.Config
	events chan upstream.Event
	errs   chan error

	mu       sync.Mutex
	audio    [][]byte
	endTurns int
	texts    []string
	sendErr  error

	closes    atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeUpstream(cfg upstream.Config) *fakeUpstream {
	return &fakeUpstream{
		cfg:    cfg,
		events: make(chan upstream.Event, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (u *fakeUpstream) SendAudio(_ context.Context, pcm []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendErr != nil {
		return u.sendErr
	}
	u.audio = append(u.audio, append([]byte(nil), pcm...))
	return nil
}

func (u *fakeUpstream) EndTurn(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendErr != nil {
		return u.sendErr
	}
	u.endTurns++
	return nil
}

func (u *fakeUpstream) SendText(_ context.Context, text string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendErr != nil {
		return u.sendErr
	}
	u.texts = append(u.texts, text)
	return nil
}

func (u *fakeUpstream) Recv(ctx context.Context) (upstream.Event, error) {
	select {
	case ev := <-u.events:
		return ev, nil
	case err := <-u.errs:
		return upstream.Event{}, err
	case <-u.closed:
		return upstream.Event{}, upstream.ErrClosed
	case <-ctx.Done():
		return upstream.Event{}, ctx.Err()
	}
}

func (u *fakeUpstream) Close() error {
	u.closes.Add(1)
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUpstream) setSendErr(err error) {
	u.mu.Lock()
	u.sendErr = err
	u.mu.Unlock()
}

func (u *fakeUpstream) counts() (audio, endTurns int, texts []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.audio), u.endTurns, append([]string(nil), u.texts...)
}

// fakeDialer hands out fakeUpstreams. When gate is set, every dial waits for
// a value on it, ignoring cancellation, so late completions can be tested.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeUpstream
	fail  error
	gate  chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context, cfg upstream.Config) (upstream.Conn, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeUpstream(cfg)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeUpstream {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Greater(t, len(d.conns), i, "dial %d never happened", i)
	return d.conns[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type result struct {
	reason string
	err    error
}

type harness struct {
	reg     *sessions.Registry
	journal *events.Journal
	dialer  *fakeDialer
	tr      *fakeTransport
	logs    *test.Hook
	cancel  context.CancelFunc
	done    chan result
}

func start(t *testing.T, d *fakeDialer) *harness {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	h := &harness{
		reg:     sessions.NewRegistry("Puck", "en-US"),
		journal: events.NewJournal(events.NewStore(), nil, 0, logger),
		dialer:  d,
		tr:      newFakeTransport(),
		logs:    hook,
		done:    make(chan result, 1),
	}
	b := New(Options{
		Registry:     h.reg,
		Dialer:       d,
		Journal:      h.journal,
		Voices:       []string{"Puck", "Kore", "Charon"},
		WriteTimeout: time.Second,
		Log:          logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		reason, err := b.Serve(ctx, h.tr, "user-1")
		h.done <- result{reason: reason, err: err}
	}()
	return h
}

// startReady starts a session and consumes session_started and upstream_ready.
func startReady(t *testing.T) (*harness, *fakeUpstream, string) {
	t.Helper()
	h := start(t, &fakeDialer{})
	started := h.tr.expect(t, protocol.TypeSessionStarted).(protocol.SessionStarted)
	h.tr.expect(t, protocol.TypeUpstreamReady)
	return h, h.dialer.conn(t, 0), started.SessionID
}

func (h *harness) wait(t *testing.T) result {
	t.Helper()
	select {
	case r := <-h.done:
		return r
	case <-time.After(waitFor):
		t.Fatal("session did not tear down")
		return result{}
	}
}

func (h *harness) journalTypes(sessionID string) []string {
	var out []string
	for _, e := range h.journal.List(sessionID) {
		out = append(out, e.Type)
	}
	return out
}
