// Package bridge runs one client session: it routes inbound frames, drives
// the session state machine and relays the upstream model's responses.
package bridge

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lernory/voice/internal/events"
	"lernory/voice/internal/protocol"
	"lernory/voice/internal/sessions"
	"lernory/voice/internal/upstream"
)

// Teardown reasons, recorded in the journal and in metrics.
const (
	ReasonClientClosed   = "client_closed"
	ReasonTransportError = "transport_error"
	ReasonEndSession     = "end_session"
	ReasonEndedByAdmin   = "ended_by_admin"
	ReasonShutdown       = "shutdown"
)

// Client-visible error messages.
const (
	msgNotConnected       = "not connected to the voice service, please retry shortly"
	msgConnectFailed      = "could not connect to the voice service"
	msgUpstreamSendFailed = "the voice service did not accept your input"
	msgUpstreamLost       = "lost connection to the voice service"
	msgEmptyText          = "text_input requires non-empty text"
	msgMissingLanguage    = "set_language requires a language"
)

var errEndSession = errors.New("end session requested")

// Journal receives session lifecycle events.
type Journal interface {
	Record(sessionID, typ string, payload map[string]any) events.Event
}

type Options struct {
	Registry      *sessions.Registry
	Dialer        upstream.Dialer
	Journal       Journal
	Voices        []string
	WriteTimeout  time.Duration
	InboundBuffer int
	Log           logrus.FieldLogger
}

// Bridge serves sessions. It is safe for concurrent use; each Serve call owns
// one session.
type Bridge struct {
	opts Options
}

func New(opts Options) *Bridge {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = 64
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Bridge{opts: opts}
}

func (b *Bridge) hasVoice(v string) bool {
	for _, name := range b.opts.Voices {
		if strings.EqualFold(name, v) {
			return true
		}
	}
	return false
}

func (b *Bridge) canonicalVoice(v string) string {
	for _, name := range b.opts.Voices {
		if strings.EqualFold(name, v) {
			return name
		}
	}
	return v
}

type inbound struct {
	msg Message
	err error
}

type upstreamMsg struct {
	gen uint64
	ev  upstream.Event
	err error
}

type dialResult struct {
	gen  uint64
	conn upstream.Conn
	cfg  upstream.Config
	err  error
}

// Serve runs a session for userID over t until the client leaves, the session
// is ended, or ctx is cancelled. It returns the teardown reason and, for
// transport failures, the underlying error.
func (b *Bridge) Serve(ctx context.Context, t Transport, userID string) (string, error) {
	sess := b.opts.Registry.Create(userID)
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &conn{
		b:       b,
		t:       t,
		s:       sess,
		log:     b.opts.Log.WithFields(logrus.Fields{"component": "bridge", "session_id": sess.ID(), "user_id": userID}),
		ctx:     loopCtx,
		cancel:  cancel,
		inbound: make(chan inbound, b.opts.InboundBuffer),
		events:  make(chan upstreamMsg),
		dials:   make(chan dialResult),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	c.log.Info("session started")

	c.wg.Add(1)
	go c.readLoop()

	reason, cause := c.run(ctx)
	c.teardown(reason, cause)
	return reason, cause
}

// conn is the per-session task. Every field below the channels is owned by
// the goroutine running run and teardown.
type conn struct {
	b      *Bridge
	t      Transport
	s      *sessions.Session
	log    logrus.FieldLogger
	ctx    context.Context
	cancel context.CancelFunc

	inbound chan inbound
	events  chan upstreamMsg
	dials   chan dialResult
	done    chan struct{}
	wg      sync.WaitGroup

	started        time.Time
	gen            uint64
	dialCancel     context.CancelFunc
	consumerCancel context.CancelFunc
	audioRejected  bool
	turnAudio      bool
	audio          audioStats
}

func (c *conn) readLoop() {
	defer c.wg.Done()
	for {
		msg, err := c.t.Read(c.ctx)
		select {
		case c.inbound <- inbound{msg: msg, err: err}:
		case <-c.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) run(parent context.Context) (string, error) {
	if err := c.write(protocol.NewSessionStarted(c.s.ID(), c.b.opts.Voices, c.s.Voice(), c.s.Locale())); err != nil {
		return ReasonTransportError, err
	}
	c.record("session_started", map[string]any{
		"user_id":  c.s.UserID(),
		"voice":    c.s.Voice(),
		"language": c.s.Locale(),
	})
	if err := c.establish(); err != nil {
		return ReasonTransportError, err
	}

	for {
		var err error
		select {
		case <-parent.Done():
			return ReasonShutdown, nil
		case <-c.s.EndRequested():
			return ReasonEndedByAdmin, nil
		case in := <-c.inbound:
			if in.err != nil {
				if errors.Is(in.err, ErrTransportClosed) {
					return ReasonClientClosed, nil
				}
				return ReasonTransportError, in.err
			}
			err = c.handleFrame(in.msg)
		case m := <-c.events:
			err = c.handleUpstream(m)
		case r := <-c.dials:
			err = c.handleDial(r)
		}
		if errors.Is(err, errEndSession) {
			return ReasonEndSession, nil
		}
		if err != nil {
			return ReasonTransportError, err
		}
	}
}

// write sends one frame. Errors returned by handlers are transport errors,
// except errEndSession.
func (c *conn) write(f protocol.Frame) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.b.opts.WriteTimeout)
	defer cancel()
	if err := c.t.Write(ctx, f); err != nil {
		return errors.Wrapf(err, "write %s", f.FrameType())
	}
	metricFramesOut.WithLabelValues(f.FrameType()).Inc()
	return nil
}

func (c *conn) record(typ string, payload map[string]any) {
	if c.b.opts.Journal == nil {
		return
	}
	c.b.opts.Journal.Record(c.s.ID(), typ, payload)
}

func (c *conn) handleFrame(m Message) error {
	r := Route(m)
	metricFramesIn.WithLabelValues(r.Kind.String()).Inc()
	switch r.Kind {
	case RouteAudio:
		return c.handleAudio(r.Audio)
	case RouteControl:
		return c.handleControl(r.Control)
	default:
		msg := r.Err.Error()
		var de *protocol.DecodeError
		if errors.As(r.Err, &de) {
			msg = de.Message
		}
		c.log.WithError(r.Err).Warn("malformed control frame")
		return c.write(protocol.NewError(msg))
	}
}

func (c *conn) handleAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	started, err := c.s.BeginAudio()
	if errors.Is(err, sessions.ErrNoUpstream) {
		metricAudioRejected.Inc()
		if c.audioRejected {
			return nil
		}
		c.audioRejected = true
		return c.write(protocol.NewError(msgNotConnected))
	}
	if err != nil {
		c.log.WithError(err).Warn("audio frame rejected")
		return nil
	}
	if started {
		if err := c.write(protocol.ReceivingAudio()); err != nil {
			return err
		}
	}
	c.audio.observe(c.log, pcm)

	ctx, cancel := context.WithTimeout(c.ctx, c.b.opts.WriteTimeout)
	defer cancel()
	if err := c.s.Upstream().SendAudio(ctx, pcm); err != nil {
		c.audioRejected = true
		return c.upstreamSendFailed(err)
	}
	return nil
}

func (c *conn) handleControl(ctl protocol.Control) error {
	switch m := ctl.(type) {
	case protocol.AudioEnd:
		return c.endAudio()
	case protocol.TextInput:
		return c.submitText(m.Text)
	case protocol.SetVoice:
		return c.setVoice(m.Voice)
	case protocol.SetLanguage:
		return c.setLanguage(m.Language)
	case protocol.EndSession:
		return errEndSession
	case protocol.Unrecognized:
		metricUnrecognized.Inc()
		c.log.WithField("type", m.Type).Info("ignoring unrecognized control frame")
		return nil
	default:
		c.log.WithField("type", protocol.TypeOf(ctl)).Warn("unhandled control frame")
		return nil
	}
}

func (c *conn) endAudio() error {
	c.audioRejected = false
	ended, err := c.s.EndAudio()
	if err != nil || !ended {
		return nil
	}
	if err := c.write(protocol.ProcessingStarted()); err != nil {
		return err
	}
	c.record("turn_submitted", map[string]any{"kind": "audio", "frames": c.audio.frames})
	c.audio = audioStats{}

	ctx, cancel := context.WithTimeout(c.ctx, c.b.opts.WriteTimeout)
	defer cancel()
	if err := c.s.Upstream().EndTurn(ctx); err != nil {
		return c.upstreamSendFailed(err)
	}
	return nil
}

// submitText submits a text turn. An utterance still streaming is ended and
// submitted as its own turn first, so each turn gets its own markers.
func (c *conn) submitText(text string) error {
	if strings.TrimSpace(text) == "" {
		return c.write(protocol.NewError(msgEmptyText))
	}
	endedAudio, err := c.s.SubmitText()
	if errors.Is(err, sessions.ErrNoUpstream) {
		return c.write(protocol.NewError(msgNotConnected))
	}
	if err != nil {
		c.log.WithError(err).Warn("text turn rejected")
		return nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.b.opts.WriteTimeout)
	defer cancel()
	up := c.s.Upstream()
	if endedAudio {
		if err := c.write(protocol.ProcessingStarted()); err != nil {
			return err
		}
		c.record("turn_submitted", map[string]any{"kind": "audio", "frames": c.audio.frames})
		c.audio = audioStats{}
		if err := up.EndTurn(ctx); err != nil {
			return c.upstreamSendFailed(err)
		}
	}
	if err := c.write(protocol.ProcessingStarted()); err != nil {
		return err
	}
	c.record("turn_submitted", map[string]any{"kind": "text", "chars": len(text)})
	if err := up.SendText(ctx, text); err != nil {
		return c.upstreamSendFailed(err)
	}
	return nil
}

func (c *conn) setVoice(v string) error {
	if !c.b.hasVoice(v) {
		return c.write(protocol.NewError("unknown voice " + strconv.Quote(v)))
	}
	v = c.b.canonicalVoice(v)
	prev := c.s.Voice()
	c.s.SetVoice(v)
	if err := c.write(protocol.NewVoiceChanged(v)); err != nil {
		return err
	}
	c.record("voice_changed", map[string]any{"from": prev, "to": v})
	return c.establish()
}

func (c *conn) setLanguage(l string) error {
	if l == "" {
		return c.write(protocol.NewError(msgMissingLanguage))
	}
	prev := c.s.Locale()
	c.s.SetLocale(l)
	if err := c.write(protocol.NewLanguageChanged(l)); err != nil {
		return err
	}
	c.record("language_changed", map[string]any{"from": prev, "to": l})
	return nil
}

// establish replaces the current upstream handle with a new one. The old
// handle is closed right away; the new one is dialled in the background and
// installed by handleDial. Any earlier dial still in flight is abandoned.
func (c *conn) establish() error {
	open := c.dropUpstream()
	if c.dialCancel != nil {
		c.dialCancel()
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.dialCancel = cancel
	cfg := upstream.Config{Voice: c.s.Voice(), Locale: c.s.Locale()}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.b.opts.Dialer.Dial(ctx, cfg)
		select {
		case c.dials <- dialResult{gen: gen, conn: conn, cfg: cfg, err: err}:
		case <-c.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()

	return c.completeAbandoned(open)
}

func (c *conn) handleDial(r dialResult) error {
	if r.gen != c.gen {
		if r.conn != nil {
			c.closeUpstream(r.conn)
		}
		return nil
	}
	c.dialCancel()
	c.dialCancel = nil
	log := c.log.WithFields(logrus.Fields{"voice": r.cfg.Voice, "language": r.cfg.Locale})

	if r.err != nil {
		metricUpstreamFailures.WithLabelValues("dial").Inc()
		log.WithError(r.err).Warn("upstream establishment failed")
		c.record("upstream_failed", map[string]any{"voice": r.cfg.Voice, "error": r.err.Error()})
		return c.write(protocol.NewError(msgConnectFailed))
	}
	if err := c.s.AttachUpstream(r.conn); err != nil {
		c.closeUpstream(r.conn)
		return nil
	}
	c.startConsumer(r.gen, r.conn)
	c.audioRejected = false
	log.Info("upstream connected")
	c.record("upstream_connected", map[string]any{"voice": r.cfg.Voice, "language": r.cfg.Locale})
	return c.write(protocol.NewUpstreamReady(r.cfg.Voice))
}

// startConsumer relays events from conn until the stream ends or the consumer
// is cancelled. Events are tagged with gen so the loop can drop those of a
// superseded handle.
func (c *conn) startConsumer(gen uint64, conn upstream.Conn) {
	ctx, cancel := context.WithCancel(c.ctx)
	c.consumerCancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			ev, err := conn.Recv(ctx)
			select {
			case c.events <- upstreamMsg{gen: gen, ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (c *conn) handleUpstream(m upstreamMsg) error {
	if m.gen != c.gen || c.s.Upstream() == nil {
		metricStaleEvents.Inc()
		return nil
	}
	if m.err != nil {
		return c.upstreamLost(m.err)
	}
	metricUpstreamEvents.WithLabelValues(m.ev.Kind.String()).Inc()
	switch m.ev.Kind {
	case upstream.EventAudio:
		c.turnAudio = true
		return c.write(protocol.NewAudioOutput(m.ev.Audio, m.ev.MIMEType))
	case upstream.EventText:
		return c.write(protocol.NewAIResponse(m.ev.Text, c.s.Voice(), c.turnAudio))
	case upstream.EventTurnComplete, upstream.EventInterrupted:
		c.turnAudio = false
		if !c.s.CompleteTurn() {
			return nil
		}
		c.record("turn_complete", map[string]any{"interrupted": m.ev.Kind == upstream.EventInterrupted})
		return c.write(protocol.ProcessingComplete())
	default:
		return nil
	}
}

func (c *conn) upstreamSendFailed(err error) error {
	metricUpstreamFailures.WithLabelValues("send").Inc()
	c.log.WithError(err).Warn("upstream send failed")
	open := c.dropUpstream()
	c.record("upstream_lost", map[string]any{"stage": "send", "error": err.Error()})
	if err := c.write(protocol.NewError(msgUpstreamSendFailed)); err != nil {
		return err
	}
	return c.completeAbandoned(open)
}

func (c *conn) upstreamLost(err error) error {
	metricUpstreamFailures.WithLabelValues("recv").Inc()
	if upstream.IsEOF(err) {
		c.log.Info("upstream stream ended")
	} else {
		c.log.WithError(err).Warn("upstream stream failed")
	}
	open := c.dropUpstream()
	c.record("upstream_lost", map[string]any{"stage": "recv", "error": err.Error()})
	if err := c.write(protocol.NewError(msgUpstreamLost)); err != nil {
		return err
	}
	return c.completeAbandoned(open)
}

// completeAbandoned owes the client one processing_complete per turn that the
// dropped upstream will never finish.
func (c *conn) completeAbandoned(n int) error {
	for i := 0; i < n; i++ {
		if err := c.write(protocol.ProcessingComplete()); err != nil {
			return err
		}
	}
	return nil
}

// dropUpstream stops the consumer and closes the current handle, if any. It
// returns the number of turns abandoned with it.
func (c *conn) dropUpstream() int {
	if c.consumerCancel != nil {
		c.consumerCancel()
		c.consumerCancel = nil
	}
	old, open := c.s.DetachUpstream()
	if old != nil {
		c.closeUpstream(old)
	}
	c.turnAudio = false
	return open
}

func (c *conn) closeUpstream(u upstream.Conn) {
	if err := u.Close(); err != nil {
		c.log.WithError(err).Warn("upstream close failed")
	}
}

func (c *conn) teardown(reason string, cause error) {
	if c.dialCancel != nil {
		c.dialCancel()
	}
	up, _ := c.s.Close()
	if c.consumerCancel != nil {
		c.consumerCancel()
	}
	if up != nil {
		c.closeUpstream(up)
	}
	c.b.opts.Registry.Remove(c.s.ID())

	dur := time.Since(c.started)
	payload := map[string]any{"reason": reason, "duration_ms": dur.Milliseconds()}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	c.record(events.TypeSessionClosed, payload)
	metricSessionsClosed.WithLabelValues(reason).Inc()
	metricSessionSeconds.Observe(dur.Seconds())

	close(c.done)
	if err := c.t.Close(reason); err != nil {
		c.log.WithError(err).Debug("transport close")
	}
	c.cancel()
	c.wg.Wait()

	entry := c.log.WithFields(logrus.Fields{"reason": reason, "duration": dur.Round(time.Millisecond)})
	if cause != nil {
		entry.WithError(cause).Warn("session closed")
		return
	}
	entry.Info("session closed")
}
