// Package upstream owns the streaming connection to the generative
// audio/text backend.
package upstream

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// InputMIMEType tags every audio chunk sent upstream.
const InputMIMEType = "audio/pcm;rate=16000"

var ErrClosed = errors.New("upstream closed")

// Config selects the voice and locale an upstream session is opened with.
type Config struct {
	Voice  string
	Locale string
}

// EventKind discriminates Event.
type EventKind int

const (
	EventAudio EventKind = iota + 1
	EventText
	EventTurnComplete
	// EventInterrupted ends a turn whose generation was cut short by newer
	// client input. The interrupted turn gets no EventTurnComplete.
	EventInterrupted
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventText:
		return "text"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Event is one unit of the upstream response stream.
type Event struct {
	Kind     EventKind
	Audio    []byte
	MIMEType string
	Text     string
}

// Conn is one live upstream session. Recv returns io.EOF once the stream has
// ended normally.
type Conn interface {
	SendAudio(ctx context.Context, pcm []byte) error
	EndTurn(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens upstream sessions.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg Config) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Conn, error) { return f(ctx, cfg) }

// IsEOF reports whether err marks a normal end of the response stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, ErrClosed)
}

// onceCloser makes the close routine of a Conn run at most once.
type onceCloser struct {
	Conn
	once sync.Once
	err  error
}

// CloseOnce wraps c so that repeated Close calls reach c only once.
func CloseOnce(c Conn) Conn {
	if c == nil {
		return nil
	}
	if _, ok := c.(*onceCloser); ok {
		return c
	}
	return &onceCloser{Conn: c}
}

func (o *onceCloser) Close() error {
	o.once.Do(func() { o.err = o.Conn.Close() })
	return o.err
}
