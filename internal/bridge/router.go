package bridge

import (
	"context"

	"github.com/pkg/errors"

	"lernory/voice/internal/protocol"
)

// ErrTransportClosed marks a transport read that ended because the peer
// closed the connection normally.
var ErrTransportClosed = errors.New("transport closed")

// Message is one inbound transport frame. Binary is the transport's own
// classification and is the only signal the router uses.
type Message struct {
	Binary bool
	Data   []byte
}

// Transport is the client side of a session. Read and Write are called from
// different goroutines; Close may be called once the session has torn down.
type Transport interface {
	Read(ctx context.Context) (Message, error)
	Write(ctx context.Context, f protocol.Frame) error
	Close(reason string) error
}

type RouteKind int

const (
	RouteAudio RouteKind = iota + 1
	RouteControl
	RouteInvalid
)

func (k RouteKind) String() string {
	switch k {
	case RouteAudio:
		return "audio"
	case RouteControl:
		return "control"
	case RouteInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Routed is the dispatch decision for one inbound frame. Exactly one of
// Audio, Control or Err is meaningful, as selected by Kind.
type Routed struct {
	Kind    RouteKind
	Audio   []byte
	Control protocol.Control
	Err     error
}

// Route dispatches a frame. Binary frames go to the audio path verbatim and
// are never parsed; text frames are always decoded as control envelopes.
func Route(m Message) Routed {
	if m.Binary {
		return Routed{Kind: RouteAudio, Audio: m.Data}
	}
	ctl, err := protocol.DecodeControl(m.Data)
	if err != nil {
		return Routed{Kind: RouteInvalid, Err: err}
	}
	return Routed{Kind: RouteControl, Control: ctl}
}
