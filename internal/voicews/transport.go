package voicews

import (
	"context"

	"github.com/pkg/errors"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"lernory/voice/internal/bridge"
	"lernory/voice/internal/protocol"
)

// transport adapts a websocket connection to bridge.Transport. Binary
// messages are audio, text messages are control frames.
type transport struct {
	c *ws.Conn
}

func (t *transport) Read(ctx context.Context) (bridge.Message, error) {
	typ, data, err := t.c.Read(ctx)
	if err != nil {
		switch ws.CloseStatus(err) {
		case ws.StatusNormalClosure, ws.StatusGoingAway:
			return bridge.Message{}, errors.Wrap(bridge.ErrTransportClosed, err.Error())
		}
		return bridge.Message{}, errors.Wrap(err, "ws read")
	}
	return bridge.Message{Binary: typ == ws.MessageBinary, Data: data}, nil
}

func (t *transport) Write(ctx context.Context, f protocol.Frame) error {
	return wsjson.Write(ctx, t.c, f)
}

func (t *transport) Close(reason string) error {
	code := ws.StatusNormalClosure
	switch reason {
	case bridge.ReasonShutdown:
		code = ws.StatusGoingAway
	case bridge.ReasonTransportError:
		code = ws.StatusInternalError
	}
	return t.c.Close(code, reason)
}
