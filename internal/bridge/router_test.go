package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lernory/voice/internal/protocol"
)

func TestRouteIsTotalAndExclusive(t *testing.T) {
	payloads := [][]byte{
		nil,
		{},
		[]byte(`{"type":"audio_end"}`),
		[]byte(`{"type":"text_input","text":"hi"}`),
		[]byte(`{"type":"nope"}`),
		[]byte(`{"type":`),
		[]byte("{garbage"),
		{0x00, 0x01, 0xfe, 0xff},
		[]byte(`[]`),
	}
	for _, p := range payloads {
		bin := Route(Message{Binary: true, Data: p})
		assert.Equal(t, RouteAudio, bin.Kind, "binary %q", p)
		assert.Equal(t, p, bin.Audio)
		assert.Nil(t, bin.Control)
		assert.NoError(t, bin.Err)

		txt := Route(Message{Data: p})
		assert.NotEqual(t, RouteAudio, txt.Kind, "text %q", p)
		assert.Nil(t, txt.Audio)
		switch txt.Kind {
		case RouteControl:
			assert.NotNil(t, txt.Control)
			assert.NoError(t, txt.Err)
		case RouteInvalid:
			assert.Nil(t, txt.Control)
			assert.Error(t, txt.Err)
		default:
			t.Fatalf("unexpected route %s for %q", txt.Kind, p)
		}
	}
}

func TestRouteControlVariants(t *testing.T) {
	r := Route(Message{Data: []byte(`{"type":"set_voice","voice":" Kore "}`)})
	require.Equal(t, RouteControl, r.Kind)
	assert.Equal(t, protocol.SetVoice{Voice: "Kore"}, r.Control)

	r = Route(Message{Data: []byte(`{"type":"dance"}`)})
	require.Equal(t, RouteControl, r.Kind)
	assert.Equal(t, protocol.Unrecognized{Type: "dance"}, r.Control)
}

func TestCalcRMS(t *testing.T) {
	assert.Zero(t, calcRMS(nil))
	assert.Zero(t, calcRMS([]byte{0x01}))
	// Two samples of +1000 and -1000.
	pcm := []byte{0xe8, 0x03, 0x18, 0xfc}
	assert.InDelta(t, 1000, calcRMS(pcm), 0.001)
}
