package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeControl(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Control
	}{
		{"audio end", `{"type":"audio_end"}`, AudioEnd{}},
		{"text input", `{"type":"text_input","text":"what is photosynthesis?"}`, TextInput{Text: "what is photosynthesis?"}},
		{"set voice trims", `{"type":"set_voice","voice":" Kore "}`, SetVoice{Voice: "Kore"}},
		{"set language", `{"type":"set_language","language":"fr-FR"}`, SetLanguage{Language: "fr-FR"}},
		{"end session", `{"type":"end_session"}`, EndSession{}},
		{"unknown type", `{"type":"ping","extra":1}`, Unrecognized{Type: "ping"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeControl([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeControlMalformed(t *testing.T) {
	cases := map[string][]byte{
		"not json":        []byte("hello"),
		"missing type":    []byte(`{"text":"x"}`),
		"blank type":      []byte(`{"type":"  "}`),
		"array":           []byte(`[1,2]`),
		"pcm samples":     {0x7b, 0x00, 0x10, 0xff, 0x7f, 0x80},
		"empty":           {},
		"wrong type kind": []byte(`{"type":5}`),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeControl(in)
			assert.Nil(t, got)
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "bad_request", de.Code)
		})
	}
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, TypeSetVoice, TypeOf(SetVoice{Voice: "Puck"}))
	assert.Equal(t, "custom", TypeOf(Unrecognized{Type: "custom"}))
	assert.Equal(t, "", TypeOf(nil))
}

func TestOutboundFrames(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	b, err := json.Marshal(NewAudioOutput(pcm, "audio/pcm;rate=24000"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, TypeAudioOutput, got["type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(pcm), got["audio"])
	assert.Equal(t, "audio/pcm;rate=24000", got["mime_type"])
	assert.Equal(t, true, got["streaming"])

	started := NewSessionStarted("session_1_abc", []string{"Puck", "Kore"}, "Puck", "en-US")
	assert.Equal(t, TypeSessionStarted, started.FrameType())
	assert.Equal(t, TypeProcessingComplete, ProcessingComplete().FrameType())
	assert.Equal(t, TypeError, NewError("not connected").FrameType())
}
