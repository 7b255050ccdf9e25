package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound control message types.
const (
	TypeAudioEnd    = "audio_end"
	TypeTextInput   = "text_input"
	TypeSetVoice    = "set_voice"
	TypeSetLanguage = "set_language"
	TypeEndSession  = "end_session"
)

// DecodeError is returned for control frames that cannot be decoded at all.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badRequest(message string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message}
}

// Control is the closed set of inbound control messages. The unexported marker
// keeps other packages from adding variants, so a type switch over the
// variants below is exhaustive.
type Control interface {
	controlType() string
}

type AudioEnd struct{}

type TextInput struct {
	Text string
}

type SetVoice struct {
	Voice string
}

type SetLanguage struct {
	Language string
}

type EndSession struct{}

// Unrecognized carries the discriminator of a well-formed envelope whose type
// is unknown to this server.
type Unrecognized struct {
	Type string
}

func (AudioEnd) controlType() string       { return TypeAudioEnd }
func (TextInput) controlType() string      { return TypeTextInput }
func (SetVoice) controlType() string       { return TypeSetVoice }
func (SetLanguage) controlType() string    { return TypeSetLanguage }
func (EndSession) controlType() string     { return TypeEndSession }
func (u Unrecognized) controlType() string { return u.Type }

// TypeOf returns the wire discriminator of a decoded control message.
func TypeOf(c Control) string {
	if c == nil {
		return ""
	}
	return c.controlType()
}

type envelope struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	Language string `json:"language"`
}

// DecodeControl parses one text frame. Malformed JSON and a missing type are
// errors; an unknown type is not.
func DecodeControl(data []byte) (Control, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("invalid json frame")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, badRequest("missing type")
	}

	switch typ {
	case TypeAudioEnd:
		return AudioEnd{}, nil
	case TypeTextInput:
		return TextInput{Text: env.Text}, nil
	case TypeSetVoice:
		return SetVoice{Voice: strings.TrimSpace(env.Voice)}, nil
	case TypeSetLanguage:
		return SetLanguage{Language: strings.TrimSpace(env.Language)}, nil
	case TypeEndSession:
		return EndSession{}, nil
	default:
		return Unrecognized{Type: typ}, nil
	}
}
