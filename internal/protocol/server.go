package protocol

import "encoding/base64"

// Outbound frame types.
const (
	TypeSessionStarted     = "session_started"
	TypeUpstreamReady      = "upstream_ready"
	TypeReceivingAudio     = "receiving_audio"
	TypeProcessingStarted  = "processing_started"
	TypeProcessingComplete = "processing_complete"
	TypeAudioOutput        = "audio_output"
	TypeAIResponse         = "ai_response"
	TypeVoiceChanged       = "voice_changed"
	TypeLanguageChanged    = "language_changed"
	TypeError              = "error"
)

// Frame is any JSON object the server writes to a client.
type Frame interface {
	FrameType() string
}

type SessionStarted struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Voices    []string `json:"voices"`
	Voice     string   `json:"voice"`
	Language  string   `json:"language"`
}

type UpstreamReady struct {
	Type  string `json:"type"`
	Voice string `json:"voice"`
}

// Phase is used for the payload-free phase markers.
type Phase struct {
	Type string `json:"type"`
}

type AudioOutput struct {
	Type      string `json:"type"`
	Audio     string `json:"audio"`
	MIMEType  string `json:"mime_type"`
	Streaming bool   `json:"streaming"`
}

type AIResponse struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Voice    string `json:"voice"`
	HasAudio bool   `json:"has_audio"`
}

type VoiceChanged struct {
	Type  string `json:"type"`
	Voice string `json:"voice"`
}

type LanguageChanged struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (f SessionStarted) FrameType() string  { return f.Type }
func (f UpstreamReady) FrameType() string   { return f.Type }
func (f Phase) FrameType() string           { return f.Type }
func (f AudioOutput) FrameType() string     { return f.Type }
func (f AIResponse) FrameType() string      { return f.Type }
func (f VoiceChanged) FrameType() string    { return f.Type }
func (f LanguageChanged) FrameType() string { return f.Type }
func (f Error) FrameType() string           { return f.Type }

func NewSessionStarted(sessionID string, voices []string, voice, language string) SessionStarted {
	return SessionStarted{Type: TypeSessionStarted, SessionID: sessionID, Voices: voices, Voice: voice, Language: language}
}

func NewUpstreamReady(voice string) UpstreamReady {
	return UpstreamReady{Type: TypeUpstreamReady, Voice: voice}
}

func ReceivingAudio() Phase     { return Phase{Type: TypeReceivingAudio} }
func ProcessingStarted() Phase  { return Phase{Type: TypeProcessingStarted} }
func ProcessingComplete() Phase { return Phase{Type: TypeProcessingComplete} }

// NewAudioOutput base64-encodes pcm for the JSON channel.
func NewAudioOutput(pcm []byte, mimeType string) AudioOutput {
	return AudioOutput{
		Type:      TypeAudioOutput,
		Audio:     base64.StdEncoding.EncodeToString(pcm),
		MIMEType:  mimeType,
		Streaming: true,
	}
}

func NewAIResponse(text, voice string, hasAudio bool) AIResponse {
	return AIResponse{Type: TypeAIResponse, Text: text, Voice: voice, HasAudio: hasAudio}
}

func NewVoiceChanged(voice string) VoiceChanged {
	return VoiceChanged{Type: TypeVoiceChanged, Voice: voice}
}

func NewLanguageChanged(language string) LanguageChanged {
	return LanguageChanged{Type: TypeLanguageChanged, Language: language}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
