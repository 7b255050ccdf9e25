package sessions

import "github.com/pkg/errors"

// Phase is the conversational phase of a session.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseReceivingAudio Phase = "receiving_audio"
	PhaseProcessing     Phase = "processing"
	PhaseClosed         Phase = "closed"
)

type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

type AudioInputState string

const (
	AudioIdle      AudioInputState = "idle"
	AudioReceiving AudioInputState = "receiving"
)

var (
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrClosed            = errors.New("session closed")
)

// transitions lists the legal non-terminal edges; closed is reachable from
// every phase and handled separately.
var transitions = map[Phase][]Phase{
	PhaseIdle:           {PhaseReceivingAudio, PhaseProcessing},
	PhaseReceivingAudio: {PhaseProcessing, PhaseIdle},
	PhaseProcessing:     {PhaseIdle, PhaseReceivingAudio},
}

func canTransition(from, to Phase) bool {
	if from == PhaseClosed {
		return false
	}
	if to == PhaseClosed {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
