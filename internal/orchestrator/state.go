package orchestrator

import "time"

// State is the orchestrator's position in the turn cycle.
type State int

const (
	// StateIdle means no session is running.
	StateIdle State = iota
	// StateListening waits for a voice onset.
	StateListening
	// StateRecording captures the open voice window.
	StateRecording
	// StateAwaitingTranscript has stopped capture and waits for the transcript.
	StateAwaitingTranscript
	// StateAnalyzing waits for the backend's answer.
	StateAnalyzing
	// StateSpeaking plays the answer back.
	StateSpeaking
	// StateError is entered on an irrecoverable failure, right before the
	// session shuts down to Idle.
	StateError
)

// String returns the snake_case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRecording:
		return "recording"
	case StateAwaitingTranscript:
		return "awaiting_transcript"
	case StateAnalyzing:
		return "analyzing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Busy reports whether a turn is in progress.
func (s State) Busy() bool {
	return s >= StateRecording && s <= StateSpeaking
}

// NoticeKind classifies a [Notice].
type NoticeKind string

const (
	// NoticeTooShort reports a voice window that was discarded.
	NoticeTooShort NoticeKind = "too_short"
	// NoticeDeviceUnavailable reports a microphone or capture device failure.
	NoticeDeviceUnavailable NoticeKind = "device_unavailable"
	// NoticeTransportFatal reports that the backend connection is gone for good.
	NoticeTransportFatal NoticeKind = "transport_fatal"
	// NoticeSynthesisExhausted reports that no speech provider produced audio.
	NoticeSynthesisExhausted NoticeKind = "synthesis_exhausted"
	// NoticeAnalysisFailed reports a failed analysis request.
	NoticeAnalysisFailed NoticeKind = "analysis_failed"
)

// Notice is a status message meant for the user.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// UserError reports whether the notice belongs on the user-visible error
// channel. Too-short windows and analysis failures are status only.
func (n Notice) UserError() bool {
	switch n.Kind {
	case NoticeDeviceUnavailable, NoticeTransportFatal, NoticeSynthesisExhausted:
		return true
	default:
		return false
	}
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	SessionID     string    `json:"session_id,omitempty"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	Armed         bool      `json:"armed"`
	TransportMode string    `json:"transport_mode,omitempty"`
	Connected     bool      `json:"connected"`
	Turns         int       `json:"turns"`
	MaxTurns      int       `json:"max_turns"`
	LastNotice    *Notice   `json:"last_notice,omitempty"`
}
