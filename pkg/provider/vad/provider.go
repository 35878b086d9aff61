// Package vad defines the Engine interface for frame-level voice activity
// detection.
//
// An Engine creates one stateful SessionHandle per audio stream. ProcessFrame
// is synchronous and must not block, so a session can sit directly in the
// microphone read loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is not safe for concurrent use unless documented.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// FrameSizeMs is the expected frame duration. Zero accepts any size.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame counts as speech.
	// Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active speech segment
	// ends. Must be <= SpeechThreshold.
	SilenceThreshold float64
}

// EventType enumerates per-frame detection states.
type EventType int

const (
	// EventSilence indicates no speech.
	EventSilence EventType = iota

	// EventSpeechStart indicates speech has just begun.
	EventSpeechStart

	// EventSpeechContinue indicates ongoing speech.
	EventSpeechContinue

	// EventSpeechEnd indicates speech has just ended.
	EventSpeechEnd
)

// String returns a short name for the event type.
func (t EventType) String() string {
	switch t {
	case EventSilence:
		return "silence"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechContinue:
		return "speech_continue"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is the detection result for one frame.
type Event struct {
	Type EventType

	// Probability is the speech score in [0.0, 1.0]. Energy-based engines
	// report the normalised signal level.
	Probability float64
}

// SessionHandle is an active VAD session for a single stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame of little-endian int16 PCM.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
