// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, OpenAI, a
// self-hosted Coqui server or a local espeak binary) and turns one utterance
// into one encoded audio payload. Providers are composed into an ordered
// fallback chain by the resilience package; each attempt is independent.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Mime types reported in [Audio.MimeType].
const (
	// MimeWAV is a RIFF/WAVE container.
	MimeWAV = "audio/wav"

	// MimePCM is headerless little-endian int16 PCM. [Audio.SampleRate] and
	// [Audio.Channels] describe its layout.
	MimePCM = "audio/pcm"
)

var (
	// ErrEmptyText is returned when a request carries no speakable text.
	ErrEmptyText = errors.New("tts: empty text")

	// ErrBadAudio is returned by [Audio.Decode] for payloads that cannot be
	// played.
	ErrBadAudio = errors.New("tts: unplayable audio")
)

// Request describes one utterance.
type Request struct {
	Text string

	// VoiceID is the provider-specific voice identifier. Empty selects the
	// provider's default voice.
	VoiceID string

	// Voices maps provider names to voice identifiers. When a chain hands the
	// request to a named provider, a matching entry replaces VoiceID.
	Voices map[string]string

	// StyleHint is a free-form delivery hint ("calm", "cheerful").
	// Providers that cannot express style ignore it.
	StyleHint string

	// Rate, Pitch and Volume are multipliers where 1.0 is the voice default.
	// Zero means default.
	Rate   float64
	Pitch  float64
	Volume float64
}

// ForProvider returns a copy of r with VoiceID resolved for the named
// provider.
func (r Request) ForProvider(name string) Request {
	if id, ok := r.Voices[name]; ok && id != "" {
		r.VoiceID = id
	}
	return r
}

// RateOr returns Rate, or def when Rate is unset.
func (r Request) RateOr(def float64) float64 {
	if r.Rate <= 0 {
		return def
	}
	return r.Rate
}

// PitchOr returns Pitch, or def when Pitch is unset.
func (r Request) PitchOr(def float64) float64 {
	if r.Pitch <= 0 {
		return def
	}
	return r.Pitch
}

// Audio is a synthesised utterance.
type Audio struct {
	Data     []byte
	MimeType string

	// SampleRate and Channels are set for MimePCM payloads.
	SampleRate int
	Channels   int
}

// Decode turns the payload into PCM. WAV is parsed; PCM defaults to 16 kHz
// mono when its layout is unset. Empty, truncated or unknown payloads wrap
// [ErrBadAudio].
func (a Audio) Decode() (audio.Clip, error) {
	if len(a.Data) == 0 {
		return audio.Clip{}, fmt.Errorf("%w: no data", ErrBadAudio)
	}
	switch a.MimeType {
	case MimeWAV:
		clip, err := audio.DecodeWAV(a.Data)
		if err != nil {
			return audio.Clip{}, fmt.Errorf("%w: %w", ErrBadAudio, err)
		}
		return clip, nil
	case MimePCM:
		rate, ch := a.SampleRate, a.Channels
		if rate <= 0 {
			rate = 16000
		}
		if ch <= 0 {
			ch = 1
		}
		if len(a.Data)%(2*ch) != 0 {
			return audio.Clip{}, fmt.Errorf("%w: %d bytes is not a whole number of %d-channel frames", ErrBadAudio, len(a.Data), ch)
		}
		return audio.Clip{PCM: a.Data, SampleRate: rate, Channels: ch}, nil
	default:
		return audio.Clip{}, fmt.Errorf("%w: unsupported type %q", ErrBadAudio, a.MimeType)
	}
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders req into audio. It returns an error if the backend
	// cannot produce audio for the request, including when ctx expires.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}
