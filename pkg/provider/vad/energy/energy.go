// Package energy is an RMS-based [vad.Engine]. It needs no model files and
// is the default engine for the level meter.
//
// The speech probability of a frame is its RMS amplitude normalised to 0..1,
// multiplied by the configured gain and clamped. A session enters speech when
// the probability reaches SpeechThreshold and leaves it once the probability
// stays below SilenceThreshold for the hangover period.
package energy

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

const (
	defaultGain     = 1.0
	defaultHangover = 3
)

// Option configures an [Engine].
type Option func(*Engine)

// WithGain scales the normalised level before it is compared to thresholds.
// Useful for quiet microphones. Default: 1.
func WithGain(g float64) Option {
	return func(e *Engine) {
		if g > 0 {
			e.gain = g
		}
	}
}

// WithHangover sets how many consecutive quiet frames end a speech segment.
// Default: 3.
func WithHangover(frames int) Option {
	return func(e *Engine) {
		if frames > 0 {
			e.hangover = frames
		}
	}
}

// Engine creates energy sessions.
type Engine struct {
	gain     float64
	hangover int
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{gain: defaultGain, hangover: defaultHangover}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %.3f out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.3f above speech threshold %.3f",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	frameBytes := 0
	if cfg.FrameSizeMs > 0 {
		frameBytes = cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	}
	return &session{cfg: cfg, gain: e.gain, hangover: e.hangover, frameBytes: frameBytes}, nil
}

type session struct {
	cfg        vad.Config
	gain       float64
	hangover   int
	frameBytes int

	speaking bool
	quiet    int
	closed   bool
}

var errClosed = errors.New("energy: session closed")

func (s *session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, errClosed
	}
	if len(frame)%2 != 0 {
		return vad.Event{}, fmt.Errorf("energy: odd frame length %d", len(frame))
	}
	if s.frameBytes > 0 && len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := audio.Level(frame) * s.gain
	if p > 1 {
		p = 1
	}

	ev := vad.Event{Probability: p}
	switch {
	case !s.speaking && p >= s.cfg.SpeechThreshold:
		s.speaking = true
		s.quiet = 0
		ev.Type = vad.EventSpeechStart
	case s.speaking && p < s.cfg.SilenceThreshold:
		s.quiet++
		if s.quiet >= s.hangover {
			s.speaking = false
			s.quiet = 0
			ev.Type = vad.EventSpeechEnd
		} else {
			ev.Type = vad.EventSpeechContinue
		}
	case s.speaking:
		s.quiet = 0
		ev.Type = vad.EventSpeechContinue
	default:
		ev.Type = vad.EventSilence
	}
	return ev, nil
}

func (s *session) Reset() {
	s.speaking = false
	s.quiet = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
