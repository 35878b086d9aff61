// Package synth speaks response text through an ordered chain of TTS
// providers and a speaker.
//
// [Synthesizer.Speak] sanitizes the text, splits it into sentence-sized
// chunks and renders the next chunk while the current one plays.
// [Synthesizer.IsSpeaking] is true from the first synthesis request until
// playback ends, which the orchestrator uses to ignore its own voice.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

const defaultMaxChunk = 400

// ErrSynthesisExhausted is returned when no provider produced usable audio.
var ErrSynthesisExhausted = errors.New("synth: synthesis exhausted")

// Voice is a named, fully specified voice selection.
type Voice struct {
	Name string

	// Providers maps TTS chain entry names to provider voice ids.
	Providers map[string]string

	Style  string
	Rate   float64
	Pitch  float64
	Volume float64
}

type voiceSet struct {
	byName map[string]Voice
	def    string
}

// Option is a functional option for [New].
type Option func(*Synthesizer)

// WithOutputFormat sets the PCM format handed to the player. Default is
// 48 kHz stereo.
func WithOutputFormat(sampleRate, channels int) Option {
	return func(s *Synthesizer) {
		s.outRate, s.outChannels = sampleRate, channels
	}
}

// WithMaxChunk sets the soft limit, in bytes, for one synthesis request.
func WithMaxChunk(n int) Option {
	return func(s *Synthesizer) { s.maxChunk = n }
}

// WithVoices sets the initial voice table. See [Synthesizer.SetVoices].
func WithVoices(def string, voices ...Voice) Option {
	return func(s *Synthesizer) { s.SetVoices(def, voices...) }
}

// Synthesizer is safe for concurrent use. Concurrent Speak calls are
// serialized.
type Synthesizer struct {
	provider tts.Provider
	player   audio.Player

	outRate     int
	outChannels int
	maxChunk    int

	voices   atomic.Pointer[voiceSet]
	speaking atomic.Bool

	speakMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New returns a Synthesizer rendering provider's audio on player. provider
// is usually a [resilience.TTSFallback] holding the full chain.
func New(provider tts.Provider, player audio.Player, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		provider:    provider,
		player:      player,
		outRate:     48000,
		outChannels: 2,
		maxChunk:    defaultMaxChunk,
	}
	s.voices.Store(&voiceSet{byName: map[string]Voice{}})
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetVoices replaces the voice table. def names the voice used for empty or
// unknown hints.
func (s *Synthesizer) SetVoices(def string, voices ...Voice) {
	set := &voiceSet{byName: make(map[string]Voice, len(voices)), def: def}
	for _, v := range voices {
		set.byName[strings.ToLower(v.Name)] = v
	}
	s.voices.Store(set)
}

// Voice resolves hint against the voice table.
func (s *Synthesizer) Voice(hint string) Voice {
	set := s.voices.Load()
	if v, ok := set.byName[strings.ToLower(hint)]; ok && hint != "" {
		return v
	}
	if hint != "" {
		slog.Debug("synth: unknown voice hint, using default", "hint", hint, "default", set.def)
	}
	return set.byName[strings.ToLower(set.def)]
}

// IsSpeaking reports whether synthesis or playback is in progress.
func (s *Synthesizer) IsSpeaking() bool { return s.speaking.Load() }

// Cancel stops the current utterance immediately. It is a no-op when
// nothing is being spoken.
func (s *Synthesizer) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Speak synthesizes text with the voice named by hint and blocks until
// playback completes. Text that sanitizes to nothing is a no-op. The error
// wraps [ErrSynthesisExhausted] when the provider chain produced nothing,
// or is ctx.Err() when ctx or [Synthesizer.Cancel] interrupted it.
func (s *Synthesizer) Speak(ctx context.Context, text, hint string) error {
	clean := Sanitize(text)
	if clean == "" {
		slog.Debug("synth: nothing speakable", "raw_len", len(text))
		return nil
	}

	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.speaking.Store(true)
	defer s.speaking.Store(false)

	voice := s.Voice(hint)
	chunks := SplitChunks(clean, s.maxChunk)

	type rendered struct {
		clip audio.Clip
		err  error
	}
	next := make(chan rendered, 1)
	go func() {
		defer close(next)
		for _, chunk := range chunks {
			clip, err := s.render(ctx, chunk, voice)
			select {
			case next <- rendered{clip, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for r := range next {
		if r.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return r.err
		}
		if err := s.player.Play(ctx, r.clip); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("synth: play: %w", err)
		}
	}
	return ctx.Err()
}

func (s *Synthesizer) render(ctx context.Context, text string, v Voice) (audio.Clip, error) {
	out, err := s.provider.Synthesize(ctx, tts.Request{
		Text:      text,
		Voices:    v.Providers,
		StyleHint: v.Style,
		Rate:      v.Rate,
		Pitch:     v.Pitch,
		Volume:    v.Volume,
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("%w: %w", ErrSynthesisExhausted, err)
	}
	clip, err := out.Decode()
	if err != nil {
		return audio.Clip{}, fmt.Errorf("%w: %w", ErrSynthesisExhausted, err)
	}

	pcm := audio.ToMono16(clip.PCM, clip.SampleRate, clip.Channels, s.outRate)
	if v.Volume > 0 && v.Volume != 1 {
		pcm = scaleVolume(pcm, v.Volume)
	}
	if s.outChannels == 2 {
		pcm = audio.MonoToStereo(pcm)
	}
	return audio.Clip{PCM: pcm, SampleRate: s.outRate, Channels: s.outChannels}, nil
}

func scaleVolume(pcm []byte, gain float64) []byte {
	samples := audio.BytesToInt16(pcm)
	for i, v := range samples {
		scaled := math.Round(float64(v) * gain)
		samples[i] = int16(max(math.MinInt16, min(math.MaxInt16, scaled)))
	}
	return audio.Int16ToBytes(samples)
}

// SplitChunks breaks text at sentence ends so that no chunk exceeds limit
// bytes unless a single sentence does.
func SplitChunks(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if c := strings.TrimSpace(cur.String()); c != "" {
			chunks = append(chunks, c)
		}
		cur.Reset()
	}
	for _, sentence := range splitSentences(text) {
		if cur.Len() > 0 && cur.Len()+1+len(sentence) > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
	}
	flush()
	return chunks
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if strings.IndexByte(".!?", text[i]) < 0 {
			continue
		}
		if i+1 < len(text) && text[i+1] != ' ' {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
