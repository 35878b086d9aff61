// Package transcribe runs one speech-to-text session per voice window and
// reduces it to a single [Transcript].
//
// A [Session] forwards microphone frames to the provider until [Session.EndAudio]
// and then waits for the provider to flush. [Session.Await] never fails: a
// provider that does not deliver within the timeout yields an empty
// transcript with TimedOut set, and the caller proceeds without text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxloop/internal/transcript/phonetic"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

// DefaultTimeout bounds the wait for a final transcript.
const DefaultTimeout = 10 * time.Second

// ErrAlreadyStarted is returned by [Transcriber.Begin] while a previous
// session is still outstanding.
var ErrAlreadyStarted = errors.New("transcribe: session already started")

// Transcript is the outcome of a session.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64

	// Corrections lists keyword substitutions applied to Text.
	Corrections []phonetic.Correction

	ResolvedAt time.Time
	TimedOut   bool
}

// Empty reports whether there is no usable text.
func (t Transcript) Empty() bool { return strings.TrimSpace(t.Text) == "" }

// Config parameterises the provider stream.
type Config struct {
	// SampleRate sent to the provider. Frames are resampled to mono at this
	// rate. Default: 16000.
	SampleRate int
	Language   string
	Keywords   []string
	Timeout    time.Duration
}

// Option is a functional option for [New].
type Option func(*Transcriber)

// WithCorrector enables keyword correction of final transcripts.
func WithCorrector(m *phonetic.Matcher) Option {
	return func(t *Transcriber) { t.matcher = m }
}

// WithClock overrides the clock used for ResolvedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Transcriber) { t.now = now }
}

// Transcriber owns at most one outstanding [Session] at a time.
type Transcriber struct {
	provider stt.Provider
	matcher  *phonetic.Matcher
	now      func() time.Time

	cfg   atomic.Pointer[Config]
	vocab atomic.Pointer[phonetic.Vocabulary]

	mu     sync.Mutex
	active *Session
}

// New returns a Transcriber for provider.
func New(provider stt.Provider, cfg Config, opts ...Option) *Transcriber {
	t := &Transcriber{provider: provider, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	t.SetConfig(cfg)
	return t
}

// SetConfig replaces the configuration for sessions begun afterwards.
func (t *Transcriber) SetConfig(cfg Config) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Keywords = append([]string(nil), cfg.Keywords...)
	t.cfg.Store(&cfg)
	t.vocab.Store(phonetic.NewVocabulary(cfg.Keywords))
}

// Config returns the current configuration.
func (t *Transcriber) Config() Config { return *t.cfg.Load() }

// Active reports whether a session is outstanding.
func (t *Transcriber) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

// Begin opens a provider stream and starts forwarding frames to it. The
// stream lives until the session resolves, is cancelled, or ctx ends.
func (t *Transcriber) Begin(ctx context.Context, frames <-chan audio.AudioFrame) (*Session, error) {
	cfg := t.Config()
	s := &Session{
		t:        t,
		cfg:      cfg,
		stop:     make(chan struct{}),
		pumped:   make(chan struct{}),
		resolved: make(chan struct{}),
	}

	t.mu.Lock()
	if t.active != nil {
		t.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	t.active = s
	t.mu.Unlock()

	handle, err := t.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: cfg.SampleRate,
		Channels:   1,
		Language:   cfg.Language,
		Keywords:   cfg.Keywords,
	})
	if err != nil {
		t.release(s)
		return nil, fmt.Errorf("transcribe: start stream: %w", err)
	}
	s.handle = handle

	go s.pump(frames)
	go s.collect()
	return s, nil
}

func (t *Transcriber) release(s *Session) {
	t.mu.Lock()
	if t.active == s {
		t.active = nil
	}
	t.mu.Unlock()
}

// Session is one outstanding recognition.
type Session struct {
	t      *Transcriber
	cfg    Config
	handle stt.SessionHandle

	stop     chan struct{}
	pumped   chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once
	doneOnce sync.Once

	resolved chan struct{}
	result   Transcript
}

func (s *Session) pump(frames <-chan audio.AudioFrame) {
	defer close(s.pumped)
	for {
		select {
		case <-s.stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			pcm := audio.ToMono16(f.Data, f.SampleRate, f.Channels, s.cfg.SampleRate)
			if err := s.handle.SendAudio(pcm); err != nil {
				if !errors.Is(err, stt.ErrSessionClosed) {
					slog.Warn("transcribe: send audio failed", "err", err)
				}
				return
			}
		}
	}
}

// collect joins every final until the provider closes the stream.
func (s *Session) collect() {
	var (
		parts []string
		conf  float64
	)
	partials := s.handle.Partials()
	finals := s.handle.Finals()
	for finals != nil {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			slog.Debug("transcribe: partial", "text", tr.Text)
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if text := strings.TrimSpace(tr.Text); text != "" {
				parts = append(parts, text)
				conf = tr.Confidence
			}
		}
	}
	if err := s.handle.Err(); err != nil {
		slog.Warn("transcribe: stream ended with error", "err", err)
	}

	res := Transcript{
		Text:       strings.Join(parts, " "),
		IsFinal:    true,
		Confidence: conf,
		ResolvedAt: s.t.now(),
	}
	if m := s.t.matcher; m != nil && res.Text != "" {
		res.Text, res.Corrections = m.Correct(res.Text, s.t.vocab.Load())
		for _, c := range res.Corrections {
			slog.Debug("transcribe: keyword corrected", "from", c.Original, "to", c.Corrected, "confidence", c.Confidence)
		}
	}
	s.result = res
	close(s.resolved)
}

func (s *Session) stopPump() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// EndAudio stops forwarding frames and tells the provider the utterance is
// over. Safe to call more than once.
func (s *Session) EndAudio() {
	s.endOnce.Do(func() {
		s.stopPump()
		<-s.pumped
		if err := s.handle.Finish(); err != nil {
			slog.Warn("transcribe: finish failed", "err", err)
		}
	})
}

// Await ends audio input if that has not happened yet and waits for the
// transcript. The timeout starts when Await is called. On timeout or ctx
// cancellation the provider stream is closed and an empty transcript is
// returned; only the timeout sets TimedOut.
func (s *Session) Await(ctx context.Context) Transcript {
	s.EndAudio()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-s.resolved:
		s.finish()
		return s.result
	case <-timer.C:
		slog.Warn("transcribe: no final transcript before timeout", "timeout", s.cfg.Timeout)
		s.Cancel()
		return Transcript{ResolvedAt: s.t.now(), TimedOut: true}
	case <-ctx.Done():
		s.Cancel()
		return Transcript{ResolvedAt: s.t.now()}
	}
}

// Cancel aborts the session and discards any result. Safe to call more than
// once and after Await.
func (s *Session) Cancel() {
	s.stopPump()
	s.finish()
}

func (s *Session) finish() {
	s.doneOnce.Do(func() {
		if err := s.handle.Close(); err != nil {
			slog.Debug("transcribe: close stream", "err", err)
		}
		s.t.release(s)
	})
}
