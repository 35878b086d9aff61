// Package app wires all voxloop subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates every component from
// the config, Handler exposes the control API, ApplyConfig takes hot config
// changes and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithPlayer, WithTurnStore, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxloop/internal/capture"
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/health"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/orchestrator"
	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/internal/synth"
	"github.com/MrWong99/voxloop/internal/transcribe"
	"github.com/MrWong99/voxloop/internal/transcript/phonetic"
	"github.com/MrWong99/voxloop/internal/transport"
	"github.com/MrWong99/voxloop/internal/turnlog"
	"github.com/MrWong99/voxloop/internal/voice"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/portaudio"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
	"github.com/MrWong99/voxloop/pkg/provider/vad/energy"
)

// transcriptionSampleRate is the rate frames are resampled to for STT.
const transcriptionSampleRate = 16000

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// STT is usually a resilience.STTFallback over the configured entries.
	STT stt.Provider

	// LLM backs the LLM fallback transport.
	LLM llm.Provider

	// TTS is usually a resilience.TTSFallback holding the full chain.
	TTS tts.Provider

	// VAD scores microphone frames for the level meter. Nil selects the
	// energy engine.
	VAD vad.Engine
}

// App owns all subsystem lifetimes and runs one capture-and-respond loop.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Injectable.
	source audio.Source
	player audio.Player
	turns  turnlog.Store
	dialer transport.Dialer
	device capture.Device

	// Built in New.
	detector    *voice.Detector
	synth       *synth.Synthesizer
	transcriber *transcribe.Transcriber
	transport   *transport.Manager
	orch        *orchestrator.Orchestrator
	sessions    *SessionManager

	mu sync.Mutex // guards cfg after New

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects the microphone instead of opening a PortAudio input.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithPlayer injects the speaker instead of a PortAudio output.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithTurnStore injects the turn log instead of creating one from config.
func WithTurnStore(s turnlog.Store) Option {
	return func(a *App) { a.turns = s }
}

// WithDialer injects the realtime dialer instead of a websocket dialer for
// connection.realtime_url.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithDevice injects the capture device instead of the one selected by
// capture.mode.
func WithDevice(d capture.Device) Option {
	return func(a *App) { a.device = d }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). The session is not
// started; that is an explicit user action through the control API.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.TTS == nil {
		return nil, fmt.Errorf("app: a TTS provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Turn log ──────────────────────────────────────────────────────
	if err := a.initTurnlog(ctx); err != nil {
		return nil, fmt.Errorf("app: init turn log: %w", err)
	}

	// ── 2. Audio devices ─────────────────────────────────────────────────
	a.initAudio()

	// ── 3. Listening ─────────────────────────────────────────────────────
	engine := providers.VAD
	if engine == nil {
		engine = energy.New()
	}
	meter := voice.NewFrameMeter(engine, vad.Config{
		SampleRate:       cfg.Audio.SampleRate,
		FrameSizeMs:      cfg.Audio.FrameSizeMs,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	})
	a.detector = voice.New(meter, listenConfig(cfg.Listen))

	// ── 4. Capture and transcription ─────────────────────────────────────
	if a.device == nil {
		a.device = newDevice(cfg.Capture)
	}
	recorder := capture.NewRecorder(capture.WithStopTimeout(cfg.Capture.StopTimeout))
	if providers.STT != nil {
		var topts []transcribe.Option
		if len(cfg.Transcription.Keywords) > 0 {
			topts = append(topts, transcribe.WithCorrector(phonetic.New()))
		}
		a.transcriber = transcribe.New(providers.STT, transcribe.Config{
			SampleRate: transcriptionSampleRate,
			Language:   cfg.Transcription.Language,
			Keywords:   cfg.Transcription.Keywords,
			Timeout:    cfg.Transcription.Timeout,
		}, topts...)
	} else {
		slog.Warn("no STT provider configured; turns will use the generic prompt")
	}

	// ── 5. Synthesis ─────────────────────────────────────────────────────
	sopts := []synth.Option{synth.WithOutputFormat(cfg.Audio.SampleRate, cfg.Audio.Channels)}
	if cfg.Synthesis.MaxChunk > 0 {
		sopts = append(sopts, synth.WithMaxChunk(cfg.Synthesis.MaxChunk))
	}
	def, voices := synthVoices(cfg.Synthesis)
	sopts = append(sopts, synth.WithVoices(def, voices...))
	a.synth = synth.New(providers.TTS, a.player, sopts...)

	// ── 6. Transport ─────────────────────────────────────────────────────
	a.initTransport()

	// ── 7. Orchestrator ──────────────────────────────────────────────────
	history := session.NewHistory(cfg.Conversation.MaxTurns)
	a.orch = orchestrator.New(orchestrator.Deps{
		Microphone:  orchestrator.NewHubMicrophone(a.source),
		Meter:       meter,
		Detector:    a.detector,
		Device:      a.device,
		Recorder:    recorder,
		Transcriber: a.transcriber,
		Speaker:     a.synth,
		Transport:   a.transport,
		History:     history,
	}, orchestratorConfig(cfg),
		orchestrator.WithTurnSink(a.turns),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithNoticeHandler(a.onNotice),
	)
	a.sessions = NewSessionManager(a.orch, a.turns)

	slog.Info("app initialised",
		"capture_mode", cfg.Capture.Mode,
		"stt", providers.STT != nil,
		"fallback", fallbackKind(cfg.Connection),
		"max_turns", cfg.Conversation.MaxTurns,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTurnlog connects to PostgreSQL when a DSN is configured and keeps
// turns in memory otherwise.
func (a *App) initTurnlog(ctx context.Context) error {
	if a.turns != nil {
		return nil
	}
	dsn := a.cfg.Turnlog.PostgresDSN
	if dsn == "" {
		a.turns = turnlog.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	store := turnlog.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	a.turns = turnlog.NewGuard(store)
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	slog.Info("turn log connected to postgres")
	return nil
}

// initAudio opens PortAudio devices unless doubles were injected.
func (a *App) initAudio() {
	ac := a.cfg.Audio
	if a.source == nil {
		device := -1
		if ac.InputDevice != nil {
			device = *ac.InputDevice
		}
		in := portaudio.NewInput(portaudio.Config{
			SampleRate: ac.SampleRate,
			Channels:   ac.Channels,
			FrameSize:  ac.SampleRate * ac.FrameSizeMs / 1000,
			Device:     device,
		})
		a.source = in
		a.closers = append(a.closers, in.Close)
	}
	if a.player == nil {
		a.player = portaudio.NewOutput(ac.OutputFrameSize)
	}
}

// initTransport builds the realtime manager and its fallback.
func (a *App) initTransport() {
	cc := a.cfg.Connection
	dialer := a.dialer
	if dialer == nil {
		dialer = &transport.WebSocketDialer{URL: cc.RealtimeURL, APIKey: cc.APIKey}
	}

	var fallback transport.Fallback
	switch {
	case cc.FallbackURL != "":
		fallback = transport.NewHTTPFallback(cc.FallbackURL,
			transport.WithAPIKey(cc.APIKey),
			transport.WithSessionConfig(cc.Session),
		)
	case cc.FallbackLLM && a.providers.LLM != nil:
		var lopts []transport.LLMOption
		if p := a.cfg.Conversation.SystemPrompt; p != "" {
			lopts = append(lopts, transport.WithSystemPrompt(p))
		}
		fallback = transport.NewLLMFallback(a.providers.LLM, lopts...)
	}

	a.transport = transport.NewManager(dialer, fallback, transport.Config{
		BaseDelay:            cc.BaseDelay,
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		MinRetryDelay:        cc.MinRetryDelay,
		MaxRetryDelay:        cc.MaxRetryDelay,
		MaxBusyRetries:       cc.MaxBusyRetries,
		PingInterval:         cc.PingInterval,
		SessionConfig:        cc.Session,
		OnReconnect: func(attempt int, delay time.Duration) {
			a.metrics.ReconnectAttempts.Add(context.Background(), 1)
		},
		OnFallback: func(error) {
			a.metrics.TransportFallbacks.Add(context.Background(), 1)
		},
	})
}

func newDevice(cc config.CaptureConfig) capture.Device {
	if cc.Mode == config.CaptureScreen {
		return capture.NewScreenDevice(capture.ScreenConfig{
			FFmpegPath: cc.FFmpegPath,
			Display:    cc.Display,
			FrameRate:  cc.FrameRate,
		})
	}
	return capture.NewAudioDevice(nil)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session controller behind the control API.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the control API and health endpoints, wrapped in the
// observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(
		health.Transport(a.orch.Snapshot),
		health.Ping("turnlog", a.turns),
	).Register(mux)
	a.sessions.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig takes a reloaded config. The listen and synthesis sections
// apply immediately; a turn in flight finishes with the old values. Changes
// to any other section are logged and need a restart.
func (a *App) ApplyConfig(next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	if !reflect.DeepEqual(prev.Listen, next.Listen) {
		a.detector.SetConfig(listenConfig(next.Listen))
		slog.Info("config: listen settings applied",
			"threshold", next.Listen.Threshold,
			"min_voice_duration", next.Listen.MinVoiceDuration,
		)
	}
	if !reflect.DeepEqual(prev.Synthesis, next.Synthesis) {
		def, voices := synthVoices(next.Synthesis)
		a.synth.SetVoices(def, voices...)
		slog.Info("config: synthesis voices applied", "voices", len(next.Synthesis.Voices))
	}

	for name, changed := range map[string]bool{
		"server":        !reflect.DeepEqual(prev.Server, next.Server),
		"providers":     !reflect.DeepEqual(prev.Providers, next.Providers),
		"audio":         !reflect.DeepEqual(prev.Audio, next.Audio),
		"capture":       !reflect.DeepEqual(prev.Capture, next.Capture),
		"transcription": !reflect.DeepEqual(prev.Transcription, next.Transcription),
		"connection":    !reflect.DeepEqual(prev.Connection, next.Connection),
		"conversation":  !reflect.DeepEqual(prev.Conversation, next.Conversation),
		"turnlog":       !reflect.DeepEqual(prev.Turnlog, next.Turnlog),
	} {
		if changed {
			slog.Warn("config: section changed but needs a restart", "section", name)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the running session and tears down all subsystems. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		stopped := make(chan struct{})
		go func() {
			a.orch.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while stopping session")
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (a *App) onNotice(n orchestrator.Notice) {
	a.sessions.RecordNotice(n)
}

func listenConfig(lc config.ListenConfig) voice.Config {
	return voice.Config{
		Threshold:        lc.Threshold,
		Interval:         lc.Interval,
		MinVoiceDuration: lc.MinVoiceDuration,
		SilenceSamples:   lc.SilenceSamples,
	}
}

func synthVoices(sc config.SynthesisConfig) (string, []synth.Voice) {
	voices := make([]synth.Voice, 0, len(sc.Voices))
	for _, v := range sc.Voices {
		voices = append(voices, synth.Voice{
			Name:      v.Name,
			Providers: v.Providers,
			Style:     v.Style,
			Rate:      v.Rate,
			Pitch:     v.Pitch,
			Volume:    v.Volume,
		})
	}
	return sc.DefaultVoice, voices
}

// orchestratorConfig leaves VoiceHint empty so the synthesizer's current
// default voice applies.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	c := orchestrator.Config{
		PromptContext: cfg.Conversation.PromptContext,
		GenericPrompt: cfg.Conversation.GenericPrompt,
		RequireRearm:  cfg.Conversation.RequireRearm,
		MaxTurns:      cfg.Conversation.MaxTurns,
	}
	if cfg.Capture.Mode == config.CaptureScreen {
		c.Constraints = capture.Constraints{Video: true, Audio: cfg.Capture.WithAudio}
	}
	return c
}

func fallbackKind(cc config.ConnectionConfig) string {
	switch {
	case cc.FallbackURL != "":
		return "http"
	case cc.FallbackLLM:
		return "llm"
	default:
		return "none"
	}
}
