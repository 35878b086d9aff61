// Package orchestrator drives the voice-gated capture and respond loop.
//
// An [Orchestrator] owns one session at a time. It listens for voice onsets,
// records the open window while a transcription runs alongside it, sends one
// analysis request per genuine window and speaks the answer. Every state
// change happens inside the orchestrator; the components it drives only
// report events and results.
//
// While the answer is playing, onsets are ignored so the session never
// reacts to its own voice. After speaking, the orchestrator goes back to
// passive listening and waits for the next genuine onset (or, with
// RequireRearm, an explicit [Orchestrator.Rearm]).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/capture"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/internal/synth"
	"github.com/MrWong99/voxloop/internal/transcribe"
	"github.com/MrWong99/voxloop/internal/transport"
	"github.com/MrWong99/voxloop/internal/voice"
	"github.com/MrWong99/voxloop/pkg/audio"
)

// Prompt contexts sent with an analysis request.
const (
	DefaultPromptContext = "The user asked a question out loud. Answer it using the attached capture as context. Keep the answer short enough to be spoken."
	DefaultGenericPrompt = "No speech was recognized. Briefly describe what the attached capture shows and point out anything that looks important."
)

const defaultFrameBuffer = 256

// ErrRunning is returned by Start while a session is already running.
var ErrRunning = errors.New("orchestrator: session already running")

// ── Capabilities ─────────────────────────────────────────────────────────────

// Detector emits voice activity windows. *voice.Detector implements it.
type Detector interface {
	Start(ctx context.Context, onOnset func(voice.Window), onOffset func(voice.Window, bool)) error
	Stop()
}

// Microphone opens the session's audio input. The returned source stays
// valid until Close.
type Microphone interface {
	Open(ctx context.Context) (capture.FrameSource, error)
	Close() error
}

// Meter turns microphone frames into the level the detector samples.
// *voice.FrameMeter implements it.
type Meter interface {
	Run(ctx context.Context, frames <-chan audio.AudioFrame) error
}

// Speaker plays responses. *synth.Synthesizer implements it.
type Speaker interface {
	Speak(ctx context.Context, text, hint string) error
	IsSpeaking() bool
	Cancel()
}

// Transport carries analysis requests to the backend. *transport.Manager
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, req transport.AnalysisRequest, history []session.Turn) (transport.AnalysisResult, error)
	Disconnect() error
	State() transport.ConnectionState

	// Lost is closed when the transport gives up outside of any request.
	// A nil channel never fires.
	Lost() <-chan struct{}
}

// TurnSink persists completed turns.
type TurnSink interface {
	AppendTurns(ctx context.Context, sessionID string, turns ...session.Turn) error
}

// attachable is implemented by capture devices that read from the session
// microphone.
type attachable interface {
	Attach(src capture.FrameSource)
}

var (
	_ Detector  = (*voice.Detector)(nil)
	_ Meter     = (*voice.FrameMeter)(nil)
	_ Speaker   = (*synth.Synthesizer)(nil)
	_ Transport = (*transport.Manager)(nil)
)

// Deps are the components an orchestrator drives. Meter, Transcriber and
// History are optional; everything else is required. Without a Transcriber
// every turn is analyzed with the generic prompt.
type Deps struct {
	Microphone  Microphone
	Meter       Meter
	Detector    Detector
	Device      capture.Device
	Recorder    *capture.Recorder
	Transcriber *transcribe.Transcriber
	Speaker     Speaker
	Transport   Transport
	History     *session.History
}

// Config holds the tunables that may change between turns.
type Config struct {
	// Constraints passed to the capture device. Zero means audio only.
	Constraints capture.Constraints

	// PromptContext accompanies a non-empty transcript.
	PromptContext string

	// GenericPrompt replaces the prompt context when no speech was recognized.
	GenericPrompt string

	// VoiceHint selects the synthesis voice.
	VoiceHint string

	// RequireRearm makes every turn after the first wait for Rearm.
	RequireRearm bool

	// MaxTurns bounds the history when Deps.History is nil.
	MaxTurns int

	// FrameBuffer is the channel size of microphone subscriptions.
	FrameBuffer int
}

func (c Config) withDefaults() Config {
	if c.Constraints == (capture.Constraints{}) {
		c.Constraints = capture.Constraints{Audio: true}
	}
	if c.PromptContext == "" {
		c.PromptContext = DefaultPromptContext
	}
	if c.GenericPrompt == "" {
		c.GenericPrompt = DefaultGenericPrompt
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = session.DefaultMaxTurns
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = defaultFrameBuffer
	}
	return c
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithTurnSink persists every completed turn to sink.
func WithTurnSink(sink TurnSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNoticeHandler calls fn for every notice, outside any lock.
func WithNoticeHandler(fn func(Notice)) Option {
	return func(o *Orchestrator) { o.onNotice = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// ── Orchestrator ─────────────────────────────────────────────────────────────

// Orchestrator is the session state machine.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	deps     Deps
	history  *session.History
	sink     TurnSink
	metrics  *observe.Metrics
	onNotice func(Notice)
	now      func() time.Time

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	wg        sync.WaitGroup

	mu         sync.Mutex
	cfg        Config
	state      State
	sessionID  string
	startedAt  time.Time
	armed      bool
	frames     capture.FrameSource
	turn       *turn
	runCtx     context.Context
	cancel     context.CancelFunc
	unsubMeter func()
	lastNotice *Notice
}

// turn is one voice window travelling through the cycle. Its handles are set
// once, under the orchestrator lock, before anything else reads them.
type turn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	window voice.Window

	capture     *capture.Handle
	transcript  *transcribe.Session
	unsubscribe func()
}

// close ends the turn's context and its microphone subscription.
func (t *turn) close() {
	t.cancel()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// discard drops everything the turn produced without analysis.
func (t *turn) discard() {
	if t.transcript != nil {
		t.transcript.Cancel()
	}
	if t.capture != nil {
		t.capture.Discard()
	}
	t.close()
}

// New creates an idle orchestrator.
func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		deps:    deps,
		history: deps.History,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.history == nil {
		o.history = session.NewHistory(cfg.MaxTurns)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// SetConfig replaces the tunables. A turn in flight keeps the values it
// started with.
func (o *Orchestrator) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
	if o.deps.History == nil {
		o.history.SetLimit(cfg.MaxTurns)
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History returns the retained conversation turns.
func (o *Orchestrator) History() []session.Turn {
	return o.history.Turns()
}

// Snapshot returns a point-in-time view for status reporting.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	snap := Snapshot{
		SessionID: o.sessionID,
		State:     o.state.String(),
		StartedAt: o.startedAt,
		Armed:     o.armed,
		Turns:     o.history.Len(),
		MaxTurns:  o.history.Limit(),
	}
	if o.lastNotice != nil {
		n := *o.lastNotice
		snap.LastNotice = &n
	}
	running := o.cancel != nil
	o.mu.Unlock()

	if running {
		cs := o.deps.Transport.State()
		snap.TransportMode = cs.Mode.String()
		snap.Connected = cs.Connected
	}
	return snap
}

// Rearm allows the next onset to start a turn when RequireRearm is set.
func (o *Orchestrator) Rearm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.armed = true
}

// Start opens the microphone, connects the transport and begins listening.
// The session outlives ctx and runs until Stop. On failure the orchestrator
// passes through Error back to Idle and the cause is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return ErrRunning
	}
	cfg := o.cfg
	o.mu.Unlock()

	sessionID := uuid.NewString()
	log := slog.With("session_id", sessionID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	src, err := o.deps.Microphone.Open(runCtx)
	if err != nil {
		cancel()
		err = fmt.Errorf("orchestrator: open microphone: %w", err)
		o.abort(NoticeDeviceUnavailable, err)
		return err
	}
	if a, ok := o.deps.Device.(attachable); ok {
		a.Attach(src)
	}

	unsubMeter := func() {}
	if o.deps.Meter != nil {
		frames, unsub := src.Subscribe(cfg.FrameBuffer)
		unsubMeter = unsub
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.deps.Meter.Run(runCtx, frames); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("orchestrator: level meter stopped", "err", err)
			}
		}()
	}

	teardown := func() {
		cancel()
		unsubMeter()
		o.wg.Wait()
		if a, ok := o.deps.Device.(attachable); ok {
			a.Attach(nil)
		}
		if err := o.deps.Microphone.Close(); err != nil {
			log.Warn("orchestrator: close microphone", "err", err)
		}
	}

	if err := o.deps.Transport.Connect(ctx); err != nil {
		teardown()
		err = fmt.Errorf("orchestrator: connect: %w", err)
		o.abort(NoticeTransportFatal, err)
		return err
	}

	o.history.Reset()
	o.mu.Lock()
	o.sessionID = sessionID
	o.startedAt = o.now()
	o.armed = true
	o.frames = src
	o.runCtx = runCtx
	o.cancel = cancel
	o.unsubMeter = unsubMeter
	o.lastNotice = nil
	o.setStateLocked(StateListening)
	o.mu.Unlock()

	if err := o.deps.Detector.Start(runCtx, o.handleOnset, o.handleOffset); err != nil {
		o.mu.Lock()
		o.cancel = nil
		o.frames = nil
		o.mu.Unlock()
		teardown()
		if derr := o.deps.Transport.Disconnect(); derr != nil {
			log.Warn("orchestrator: disconnect", "err", derr)
		}
		err = fmt.Errorf("orchestrator: start detector: %w", err)
		o.abort(NoticeDeviceUnavailable, err)
		return err
	}

	if lost := o.deps.Transport.Lost(); lost != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.watchTransport(runCtx, lost)
		}()
	}

	o.metrics.ActiveSessions.Add(context.Background(), 1)
	log.Info("orchestrator: session started", "mode", o.deps.Transport.State().Mode.String())
	return nil
}

// Stop ends the session: any outstanding transcription is cancelled, an
// active capture is discarded, speech stops immediately and the transport
// is closed. Stop is idempotent.
func (o *Orchestrator) Stop() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	cancel := o.cancel
	if cancel == nil {
		o.mu.Unlock()
		return
	}
	t := o.turn
	o.turn = nil
	o.cancel = nil
	unsubMeter := o.unsubMeter
	o.unsubMeter = nil
	sessionID := o.sessionID
	o.mu.Unlock()

	cancel()
	o.deps.Detector.Stop()
	if t != nil {
		t.discard()
	}
	o.deps.Speaker.Cancel()
	if unsubMeter != nil {
		unsubMeter()
	}
	o.wg.Wait()

	if err := o.deps.Transport.Disconnect(); err != nil {
		slog.Warn("orchestrator: disconnect", "session_id", sessionID, "err", err)
	}
	if a, ok := o.deps.Device.(attachable); ok {
		a.Attach(nil)
	}
	if err := o.deps.Microphone.Close(); err != nil {
		slog.Warn("orchestrator: close microphone", "session_id", sessionID, "err", err)
	}

	o.mu.Lock()
	o.frames = nil
	o.runCtx = nil
	o.setStateLocked(StateIdle)
	o.mu.Unlock()

	o.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("orchestrator: session stopped", "session_id", sessionID)
}

// ── Detector events ──────────────────────────────────────────────────────────

// admitLocked returns why an onset cannot start a turn, or "" if it can.
func (o *Orchestrator) admitLocked() string {
	switch {
	case o.cancel == nil:
		return "inactive"
	case o.state == StateSpeaking || o.deps.Speaker.IsSpeaking():
		return "speaking"
	case o.state != StateListening:
		return "busy"
	case o.cfg.RequireRearm && !o.armed:
		return "unarmed"
	}
	return ""
}

// handleOnset starts capture and transcription together. It runs on the
// detector goroutine, so the matching offset cannot arrive before it returns.
func (o *Orchestrator) handleOnset(w voice.Window) {
	o.mu.Lock()
	if reason := o.admitLocked(); reason != "" {
		state := o.state
		o.mu.Unlock()
		slog.Debug("orchestrator: onset ignored", "reason", reason, "state", state.String())
		o.metrics.RecordIgnoredOnset(context.Background(), reason)
		return
	}
	t := &turn{id: uuid.NewString(), window: w}
	t.ctx, t.cancel = context.WithCancel(o.runCtx)
	o.turn = t
	if o.cfg.RequireRearm {
		o.armed = false
	}
	cfg := o.cfg
	frames := o.frames
	sessionID := o.sessionID
	o.setStateLocked(StateRecording)
	o.mu.Unlock()

	var (
		g           errgroup.Group
		handle      *capture.Handle
		ts          *transcribe.Session
		unsubscribe func()
	)
	g.Go(func() error {
		stream, err := o.deps.Device.RequestStream(t.ctx, cfg.Constraints)
		if err != nil {
			return err
		}
		h, err := o.deps.Recorder.Start(stream)
		if err != nil {
			_ = stream.Close()
			return err
		}
		handle = h
		return nil
	})
	g.Go(func() error {
		if o.deps.Transcriber == nil {
			return nil
		}
		ch, cancel := frames.Subscribe(cfg.FrameBuffer)
		s, err := o.deps.Transcriber.Begin(t.ctx, ch)
		if err != nil {
			cancel()
			// The turn still goes ahead; analysis falls back to the generic prompt.
			slog.Warn("orchestrator: transcription unavailable for this turn", "session_id", sessionID, "turn_id", t.id, "err", err)
			return nil
		}
		ts, unsubscribe = s, cancel
		return nil
	})
	err := g.Wait()

	o.mu.Lock()
	current := o.turn == t
	if current && err == nil {
		t.capture, t.transcript, t.unsubscribe = handle, ts, unsubscribe
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.watchCapture(t, handle)
		}()
	}
	if current && err != nil {
		o.turn = nil
		o.setStateLocked(StateListening)
	}
	o.mu.Unlock()

	if !current || err != nil {
		if ts != nil {
			ts.Cancel()
		}
		if unsubscribe != nil {
			unsubscribe()
		}
		if handle != nil {
			handle.Discard()
		}
		t.close()
	}
	switch {
	case !current:
		return
	case err != nil:
		slog.Warn("orchestrator: capture failed", "session_id", sessionID, "turn_id", t.id, "err", err)
		o.notify(NoticeDeviceUnavailable, captureMessage(err))
		return
	}
	slog.Debug("orchestrator: recording", "session_id", sessionID, "turn_id", t.id)
}

// handleOffset closes the current window. Short windows are discarded; a
// genuine one hands the turn to its own goroutine.
func (o *Orchestrator) handleOffset(w voice.Window, short bool) {
	o.mu.Lock()
	t := o.turn
	if t == nil || o.state != StateRecording || !t.window.Onset.Equal(w.Onset) {
		o.mu.Unlock()
		return
	}
	t.window = w
	if short {
		o.turn = nil
		o.setStateLocked(StateListening)
		o.mu.Unlock()

		t.discard()
		o.metrics.DiscardedWindows.Add(context.Background(), 1)
		slog.Debug("orchestrator: voice window too short", "turn_id", t.id, "duration", w.Duration())
		o.notify(NoticeTooShort, fmt.Sprintf("voice window of %s was too short", w.Duration().Round(time.Millisecond)))
		return
	}
	o.setStateLocked(StateAwaitingTranscript)
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.runTurn(t)
	}()
}

// ── Turn ─────────────────────────────────────────────────────────────────────

func (o *Orchestrator) runTurn(t *turn) {
	o.mu.Lock()
	cfg := o.cfg
	sessionID := o.sessionID
	o.mu.Unlock()

	ctx, span := observe.StartTurnSpan(t.ctx, sessionID, t.id)
	defer span.End()
	defer t.close()
	log := observe.Logger(ctx).With("session_id", sessionID, "turn_id", t.id)

	// Capture is stopped before waiting on the transcript so the device is
	// released as early as possible.
	art, err := t.capture.Stop()
	if err != nil {
		observe.FailSpan(span, observe.StageCapture, err)
		log.Warn("orchestrator: finalize capture failed, continuing without media", "err", err)
		art = nil
	} else {
		defer art.Release()
		o.metrics.RecordStage(ctx, observe.StageCapture, art.Duration)
	}

	awaitStart := o.now()
	var tr transcribe.Transcript
	if t.transcript != nil {
		tr = t.transcript.Await(ctx)
	}
	o.metrics.RecordStage(ctx, observe.StageTranscription, o.now().Sub(awaitStart))
	if tr.TimedOut {
		o.metrics.TranscriptionTimeouts.Add(ctx, 1)
		log.Info("orchestrator: transcript timed out, using generic prompt")
	}
	if !o.advance(t, StateAwaitingTranscript, StateAnalyzing) {
		return
	}

	req := buildRequest(cfg, tr, art)
	sendStart := o.now()
	res, err := o.deps.Transport.Send(ctx, req, o.history.Turns())
	o.metrics.RecordStage(ctx, observe.StageAnalysis, o.now().Sub(sendStart))
	if err != nil {
		observe.FailSpan(span, observe.StageAnalysis, err)
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, transport.ErrTransportFatal):
			log.Error("orchestrator: transport failed", "err", err)
			o.fail(t, NoticeTransportFatal, err)
		default:
			log.Warn("orchestrator: analysis failed", "err", err)
			if o.finish(t, StateAnalyzing) {
				o.notify(NoticeAnalysisFailed, err.Error())
			}
		}
		return
	}

	userText := tr.Text
	if tr.Empty() {
		userText = req.PromptContext
	}
	turns := []session.Turn{
		{ID: t.id, Role: session.RoleUser, Text: userText, Timestamp: t.window.Onset},
		{ID: uuid.NewString(), Role: session.RoleAssistant, Text: res.Text, Timestamp: o.now()},
	}
	if !o.advance(t, StateAnalyzing, StateSpeaking) {
		return
	}
	o.history.Append(turns...)
	o.metrics.Turns.Add(ctx, 1)
	o.persist(sessionID, turns)
	log.Info("orchestrator: answer received", "transcript", tr.Text, "timed_out", tr.TimedOut, "chars", len(res.Text))

	speakStart := o.now()
	err = o.deps.Speaker.Speak(ctx, res.Text, cfg.VoiceHint)
	o.metrics.RecordStage(ctx, observe.StageSynthesis, o.now().Sub(speakStart))
	if err != nil && ctx.Err() != nil {
		return
	}
	if !o.finish(t, StateSpeaking) {
		return
	}
	if err != nil {
		observe.FailSpan(span, observe.StageSynthesis, err)
		log.Warn("orchestrator: speech failed", "err", err)
		o.notify(NoticeSynthesisExhausted, err.Error())
	}
}

// buildRequest takes the artifact's stable copy into the request and releases
// the artifact. The request owns the media from then on; the transport may
// resend it on retry.
func buildRequest(cfg Config, tr transcribe.Transcript, art *capture.Artifact) transport.AnalysisRequest {
	req := transport.AnalysisRequest{
		Transcript:    tr.Text,
		PromptContext: cfg.PromptContext,
	}
	if tr.Empty() {
		req.Transcript = ""
		req.PromptContext = cfg.GenericPrompt
	}
	if art != nil {
		if media, ok := art.Take(); ok && len(media) > 0 {
			req.Media = media
			req.MimeType = art.MimeType
		}
		art.Release()
	}
	return req
}

// persist writes turns to the sink in the background. Stop waits for it.
func (o *Orchestrator) persist(sessionID string, turns []session.Turn) {
	if o.sink == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.sink.AppendTurns(ctx, sessionID, turns...); err != nil {
			slog.Warn("orchestrator: persist turns", "session_id", sessionID, "err", err)
		}
	}()
}

// ── Transitions ──────────────────────────────────────────────────────────────

// advance moves t from one state to the next. It fails if t is no longer
// the current turn or the state moved on without it.
func (o *Orchestrator) advance(t *turn, from, to State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn != t || o.state != from {
		return false
	}
	o.setStateLocked(to)
	return true
}

// finish ends t and returns to passive listening.
func (o *Orchestrator) finish(t *turn, from State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.turn != t || o.state != from {
		return false
	}
	o.turn = nil
	o.setStateLocked(StateListening)
	return true
}

// fail moves to Error and shuts the session down to Idle.
func (o *Orchestrator) fail(t *turn, kind NoticeKind, err error) {
	o.mu.Lock()
	if o.turn != t || o.state == StateError {
		o.mu.Unlock()
		return
	}
	o.turn = nil
	o.setStateLocked(StateError)
	o.mu.Unlock()

	o.notify(kind, err.Error())
	go o.Stop()
}

// watchTransport ends the session when the transport gives up while no
// request is waiting on it. A request in flight sees the same failure from
// Send; whichever comes first moves to Error.
func (o *Orchestrator) watchTransport(ctx context.Context, lost <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-lost:
	}
	err := o.deps.Transport.State().Err
	if err == nil {
		err = transport.ErrTransportFatal
	}

	o.mu.Lock()
	if o.cancel == nil || o.state == StateError {
		o.mu.Unlock()
		return
	}
	sessionID := o.sessionID
	o.setStateLocked(StateError)
	o.mu.Unlock()

	slog.Error("orchestrator: transport lost", "session_id", sessionID, "err", err)
	o.notify(NoticeTransportFatal, err.Error())
	go o.Stop()
}

// watchCapture reports a capture stream that ends while its window is still
// open. The turn goes on with what was buffered.
func (o *Orchestrator) watchCapture(t *turn, h *capture.Handle) {
	select {
	case <-t.ctx.Done():
		return
	case <-h.Ended():
	}
	o.mu.Lock()
	active := o.turn == t && o.state == StateRecording
	o.mu.Unlock()
	if !active {
		return
	}
	slog.Warn("orchestrator: capture stream ended early", "turn_id", t.id)
	o.notify(NoticeDeviceUnavailable, "capture ended before the voice window closed; using what was recorded")
}

// abort reports a failed Start.
func (o *Orchestrator) abort(kind NoticeKind, err error) {
	o.mu.Lock()
	o.setStateLocked(StateError)
	o.mu.Unlock()
	o.notify(kind, err.Error())
	o.mu.Lock()
	o.setStateLocked(StateIdle)
	o.mu.Unlock()
}

func (o *Orchestrator) setStateLocked(s State) {
	if o.state == s {
		return
	}
	slog.Debug("orchestrator: state", "from", o.state.String(), "to", s.String())
	o.state = s
	o.metrics.State.Record(context.Background(), int64(s))
}

func (o *Orchestrator) notify(kind NoticeKind, msg string) {
	n := Notice{Kind: kind, Message: msg, At: o.now()}
	o.mu.Lock()
	o.lastNotice = &n
	o.mu.Unlock()

	o.metrics.RecordNotice(context.Background(), string(kind))
	if n.UserError() {
		slog.Warn("orchestrator: notice", "kind", string(kind), "message", msg)
	} else {
		slog.Info("orchestrator: notice", "kind", string(kind), "message", msg)
	}
	if o.onNotice != nil {
		o.onNotice(n)
	}
}

func captureMessage(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "capture permission denied: " + err.Error()
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "capture device unavailable: " + err.Error()
	default:
		return "capture failed: " + err.Error()
	}
}
