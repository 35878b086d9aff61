package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/internal/session"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeChannel struct {
	mu      sync.Mutex
	sent    []Envelope
	respond func(Envelope) []Envelope

	in     chan Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel(respond func(Envelope) []Envelope) *fakeChannel {
	return &fakeChannel{respond: respond, in: make(chan Envelope, 16), closed: make(chan struct{})}
}

func (c *fakeChannel) Send(_ context.Context, env Envelope) error {
	select {
	case <-c.closed:
		return errors.New("fake: closed")
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	respond := c.respond
	c.mu.Unlock()
	if respond != nil {
		for _, r := range respond(env) {
			c.in <- r
		}
	}
	return nil
}

func (c *fakeChannel) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return Envelope{}, errors.New("fake: abnormal close")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *fakeChannel) Ping(context.Context) error { return nil }

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the peer going away.
func (c *fakeChannel) drop() { _ = c.Close() }

func (c *fakeChannel) Sent() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.sent...)
}

// fakeDialer hands out results in order; the last one repeats.
type fakeDialer struct {
	mu      sync.Mutex
	results []func() (Channel, error)
	dials   int
}

func (d *fakeDialer) Dial(context.Context) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := min(d.dials, len(d.results)-1)
	d.dials++
	return d.results[i]()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func ok(ch Channel) func() (Channel, error) { return func() (Channel, error) { return ch, nil } }

func fail(msg string) func() (Channel, error) {
	return func() (Channel, error) { return nil, errors.New(msg) }
}

type fakeFallback struct {
	mu    sync.Mutex
	calls []AnalysisRequest
	text  string
	err   error
}

func (f *fakeFallback) Analyze(_ context.Context, req AnalysisRequest, _ []session.Turn) (AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return AnalysisResult{Text: f.text}, f.err
}

func (f *fakeFallback) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// echoResult answers every request with a result carrying text.
func echoResult(text string) func(Envelope) []Envelope {
	return func(env Envelope) []Envelope {
		if env.Type == TypeInit {
			return []Envelope{{Type: TypeReady}}
		}
		return []Envelope{{Type: TypeResult, ID: env.ID, Text: text}}
	}
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *delayRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var testCfg = Config{BaseDelay: time.Millisecond, PingInterval: -1}

// ── tests ────────────────────────────────────────────────────────────────────

func TestManager_SendOverRealtime(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(echoResult("looks fine"))
	m := NewManager(&fakeDialer{results: []func() (Channel, error){ok(ch)}}, nil, Config{
		PingInterval:  -1,
		SessionConfig: map[string]any{"voice": "calm"},
	})
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	history := []session.Turn{{Role: session.RoleUser, Text: "hi"}}
	res, err := m.Send(t.Context(), AnalysisRequest{Transcript: "what is this", Media: []byte{1, 2}, MimeType: "video/webm"}, history)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Text != "looks fine" {
		t.Errorf("result = %q", res.Text)
	}

	sent := ch.Sent()
	if len(sent) != 2 || sent[0].Type != TypeInit || sent[0].SessionConfig["voice"] != "calm" {
		t.Fatalf("sent = %+v, want init then request", sent)
	}
	if req := sent[1]; req.Type != TypeMedia || req.Payload.Transcript != "what is this" || len(req.ConversationHistory) != 1 {
		t.Errorf("request envelope = %+v", req)
	}
	if st := m.State(); st.Mode != ModeRealtime || !st.Connected {
		t.Errorf("State = %+v", st)
	}
}

func TestManager_FirstDialFailureSwitchesToFallback(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{results: []func() (Channel, error){fail("connection refused")}}
	fb := &fakeFallback{text: "from fallback"}
	var fallbacks int
	cfg := testCfg
	cfg.OnFallback = func(error) { fallbacks++ }
	m := NewManager(dialer, fb, cfg)

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	res, err := m.Send(t.Context(), AnalysisRequest{Transcript: "x"}, nil)
	if err != nil || res.Text != "from fallback" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	time.Sleep(20 * time.Millisecond)
	if dialer.Dials() != 1 {
		t.Errorf("dials = %d, want 1 (no retry loop)", dialer.Dials())
	}
	if st := m.State(); st.Mode != ModeFallback || st.Attempt != 0 {
		t.Errorf("State = %+v", st)
	}
	if fallbacks != 1 {
		t.Errorf("OnFallback calls = %d, want 1", fallbacks)
	}
}

func TestManager_AbnormalCloseBeforeFirstMessage(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(nil)
	dialer := &fakeDialer{results: []func() (Channel, error){ok(ch)}}
	fb := &fakeFallback{text: "fallback"}
	m := NewManager(dialer, fb, testCfg)
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	ch.drop()
	waitFor(t, "fallback mode", func() bool { return m.State().Mode == ModeFallback })

	if _, err := m.Send(t.Context(), AnalysisRequest{}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if dialer.Dials() != 1 || fb.Calls() != 1 {
		t.Errorf("dials = %d, fallback calls = %d", dialer.Dials(), fb.Calls())
	}
}

func TestManager_ReconnectIsBounded(t *testing.T) {
	t.Parallel()

	first := newFakeChannel(echoResult("ok"))
	dialer := &fakeDialer{results: []func() (Channel, error){ok(first), fail("still down")}}
	rec := &delayRecorder{}
	var attempts []int
	var mu sync.Mutex
	cfg := Config{
		BaseDelay:            100 * time.Millisecond,
		MaxReconnectAttempts: 5,
		PingInterval:         -1,
		OnReconnect: func(attempt int, _ time.Duration) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		},
	}
	m := NewManager(dialer, &fakeFallback{}, cfg, WithTimer(rec.after))
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	waitFor(t, "ready message", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.established
	})
	first.drop()
	waitFor(t, "fatal state", func() bool { return m.State().Err != nil })

	if !errors.Is(m.State().Err, ErrTransportFatal) {
		t.Errorf("State().Err = %v", m.State().Err)
	}
	if got := dialer.Dials(); got != 1+5 {
		t.Errorf("dials = %d, want 6", got)
	}
	delays := rec.Delays()
	if len(delays) != 5 {
		t.Fatalf("delays = %v, want 5 entries", delays)
	}
	for i, d := range delays {
		if want := time.Duration(i+1) * 100 * time.Millisecond; d != want {
			t.Errorf("delay[%d] = %v, want %v", i, d, want)
		}
		if i > 0 && d < delays[i-1] {
			t.Errorf("delay decreased at attempt %d", i+1)
		}
	}
	mu.Lock()
	if len(attempts) != 5 || attempts[4] != 5 {
		t.Errorf("OnReconnect attempts = %v", attempts)
	}
	mu.Unlock()

	if _, err := m.Send(t.Context(), AnalysisRequest{}, nil); !errors.Is(err, ErrTransportFatal) {
		t.Errorf("Send err = %v, want ErrTransportFatal", err)
	}
	if m.State().Mode != ModeRealtime {
		t.Error("a lost established connection must not switch to fallback")
	}
}

func TestManager_LostClosesWhenGivingUp(t *testing.T) {
	t.Parallel()

	first := newFakeChannel(echoResult("ok"))
	again := newFakeChannel(echoResult("again"))
	dialer := &fakeDialer{results: []func() (Channel, error){ok(first), fail("down"), fail("down"), ok(again)}}
	m := NewManager(dialer, &fakeFallback{}, Config{BaseDelay: time.Millisecond, MaxReconnectAttempts: 2, PingInterval: -1})

	if m.Lost() != nil {
		t.Error("Lost() before Connect should be nil")
	}
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })
	lost := m.Lost()
	if _, err := m.Send(t.Context(), AnalysisRequest{}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-lost:
		t.Fatal("Lost closed while connected")
	default:
	}

	first.drop()
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("Lost not closed after reconnects were exhausted")
	}
	if !errors.Is(m.State().Err, ErrTransportFatal) {
		t.Errorf("State().Err = %v", m.State().Err)
	}

	// A new session starts over.
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect after giving up: %v", err)
	}
	if m.Lost() == lost {
		t.Error("Lost channel was not renewed")
	}
	res, err := m.Send(t.Context(), AnalysisRequest{}, nil)
	if err != nil || res.Text != "again" {
		t.Errorf("Send = %+v, %v", res, err)
	}
}

func TestManager_ReconnectResumesPendingSend(t *testing.T) {
	t.Parallel()

	// The first channel accepts init but never answers requests.
	first := newFakeChannel(func(env Envelope) []Envelope {
		if env.Type == TypeInit {
			return []Envelope{{Type: TypeReady}}
		}
		return nil
	})
	second := newFakeChannel(echoResult("after reconnect"))
	dialer := &fakeDialer{results: []func() (Channel, error){ok(first), fail("blip"), ok(second)}}
	m := NewManager(dialer, nil, testCfg)
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	waitFor(t, "established", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.established
	})

	done := make(chan AnalysisResult, 1)
	go func() {
		res, err := m.Send(context.Background(), AnalysisRequest{Transcript: "q"}, nil)
		if err != nil {
			t.Errorf("Send: %v", err)
		}
		done <- res
	}()
	waitFor(t, "request on first channel", func() bool { return len(first.Sent()) == 2 })
	first.drop()

	select {
	case res := <-done:
		if res.Text != "after reconnect" {
			t.Errorf("result = %q", res.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending send never completed")
	}
	if st := m.State(); st.Attempt != 0 || !st.Connected {
		t.Errorf("State after reconnect = %+v", st)
	}
}

func TestManager_RetriesBusyBackend(t *testing.T) {
	t.Parallel()

	var calls int
	ch := newFakeChannel(func(env Envelope) []Envelope {
		if env.Type == TypeInit {
			return nil
		}
		calls++
		switch calls {
		case 1:
			return []Envelope{{Type: TypeError, ID: env.ID, Kind: KindOverloaded, RetryAfterMs: 20_000}}
		case 2:
			return []Envelope{{Type: TypeError, ID: env.ID, Kind: KindRateLimited}}
		default:
			return []Envelope{{Type: TypeResult, ID: env.ID, Text: "finally"}}
		}
	})
	rec := &delayRecorder{}
	m := NewManager(&fakeDialer{results: []func() (Channel, error){ok(ch)}}, nil, testCfg, WithTimer(rec.after))
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	res, err := m.Send(t.Context(), AnalysisRequest{}, nil)
	if err != nil || res.Text != "finally" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	delays := rec.Delays()
	if len(delays) != 2 || delays[0] != DefaultMaxRetryDelay || delays[1] != DefaultMinRetryDelay {
		t.Errorf("retry delays = %v, want [10s 5s]", delays)
	}
}

func TestManager_BusyRetriesAreBounded(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(func(env Envelope) []Envelope {
		if env.Type == TypeInit {
			return nil
		}
		return []Envelope{{Type: TypeError, ID: env.ID, Kind: KindRateLimited}}
	})
	rec := &delayRecorder{}
	cfg := testCfg
	cfg.MaxBusyRetries = 2
	m := NewManager(&fakeDialer{results: []func() (Channel, error){ok(ch)}}, nil, cfg, WithTimer(rec.after))
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	_, err := m.Send(t.Context(), AnalysisRequest{}, nil)
	var be *BackendError
	if !errors.As(err, &be) || be.Kind != KindRateLimited {
		t.Fatalf("err = %v, want rate limited BackendError", err)
	}
	if len(rec.Delays()) != 2 {
		t.Errorf("retries = %d, want 2", len(rec.Delays()))
	}
}

func TestManager_FatalBackendError(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(func(env Envelope) []Envelope {
		if env.Type == TypeInit {
			return nil
		}
		return []Envelope{{Type: TypeError, ID: env.ID, Kind: KindFatal, Message: "invalid api key"}}
	})
	m := NewManager(&fakeDialer{results: []func() (Channel, error){ok(ch)}}, nil, testCfg)
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	_, err := m.Send(t.Context(), AnalysisRequest{}, nil)
	if !errors.Is(err, ErrTransportFatal) {
		t.Fatalf("err = %v, want ErrTransportFatal", err)
	}
}

func TestManager_UnmatchedIDFallsBackToSinglePending(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel(func(env Envelope) []Envelope {
		if env.Type == TypeInit {
			return nil
		}
		return []Envelope{{Type: TypeResult, Text: "no id"}}
	})
	m := NewManager(&fakeDialer{results: []func() (Channel, error){ok(ch)}}, nil, testCfg)
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = m.Disconnect() })

	res, err := m.Send(t.Context(), AnalysisRequest{}, nil)
	if err != nil || res.Text != "no id" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
}

func TestManager_Lifecycle(t *testing.T) {
	t.Parallel()

	t.Run("send before connect", func(t *testing.T) {
		m := NewManager(nil, &fakeFallback{}, testCfg)
		if _, err := m.Send(t.Context(), AnalysisRequest{}, nil); !errors.Is(err, ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", err)
		}
	})

	t.Run("no dialer uses fallback", func(t *testing.T) {
		fb := &fakeFallback{text: "ok"}
		m := NewManager(nil, fb, testCfg)
		if err := m.Connect(t.Context()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if m.State().Mode != ModeFallback {
			t.Error("expected fallback mode")
		}
		if _, err := m.Send(t.Context(), AnalysisRequest{}, nil); err != nil || fb.Calls() != 1 {
			t.Errorf("Send err = %v, calls = %d", err, fb.Calls())
		}
	})

	t.Run("no fallback and dial failure is fatal", func(t *testing.T) {
		m := NewManager(&fakeDialer{results: []func() (Channel, error){fail("refused")}}, nil, testCfg)
		if err := m.Connect(t.Context()); !errors.Is(err, ErrTransportFatal) {
			t.Errorf("Connect err = %v, want ErrTransportFatal", err)
		}
	})

	t.Run("disconnect is idempotent and reconnectable", func(t *testing.T) {
		ch1 := newFakeChannel(echoResult("one"))
		ch2 := newFakeChannel(echoResult("two"))
		dialer := &fakeDialer{results: []func() (Channel, error){ok(ch1), ok(ch2)}}
		m := NewManager(dialer, nil, testCfg)
		if err := m.Connect(t.Context()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := m.Disconnect(); err != nil {
			t.Errorf("Disconnect: %v", err)
		}
		if err := m.Disconnect(); err != nil {
			t.Errorf("second Disconnect: %v", err)
		}
		if _, err := m.Send(t.Context(), AnalysisRequest{}, nil); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Send after Disconnect err = %v", err)
		}

		if err := m.Connect(t.Context()); err != nil {
			t.Fatalf("reconnect: %v", err)
		}
		defer m.Disconnect()
		res, err := m.Send(t.Context(), AnalysisRequest{}, nil)
		if err != nil || res.Text != "two" {
			t.Errorf("Send = %+v, %v", res, err)
		}
	})
}
