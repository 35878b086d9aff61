package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxloop/internal/session"
)

// Default connection parameters.
const (
	DefaultBaseDelay            = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultMinRetryDelay        = 5 * time.Second
	DefaultMaxRetryDelay        = 10 * time.Second
	DefaultMaxBusyRetries       = 3
	DefaultPingInterval         = 15 * time.Second
	defaultDialTimeout          = 10 * time.Second
)

// errConnLost is delivered to requests in flight when the channel drops.
var errConnLost = errors.New("transport: connection lost")

// Mode is the transport currently in use.
type Mode int

const (
	ModeRealtime Mode = iota
	ModeFallback
)

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "realtime"
}

// ConnectionState is a snapshot of the manager.
type ConnectionState struct {
	Mode      Mode
	Connected bool

	// Attempt is the current reconnect attempt, zero when connected.
	Attempt int
	Backoff time.Duration

	// Err is set once the manager has given up.
	Err error
}

// Config configures a [Manager].
type Config struct {
	// BaseDelay is multiplied by the attempt number to get the delay before
	// each reconnect. Default: 1s.
	BaseDelay time.Duration

	// MaxReconnectAttempts bounds reconnects after a lost connection.
	// Default: 5.
	MaxReconnectAttempts int

	// MinRetryDelay and MaxRetryDelay clamp the delay requested by an
	// overloaded or rate-limited backend. Defaults: 5s and 10s.
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration

	// MaxBusyRetries bounds automatic retries of one request. Default: 3.
	MaxBusyRetries int

	// PingInterval between keepalive pings. Negative disables pings.
	// Default: 15s.
	PingInterval time.Duration

	// SessionConfig is sent in the init message of every realtime channel.
	SessionConfig map[string]any

	// OnReconnect is called before each reconnect attempt. May be nil.
	OnReconnect func(attempt int, delay time.Duration)

	// OnFallback is called when the manager switches to the fallback
	// transport. May be nil.
	OnFallback func(reason error)
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.MinRetryDelay <= 0 {
		c.MinRetryDelay = DefaultMinRetryDelay
	}
	if c.MaxRetryDelay < c.MinRetryDelay {
		c.MaxRetryDelay = max(DefaultMaxRetryDelay, c.MinRetryDelay)
	}
	if c.MaxBusyRetries <= 0 {
		c.MaxBusyRetries = DefaultMaxBusyRetries
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	return c
}

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithTimer overrides how delays are waited for.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(m *Manager) { m.after = after }
}

// Manager owns the connection to the response backend for one session.
//
// All methods are safe for concurrent use.
type Manager struct {
	dialer   Dialer
	fallback Fallback
	cfg      Config
	after    func(time.Duration) <-chan time.Time
	seq      atomic.Uint64

	mu          sync.Mutex
	started     bool
	closed      bool
	mode        Mode
	cur         *conn
	established bool
	attempt     int
	backoff     time.Duration
	fatal       error
	lost        chan struct{}
	pending     map[string]chan reply
	changed     chan struct{}
	baseCtx     context.Context
	stop        context.CancelFunc
	wg          sync.WaitGroup
}

type conn struct {
	ch     Channel
	ctx    context.Context
	cancel context.CancelFunc
}

type reply struct {
	env Envelope
	err error
}

// NewManager returns a Manager. dialer may be nil, in which case every
// request goes through fallback. fallback may be nil, in which case a
// failed first connection is fatal.
func NewManager(dialer Dialer, fallback Fallback, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		dialer:   dialer,
		fallback: fallback,
		cfg:      cfg.withDefaults(),
		after:    time.After,
		changed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// must hold m.mu
func (m *Manager) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// setFatalLocked records that the manager has given up. must hold m.mu
func (m *Manager) setFatalLocked(err error) {
	if m.fatal != nil {
		return
	}
	m.fatal = err
	close(m.lost)
	m.broadcast()
}

// Connect opens the realtime channel. If the first dial fails the manager
// switches to the fallback transport and Connect succeeds. Connecting an
// already connected manager is a no-op; connecting after Disconnect or after
// the manager gave up starts over in realtime mode.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.started && !m.closed {
		if m.fatal == nil {
			m.mu.Unlock()
			return nil
		}
		m.stop()
	}
	m.started, m.closed = true, false
	m.mode, m.established, m.fatal = ModeRealtime, false, nil
	m.lost = make(chan struct{})
	m.attempt, m.backoff = 0, 0
	m.pending = make(map[string]chan reply)
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	m.mu.Unlock()

	if m.dialer == nil {
		return m.useFallback(errors.New("no realtime endpoint configured"))
	}

	c, err := m.open(ctx)
	if err != nil {
		return m.useFallback(err)
	}
	m.install(c)
	return nil
}

func (m *Manager) useFallback(reason error) error {
	if m.fallback == nil {
		m.mu.Lock()
		err := fmt.Errorf("%w: realtime unavailable and no fallback: %w", ErrTransportFatal, reason)
		m.setFatalLocked(err)
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.mode = ModeFallback
	m.broadcast()
	m.mu.Unlock()

	slog.Warn("transport: realtime connection failed, using fallback for this session", "err", reason)
	if m.cfg.OnFallback != nil {
		m.cfg.OnFallback(reason)
	}
	return nil
}

// open dials and sends the init message.
func (m *Manager) open(ctx context.Context) (*conn, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	ch, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	if err := ch.Send(ctx, Envelope{Type: TypeInit, SessionConfig: m.cfg.SessionConfig}); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("transport: init: %w", err)
	}
	m.mu.Lock()
	base := m.baseCtx
	m.mu.Unlock()
	cctx, ccancel := context.WithCancel(base)
	return &conn{ch: ch, ctx: cctx, cancel: ccancel}, nil
}

func (m *Manager) install(c *conn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.cancel()
		_ = c.ch.Close()
		return
	}
	m.cur = c
	m.attempt, m.backoff = 0, 0
	m.wg.Add(2)
	m.broadcast()
	m.mu.Unlock()

	go m.readLoop(c)
	go m.keepalive(c)
}

func (m *Manager) readLoop(c *conn) {
	defer m.wg.Done()

	var err error
	for {
		var env Envelope
		env, err = c.ch.Recv(c.ctx)
		if err != nil {
			break
		}
		m.dispatch(env)
	}
	c.cancel()
	_ = c.ch.Close()

	m.mu.Lock()
	if m.cur == c {
		m.cur = nil
	}
	for id, p := range m.pending {
		p <- reply{err: errConnLost}
		delete(m.pending, id)
	}
	closed, established := m.closed, m.established
	m.mu.Unlock()

	if closed {
		return
	}
	if !established {
		// The first channel never came up properly.
		_ = m.useFallback(fmt.Errorf("transport: closed before first message: %w", err))
		return
	}
	slog.Warn("transport: realtime connection lost", "err", err)
	m.reconnect()
}

func (m *Manager) dispatch(env Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.established = true

	switch env.Type {
	case TypeResult, TypeError:
	default:
		slog.Debug("transport: ignoring message", "type", env.Type)
		return
	}

	p, ok := m.pending[env.ID]
	if !ok && env.ID == "" && len(m.pending) == 1 {
		// Backend did not echo the id; only one request can match.
		for id, only := range m.pending {
			p, ok, env.ID = only, true, id
		}
	}
	if !ok {
		slog.Warn("transport: unmatched message", "type", env.Type, "id", env.ID, "message", env.Message)
		return
	}
	delete(m.pending, env.ID)
	p <- reply{env: env}
}

func (m *Manager) keepalive(c *conn) {
	defer m.wg.Done()
	if m.cfg.PingInterval < 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(c.ctx, m.cfg.PingInterval)
		err := c.ch.Ping(ctx)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("transport: keepalive ping failed", "err", err)
				_ = c.ch.Close()
			}
			return
		}
		m.mu.Lock()
		m.established = true
		m.mu.Unlock()
	}
}

// reconnect retries with a delay of BaseDelay × attempt and gives up after
// MaxReconnectAttempts.
func (m *Manager) reconnect() {
	m.mu.Lock()
	base := m.baseCtx
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		delay := m.cfg.BaseDelay * time.Duration(attempt)
		m.mu.Lock()
		m.attempt, m.backoff = attempt, delay
		m.mu.Unlock()

		slog.Info("transport: reconnecting", "attempt", attempt, "max_attempts", m.cfg.MaxReconnectAttempts, "delay", delay)
		if m.cfg.OnReconnect != nil {
			m.cfg.OnReconnect(attempt, delay)
		}
		select {
		case <-base.Done():
			return
		case <-m.after(delay):
		}

		c, err := m.open(base)
		if err == nil {
			slog.Info("transport: reconnected", "attempt", attempt)
			m.install(c)
			return
		}
		lastErr = err
		slog.Warn("transport: reconnect attempt failed", "attempt", attempt, "err", err)
	}

	m.mu.Lock()
	m.setFatalLocked(fmt.Errorf("%w: gave up after %d reconnect attempts: %w", ErrTransportFatal, m.cfg.MaxReconnectAttempts, lastErr))
	m.mu.Unlock()
	slog.Error("transport: giving up on realtime connection", "attempts", m.cfg.MaxReconnectAttempts, "err", lastErr)
}

// Send issues req and waits for its result. Overloaded and rate-limited
// answers are retried after the backend's delay, clamped to the configured
// bounds. Send has no timeout of its own; bound it with ctx.
func (m *Manager) Send(ctx context.Context, req AnalysisRequest, history []session.Turn) (AnalysisResult, error) {
	for retry := 0; ; retry++ {
		res, err := m.sendOnce(ctx, req, history)
		var be *BackendError
		if !errors.As(err, &be) || !be.Retryable() || retry >= m.cfg.MaxBusyRetries {
			return res, err
		}
		delay := min(max(be.RetryAfter, m.cfg.MinRetryDelay), m.cfg.MaxRetryDelay)
		slog.Warn("transport: backend busy, retrying", "kind", be.Kind, "delay", delay, "retry", retry+1)
		select {
		case <-ctx.Done():
			return AnalysisResult{}, ctx.Err()
		case <-m.after(delay):
		}
	}
}

func (m *Manager) sendOnce(ctx context.Context, req AnalysisRequest, history []session.Turn) (AnalysisResult, error) {
	for {
		m.mu.Lock()
		switch {
		case !m.started || m.closed:
			m.mu.Unlock()
			return AnalysisResult{}, ErrNotConnected
		case m.fatal != nil:
			err := m.fatal
			m.mu.Unlock()
			return AnalysisResult{}, err
		case m.mode == ModeFallback:
			m.mu.Unlock()
			return m.fallback.Analyze(ctx, req, history)
		}
		c, changed := m.cur, m.changed
		if c == nil {
			m.mu.Unlock()
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return AnalysisResult{}, ctx.Err()
			}
		}
		id := strconv.FormatUint(m.seq.Add(1), 10)
		replyCh := make(chan reply, 1)
		m.pending[id] = replyCh
		m.mu.Unlock()

		if err := c.ch.Send(ctx, requestEnvelope(id, req, history)); err != nil {
			m.forget(id)
			if ctx.Err() != nil {
				return AnalysisResult{}, ctx.Err()
			}
			// Let the read loop notice and reconnect.
			slog.Warn("transport: send failed", "err", err)
			_ = c.ch.Close()
			select {
			case <-changed:
			case <-ctx.Done():
				return AnalysisResult{}, ctx.Err()
			}
			continue
		}

		select {
		case r := <-replyCh:
			if errors.Is(r.err, errConnLost) {
				continue
			}
			if r.err != nil {
				return AnalysisResult{}, r.err
			}
			return outcome(r.env)
		case <-ctx.Done():
			m.forget(id)
			return AnalysisResult{}, ctx.Err()
		}
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Disconnect closes the transport and stops reconnecting. Safe to call more
// than once.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if !m.started || m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	c := m.cur
	m.cur = nil
	stop := m.stop
	for id, p := range m.pending {
		p <- reply{err: ErrNotConnected}
		delete(m.pending, id)
	}
	m.broadcast()
	m.mu.Unlock()

	stop()
	var err error
	if c != nil {
		err = c.ch.Close()
	}
	m.wg.Wait()
	return err
}

// Lost returns a channel that is closed when the current session's
// transport fails for good, whether or not a request was in flight. The
// cause is in [ConnectionState.Err]. It is nil before the first Connect.
func (m *Manager) Lost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// State returns a snapshot of the connection.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionState{
		Mode:      m.mode,
		Connected: m.started && !m.closed && (m.cur != nil || m.mode == ModeFallback) && m.fatal == nil,
		Attempt:   m.attempt,
		Backoff:   m.backoff,
		Err:       m.fatal,
	}
}
