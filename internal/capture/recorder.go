package capture

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultStopTimeout = 3 * time.Second

// ErrStopped is returned when a handle is stopped or discarded twice.
var ErrStopped = errors.New("capture: recording already stopped")

// Recorder starts recordings. The zero value is not usable; use NewRecorder.
type Recorder struct {
	stopTimeout time.Duration
	now         func() time.Time
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithStopTimeout bounds how long Stop waits for a stream to flush after
// Close. Default: 3s.
func WithStopTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

// WithClock overrides the time source used to measure durations.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{stopTimeout: defaultStopTimeout, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle is an active recording.
type Handle struct {
	stream      Stream
	started     time.Time
	now         func() time.Time
	stopTimeout time.Duration

	mu      sync.Mutex
	chunks  [][]byte
	size    int
	stopped bool
	pumped  chan struct{}
}

// Start begins buffering chunks from stream.
func (r *Recorder) Start(stream Stream) (*Handle, error) {
	if stream == nil {
		return nil, fmt.Errorf("capture: start: %w", ErrDeviceUnavailable)
	}
	h := &Handle{
		stream:      stream,
		started:     r.now(),
		now:         r.now,
		stopTimeout: r.stopTimeout,
		pumped:      make(chan struct{}),
	}
	go h.pump()
	return h, nil
}

func (h *Handle) pump() {
	defer close(h.pumped)
	for chunk := range h.stream.Chunks() {
		if len(chunk) == 0 {
			continue
		}
		h.mu.Lock()
		h.chunks = append(h.chunks, chunk)
		h.size += len(chunk)
		h.mu.Unlock()
	}
}

// Ended is closed when the underlying stream ends on its own.
func (h *Handle) Ended() <-chan struct{} { return h.stream.Ended() }

// Stop closes the stream, waits for buffered chunks to drain and returns the
// artifact with its stable copy already taken.
func (h *Handle) Stop() (*Artifact, error) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil, ErrStopped
	}
	h.stopped = true
	h.mu.Unlock()

	if err := h.stream.Close(); err != nil {
		slog.Warn("capture: close stream", "err", err)
	}
	select {
	case <-h.pumped:
	case <-time.After(h.stopTimeout):
		slog.Warn("capture: stream did not flush in time, using partial recording", "timeout", h.stopTimeout)
	}

	h.mu.Lock()
	raw := make([]byte, 0, h.size)
	for _, c := range h.chunks {
		raw = append(raw, c...)
	}
	h.chunks = nil
	h.mu.Unlock()

	if f, ok := h.stream.(Finalizer); ok {
		out, err := f.Finalize(raw)
		if err != nil {
			return nil, fmt.Errorf("capture: finalize: %w", err)
		}
		raw = out
	}

	return &Artifact{
		Raw:      raw,
		stable:   bytes.Clone(raw),
		MimeType: h.stream.MimeType(),
		Duration: h.now().Sub(h.started),
	}, nil
}

// Discard closes the stream and drops everything recorded. Safe to call after
// Stop, in which case it does nothing.
func (h *Handle) Discard() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.chunks = nil
	h.mu.Unlock()

	if err := h.stream.Close(); err != nil {
		slog.Debug("capture: close discarded stream", "err", err)
	}
}
