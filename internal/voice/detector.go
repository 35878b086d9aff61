// Package voice turns a microphone level signal into voice-activity windows.
//
// A [Detector] samples a [Meter] on a fixed interval. The first sample at or
// above the threshold opens a window (onset); a run of SilenceSamples
// consecutive quiet samples closes it (offset). Windows whose voiced span is
// shorter than MinVoiceDuration are reported as short offsets so the caller
// can discard them.
//
// The detector only emits events. It never touches capture or transcription,
// and it does not know whether the application is currently speaking.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Defaults for [Config].
const (
	DefaultInterval         = 100 * time.Millisecond
	DefaultMinVoiceDuration = time.Second
	DefaultSilenceSamples   = 15
	DefaultThreshold        = 0.02
)

// Config tunes the detector. Zero fields take the defaults above.
type Config struct {
	// Threshold is the level (0..1) at or above which a sample counts as voice.
	Threshold float64

	// Interval between samples.
	Interval time.Duration

	// MinVoiceDuration is the shortest voiced span treated as genuine speech.
	MinVoiceDuration time.Duration

	// SilenceSamples is the number of consecutive quiet samples that end a
	// window.
	SilenceSamples int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinVoiceDuration <= 0 {
		c.MinVoiceDuration = DefaultMinVoiceDuration
	}
	if c.SilenceSamples <= 0 {
		c.SilenceSamples = DefaultSilenceSamples
	}
	return c
}

// Meter reports the current input level in 0..1.
type Meter interface {
	Level() float64
}

// Window is a voice activity window. Offset is zero while the window is open.
type Window struct {
	Onset  time.Time
	Offset time.Time
}

// Open reports whether the window has not been closed yet.
func (w Window) Open() bool { return w.Offset.IsZero() }

// Duration returns the voiced span of a closed window, or zero if open.
func (w Window) Duration() time.Duration {
	if w.Open() {
		return 0
	}
	return w.Offset.Sub(w.Onset)
}

// EventKind distinguishes onset from offset.
type EventKind int

const (
	// Onset opens a window.
	Onset EventKind = iota + 1
	// Offset closes it.
	Offset
)

// String returns "onset" or "offset".
func (k EventKind) String() string {
	switch k {
	case Onset:
		return "onset"
	case Offset:
		return "offset"
	default:
		return "unknown"
	}
}

// Event is emitted by the detector. Short is only meaningful for offsets.
type Event struct {
	Kind   EventKind
	Window Window
	Short  bool
}

// ErrRunning is returned by Start when the detector is already sampling.
var ErrRunning = errors.New("voice: detector already running")

// Detector emits onset and offset events from a sampled level signal.
type Detector struct {
	meter Meter

	mu       sync.Mutex
	cfg      Config
	open     bool
	onset    time.Time
	lastLoud time.Time
	quiet    int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a detector over meter.
func New(meter Meter, cfg Config) *Detector {
	return &Detector{meter: meter, cfg: cfg.withDefaults()}
}

// Config returns the active configuration.
func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// SetConfig replaces the configuration. An open window keeps its onset and
// is judged by the new values.
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg.withDefaults()
}

// Feed advances the detector by one sample taken at the given time. It
// returns the resulting event, if any. Feed is the pure state step behind
// the sampling loop.
func (d *Detector) Feed(level float64, at time.Time) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	loud := level >= d.cfg.Threshold
	if !d.open {
		if !loud {
			return Event{}, false
		}
		d.open = true
		d.onset = at
		d.lastLoud = at
		d.quiet = 0
		return Event{Kind: Onset, Window: Window{Onset: at}}, true
	}

	if loud {
		d.lastLoud = at
		d.quiet = 0
		return Event{}, false
	}

	d.quiet++
	if d.quiet < d.cfg.SilenceSamples {
		return Event{}, false
	}

	// The voiced span ends where the closing silent run began.
	w := Window{Onset: d.onset, Offset: d.lastLoud.Add(d.cfg.Interval)}
	d.open = false
	d.quiet = 0
	return Event{Kind: Offset, Window: w, Short: w.Duration() < d.cfg.MinVoiceDuration}, true
}

// Reset drops any open window without emitting an offset.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.quiet = 0
}

// Start samples the meter every Interval and delivers events to the
// callbacks in order, from a single goroutine. Onsets always precede their
// offset. Start returns immediately.
func (d *Detector) Start(ctx context.Context, onOnset func(Window), onOffset func(Window, bool)) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.Reset()

	interval := d.Config().Interval
	go d.loop(ctx, interval, onOnset, onOffset, d.done)
	slog.Debug("voice: detector started", "interval", interval)
	return nil
}

func (d *Detector) loop(ctx context.Context, interval time.Duration, onOnset func(Window), onOffset func(Window, bool), done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if cur := d.Config().Interval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
			ev, ok := d.Feed(d.meter.Level(), now)
			if !ok {
				continue
			}
			switch ev.Kind {
			case Onset:
				if onOnset != nil {
					onOnset(ev.Window)
				}
			case Offset:
				if onOffset != nil {
					onOffset(ev.Window, ev.Short)
				}
			}
		}
	}
}

// Stop halts sampling and waits for the loop to exit. It is idempotent.
func (d *Detector) Stop() {
	d.runMu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.Reset()
	slog.Debug("voice: detector stopped")
}
