package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

// FrameMeter is a [Meter] fed by microphone frames. Every frame runs through
// a VAD session; Level reports the highest speech probability seen since the
// previous Level call, so short bursts between samples are not missed.
type FrameMeter struct {
	engine vad.Engine
	cfg    vad.Config

	mu   sync.Mutex
	peak float64
	last float64
	seen bool
}

var _ Meter = (*FrameMeter)(nil)

// NewFrameMeter returns a meter that uses engine with cfg for each run.
func NewFrameMeter(engine vad.Engine, cfg vad.Config) *FrameMeter {
	return &FrameMeter{engine: engine, cfg: cfg}
}

// Run consumes frames until the channel closes or ctx is done.
func (m *FrameMeter) Run(ctx context.Context, frames <-chan audio.AudioFrame) error {
	sess, err := m.engine.NewSession(m.cfg)
	if err != nil {
		return fmt.Errorf("voice: create vad session: %w", err)
	}
	defer sess.Close()

	var warned bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			pcm := f.Data
			if f.Channels == 2 {
				pcm = audio.StereoToMono(pcm)
			}
			ev, err := sess.ProcessFrame(pcm)
			if err != nil {
				if !warned {
					slog.Warn("voice: vad rejected frame", "err", err, "bytes", len(pcm))
					warned = true
				}
				continue
			}
			m.observe(ev.Probability)
		}
	}
}

func (m *FrameMeter) observe(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seen || p > m.peak {
		m.peak = p
	}
	m.last = p
	m.seen = true
}

// Level returns the peak probability since the previous call. With no new
// frames it repeats the most recent probability.
func (m *FrameMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seen {
		return m.last
	}
	l := m.peak
	m.seen = false
	m.peak = 0
	return l
}
