// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Player] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose exported fields that control return values.
//
// Typical usage:
//
//	src := mock.NewSource(16)
//	frames, _ := src.Open(ctx)
//	src.Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source]. Frames handed to Push are delivered on the
// channel returned by Open.
type Source struct {
	mu     sync.Mutex
	ch     chan audio.AudioFrame
	buffer int
	open   bool

	// OpenErr, if set, is returned by Open.
	OpenErr error

	// OpenCalls and CloseCalls count invocations.
	OpenCalls  int
	CloseCalls int
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a Source whose channel has the given buffer.
func NewSource(buffer int) *Source {
	return &Source{buffer: buffer}
}

// Open returns the frame channel, or OpenErr.
func (s *Source) Open(_ context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.open {
		return nil, errors.New("mock: source already open")
	}
	s.ch = make(chan audio.AudioFrame, s.buffer)
	s.open = true
	return s.ch, nil
}

// Push delivers a frame. It reports false if the source is not open or the
// buffer is full.
func (s *Source) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	select {
	case s.ch <- f:
		return true
	default:
		return false
	}
}

// Close closes the frame channel. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if s.open {
		close(s.ch)
		s.open = false
	}
	return nil
}

// ─── Player ──────────────────────────────────────────────────────────────────

// Player is a mock [audio.Player].
type Player struct {
	mu sync.Mutex

	// PlayDuration simulates playback time. Zero returns immediately.
	PlayDuration time.Duration

	// Block makes Play wait until its context is cancelled.
	Block bool

	// PlayErr, if set, is returned by Play after recording the call.
	PlayErr error

	// Clips records every clip passed to Play.
	Clips []audio.Clip

	// Cancelled counts Play calls that ended because ctx was cancelled.
	Cancelled int

	started chan struct{}
}

var _ audio.Player = (*Player)(nil)

// Started returns a channel that receives a value each time Play begins.
// It must be called before the first Play to observe it.
func (p *Player) Started() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started == nil {
		p.started = make(chan struct{}, 16)
	}
	return p.started
}

// Play records the clip and simulates playback.
func (p *Player) Play(ctx context.Context, clip audio.Clip) error {
	p.mu.Lock()
	p.Clips = append(p.Clips, clip)
	d, block, err, started := p.PlayDuration, p.Block, p.PlayErr, p.started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if err != nil {
		return err
	}

	var wait <-chan time.Time
	if !block {
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		wait = timer.C
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.Cancelled++
		p.mu.Unlock()
		return ctx.Err()
	}
}

// PlayCount returns the number of Play calls.
func (p *Player) PlayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Clips)
}

// CancelCount returns the number of cancelled plays.
func (p *Player) CancelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cancelled
}
