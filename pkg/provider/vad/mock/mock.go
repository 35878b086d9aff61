// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted sequence of events; once the script is exhausted
// it keeps returning the last event. Engine hands out the configured Session.
//
// Example:
//
//	sess := &mock.Session{Events: []vad.Event{{Type: vad.EventSpeechStart, Probability: 0.9}}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new empty Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// Configs records the Config of every NewSession call.
	Configs []vad.Config
}

// NewSession records cfg and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu  sync.Mutex
	pos int

	// Events is replayed one per ProcessFrame call.
	Events []vad.Event

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// Frames counts ProcessFrame calls.
	Frames int

	// Resets and Closes count the respective calls.
	Resets int
	Closes int
}

// ProcessFrame returns the next scripted event.
func (s *Session) ProcessFrame(_ []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	if len(s.Events) == 0 {
		return vad.Event{}, nil
	}
	ev := s.Events[min(s.pos, len(s.Events)-1)]
	s.pos++
	return ev, nil
}

// Reset rewinds the script.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
	s.Resets++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	return nil
}

// FrameCount returns the number of processed frames.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Frames
}

var _ vad.SessionHandle = (*Session)(nil)
