// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to script the transcript produced when Finish is
// called and to inspect which audio chunks were delivered.
//
// Example:
//
//	p := &mock.Provider{Text: "hello there"}
//	handle, _ := p.StartStream(ctx, cfg)
//	_ = handle.Finish() // emits "hello there" on Finals and closes
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new Session configured from Text, Delay and Hang.
	Session stt.SessionHandle

	// Text is the final transcript emitted by generated sessions on Finish.
	Text string

	// Delay postpones the final after Finish.
	Delay time.Duration

	// Hang makes generated sessions never deliver a result.
	Hang bool

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	// Sessions holds every Session generated by StartStream.
	Sessions []*Session
}

// StartStream records the call and returns a session or StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession(p.Text)
	s.Delay = p.Delay
	s.Hang = p.Hang
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a scripted stt.SessionHandle.
type Session struct {
	// Text is emitted as a final transcript when Finish is called. Empty
	// text closes the channels without a result.
	Text string

	// Delay postpones the final after Finish.
	Delay time.Duration

	// Hang suppresses the result and keeps the channels open until Close.
	Hang bool

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// FinishErr, if non-nil, is returned by Finish.
	FinishErr error

	// EndErr is reported by Err once the session has ended.
	EndErr error

	mu       sync.Mutex
	partials chan stt.Transcript
	finals   chan stt.Transcript
	chunks   [][]byte
	finished bool
	closed   bool
	endOnce  sync.Once
	closes   int
}

// NewSession returns a Session that emits text on Finish.
func NewSession(text string) *Session {
	return &Session{
		Text:     text,
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
	}
}

func (s *Session) init() {
	if s.finals == nil {
		s.partials = make(chan stt.Transcript, 16)
		s.finals = make(chan stt.Transcript, 16)
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.finished || s.closed {
		return stt.ErrSessionClosed
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return nil
}

// Partials returns the interim channel.
func (s *Session) Partials() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.partials
}

// Finals returns the final channel.
func (s *Session) Finals() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.finals
}

// EmitPartial pushes an interim transcript.
func (s *Session) EmitPartial(text string) {
	s.mu.Lock()
	s.init()
	ch := s.partials
	s.mu.Unlock()
	select {
	case ch <- stt.Transcript{Text: text}:
	default:
	}
}

// Finish emits the scripted final, unless Hang is set.
func (s *Session) Finish() error {
	s.mu.Lock()
	s.init()
	if s.FinishErr != nil {
		s.mu.Unlock()
		return s.FinishErr
	}
	if s.finished || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.finished = true
	text, delay, hang := s.Text, s.Delay, s.Hang
	s.mu.Unlock()

	if hang {
		return nil
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.closed && text != "" {
			s.finals <- stt.Transcript{Text: text, IsFinal: true, Confidence: 1}
		}
		s.end()
	}()
	return nil
}

func (s *Session) end() {
	s.endOnce.Do(func() {
		close(s.partials)
		close(s.finals)
	})
}

// Err returns EndErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndErr
}

// Close ends the session and closes its channels.
func (s *Session) Close() error {
	s.mu.Lock()
	s.init()
	defer s.mu.Unlock()
	s.closed = true
	s.closes++
	s.end()
	return nil
}

// Chunks returns copies of all audio received. Thread-safe.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

// Finished reports whether Finish has been called.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// CloseCount returns the number of Close calls.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

var _ stt.SessionHandle = (*Session)(nil)
