// Package transport carries analysis requests to the response backend.
//
// The [Manager] prefers a realtime channel (a websocket speaking JSON
// [Envelope] messages) and keeps it alive with pings and a bounded,
// linearly growing reconnect delay. When the very first realtime connection
// cannot be established the session switches to a request/response
// [Fallback] for good.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxloop/internal/session"
)

var (
	// ErrTransportFatal is returned once reconnecting has been given up, or
	// when the backend reports a fatal error.
	ErrTransportFatal = errors.New("transport: fatal")

	// ErrNotConnected is returned by Send before Connect or after Disconnect.
	ErrNotConnected = errors.New("transport: not connected")
)

// Envelope types.
const (
	TypeInit   = "init"
	TypeText   = "text"
	TypeMedia  = "media"
	TypeResult = "result"
	TypeError  = "error"
	TypeReady  = "ready"
)

// ErrorKind classifies backend errors.
type ErrorKind string

const (
	KindOverloaded  ErrorKind = "overloaded"
	KindRateLimited ErrorKind = "rate_limited"
	KindFatal       ErrorKind = "fatal"
)

// BackendError is an error reported by the response backend.
type BackendError struct {
	Kind    ErrorKind
	Message string

	// RetryAfter is the delay requested by the backend, zero if none.
	RetryAfter time.Duration
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: backend error (%s)", e.Kind)
	}
	return fmt.Sprintf("transport: backend error (%s): %s", e.Kind, e.Message)
}

// Retryable reports whether the request may be repeated after RetryAfter.
func (e *BackendError) Retryable() bool {
	return e.Kind == KindOverloaded || e.Kind == KindRateLimited
}

// Is makes fatal backend errors match [ErrTransportFatal].
func (e *BackendError) Is(target error) bool {
	return target == ErrTransportFatal && e.Kind == KindFatal
}

// AnalysisRequest is one captured turn to analyze.
type AnalysisRequest struct {
	Transcript string

	// Media is the captured artifact, nil for text-only requests.
	Media    []byte
	MimeType string

	PromptContext string
}

// AnalysisResult is the backend's answer.
type AnalysisResult struct {
	Text string
}

// Payload is the request body inside an [Envelope].
type Payload struct {
	Transcript    string `json:"transcript"`
	PromptContext string `json:"promptContext"`
	Media         []byte `json:"media,omitempty"`
	MimeType      string `json:"mimeType,omitempty"`
}

// Envelope is the JSON message exchanged with the backend, on the realtime
// channel and as the fallback request/response body.
type Envelope struct {
	Type string `json:"type"`

	// ID correlates a result or error with its request.
	ID string `json:"id,omitempty"`

	SessionConfig map[string]any `json:"sessionConfig,omitempty"`

	Payload             *Payload       `json:"payload,omitempty"`
	ConversationHistory []session.Turn `json:"conversationHistory,omitempty"`

	// Result fields.
	Text string `json:"text,omitempty"`

	// Error fields.
	Kind         ErrorKind `json:"kind,omitempty"`
	Message      string    `json:"message,omitempty"`
	RetryAfterMs int64     `json:"retryAfterMs,omitempty"`
}

// requestEnvelope builds the envelope for req.
func requestEnvelope(id string, req AnalysisRequest, history []session.Turn) Envelope {
	typ := TypeText
	if len(req.Media) > 0 {
		typ = TypeMedia
	}
	return Envelope{
		Type: typ,
		ID:   id,
		Payload: &Payload{
			Transcript:    req.Transcript,
			PromptContext: req.PromptContext,
			Media:         req.Media,
			MimeType:      req.MimeType,
		},
		ConversationHistory: history,
	}
}

// outcome converts a result or error envelope.
func outcome(env Envelope) (AnalysisResult, error) {
	switch env.Type {
	case TypeResult:
		return AnalysisResult{Text: env.Text}, nil
	case TypeError:
		return AnalysisResult{}, &BackendError{
			Kind:       env.Kind,
			Message:    env.Message,
			RetryAfter: time.Duration(env.RetryAfterMs) * time.Millisecond,
		}
	default:
		return AnalysisResult{}, fmt.Errorf("transport: unexpected envelope type %q", env.Type)
	}
}

// Channel is an open realtime connection.
type Channel interface {
	Send(ctx context.Context, env Envelope) error

	// Recv blocks for the next message. An error means the connection is
	// gone.
	Recv(ctx context.Context) (Envelope, error)

	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens realtime channels.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Fallback is the non-realtime transport: one call per request.
type Fallback interface {
	Analyze(ctx context.Context, req AnalysisRequest, history []session.Turn) (AnalysisResult, error)
}
