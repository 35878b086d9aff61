// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider opens a streaming session per voice window. The session accepts
// raw PCM and emits interim transcripts on Partials and committed ones on
// Finals. Finish marks the end of input: the provider flushes what it has,
// delivers the remaining finals and closes both channels. Close aborts the
// session without waiting for results.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after Finish or Close.
var ErrSessionClosed = errors.New("stt: session closed")

// Transcript is a recognition result.
type Transcript struct {
	Text string

	// IsFinal is true for committed results.
	IsFinal bool

	// Confidence in 0..1; zero when the provider does not report one.
	Confidence float64

	// Duration of the recognised audio, when known.
	Duration time.Duration
}

// StreamConfig describes the audio and recognition hints for a session.
type StreamConfig struct {
	// SampleRate of the PCM passed to SendAudio, in Hz.
	SampleRate int

	// Channels of the PCM passed to SendAudio.
	Channels int

	// Language is a BCP-47 tag. Empty lets the provider choose.
	Language string

	// Keywords are vocabulary hints (product names, jargon).
	Keywords []string
}

// SessionHandle is an open recognition session.
type SessionHandle interface {
	// SendAudio queues a chunk of little-endian int16 PCM.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Finish signals the end of audio. Results still arrive on Finals.
	Finish() error

	// Err returns the error that ended the session, if any. It is only
	// meaningful after Finals has been closed.
	Err() error

	// Close aborts the session. Safe to call more than once.
	Close() error
}

// Provider opens recognition sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
