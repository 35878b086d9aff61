// Package capture records a media stream for the duration of one voice
// window and finalizes it into an immutable [Artifact].
//
// A [Device] hands out [Stream]s; the [Recorder] buffers a stream's chunks
// between Start and Stop. On Stop the chunks are concatenated into the raw
// artifact and a second, independent copy (the stable copy) is taken before
// Stop returns. Downstream code only ever reads the stable copy, so nothing
// races the device while it finalizes or reclaims its own buffers.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDeviceUnavailable means the capture hardware or program is missing
	// or failed to start.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrPermissionDenied means access to the device was refused.
	ErrPermissionDenied = errors.New("capture: permission denied")
)

// Constraints selects what a stream should contain.
type Constraints struct {
	Audio bool
	Video bool
}

// Device produces capture streams.
type Device interface {
	// RequestStream opens a new stream. It fails with an error wrapping
	// ErrDeviceUnavailable or ErrPermissionDenied when access is impossible.
	RequestStream(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open capture stream.
type Stream interface {
	// Chunks delivers encoded media. It is closed after Close, or when the
	// stream ends on its own.
	Chunks() <-chan []byte

	// Ended is closed when the stream stops without Close being called,
	// e.g. because access was revoked externally.
	Ended() <-chan struct{}

	// MimeType of the concatenated chunks.
	MimeType() string

	// Close asks the producer to flush and stop. Safe to call more than once.
	Close() error
}

// Finalizer is implemented by streams whose concatenated chunks need a
// container applied before they form a valid file (e.g. raw PCM to WAV).
type Finalizer interface {
	Finalize(raw []byte) ([]byte, error)
}

// Artifact is the finished capture of one voice window.
type Artifact struct {
	// Raw is the concatenated (and finalized) output of the stream.
	Raw []byte

	// MimeType of Raw and the stable copy.
	MimeType string

	// Duration is the wall time between Start and Stop.
	Duration time.Duration

	mu       sync.Mutex
	stable   []byte
	taken    bool
	released bool
}

// Take returns the stable copy. It succeeds at most once; later calls and
// calls after Release report false. An artifact is therefore analyzed at most
// once.
func (a *Artifact) Take() ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.taken || a.released {
		return nil, false
	}
	a.taken = true
	return a.stable, true
}

// Size returns the length of the stable copy, or zero once released.
func (a *Artifact) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.stable)
}

// Release drops the artifact's buffers. Safe to call more than once.
func (a *Artifact) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
	a.stable = nil
	a.Raw = nil
}

// Released reports whether Release has been called.
func (a *Artifact) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}
