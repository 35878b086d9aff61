// Package audio holds the PCM plumbing shared by the voice loop: frame and
// clip types, the microphone [Source] and speaker [Player] abstractions, a
// fan-out [Hub], WAV encoding and simple format conversion.
//
// Hardware adapters live in sub-packages (audio/portaudio); test doubles in
// audio/mock.
package audio

import "context"

// Source produces microphone frames.
//
// Open starts capture and returns a channel that is closed when the source
// stops, either because Close was called, ctx was cancelled or the device
// went away. A Source may be opened at most once at a time.
type Source interface {
	Open(ctx context.Context) (<-chan AudioFrame, error)
	Close() error
}

// Player renders PCM to a speaker.
//
// Play blocks until the clip has been fully rendered or ctx is cancelled.
// Cancelling ctx must stop output immediately; implementations return
// ctx.Err() in that case.
type Player interface {
	Play(ctx context.Context, clip Clip) error
}
