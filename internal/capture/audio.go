package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// FrameSource hands out microphone subscriptions. *audio.Hub implements it.
type FrameSource interface {
	Subscribe(buffer int) (<-chan audio.AudioFrame, func())
}

// AudioDevice records the session microphone into a WAV artifact. It reads
// through the session's frame hub, so recording never competes with the
// level meter or the transcription stream for the device.
type AudioDevice struct {
	mu  sync.Mutex
	src FrameSource
}

var _ Device = (*AudioDevice)(nil)

// NewAudioDevice returns an audio-only device. src may be set later with
// Attach, once the session microphone is open.
func NewAudioDevice(src FrameSource) *AudioDevice {
	return &AudioDevice{src: src}
}

// Attach points the device at a new frame source. Passing nil detaches it,
// after which RequestStream fails with ErrDeviceUnavailable.
func (d *AudioDevice) Attach(src FrameSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.src = src
}

// RequestStream subscribes to the microphone.
func (d *AudioDevice) RequestStream(_ context.Context, c Constraints) (Stream, error) {
	if c.Video {
		return nil, fmt.Errorf("capture: audio device cannot record video: %w", ErrDeviceUnavailable)
	}
	d.mu.Lock()
	src := d.src
	d.mu.Unlock()
	if src == nil {
		return nil, fmt.Errorf("capture: microphone not open: %w", ErrDeviceUnavailable)
	}

	frames, cancel := src.Subscribe(256)
	s := &audioStream{
		chunks: make(chan []byte, 256),
		ended:  make(chan struct{}),
		closed: make(chan struct{}),
		cancel: cancel,
	}
	go s.run(frames)
	return s, nil
}

type audioStream struct {
	chunks chan []byte
	ended  chan struct{}
	closed chan struct{}
	cancel func()
	once   sync.Once

	mu         sync.Mutex
	sampleRate int
	channels   int
}

func (s *audioStream) run(frames <-chan audio.AudioFrame) {
	defer close(s.chunks)
	for f := range frames {
		s.mu.Lock()
		if s.sampleRate == 0 {
			s.sampleRate, s.channels = f.SampleRate, f.Channels
		}
		s.mu.Unlock()
		s.chunks <- f.Data
	}
	// The hub closes subscriptions when the microphone goes away; only
	// report that as an external end if we did not close it ourselves.
	select {
	case <-s.closed:
	default:
		close(s.ended)
	}
}

func (s *audioStream) Chunks() <-chan []byte  { return s.chunks }
func (s *audioStream) Ended() <-chan struct{} { return s.ended }
func (s *audioStream) MimeType() string       { return audio.WAVMimeType }

func (s *audioStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}

// Finalize wraps the recorded PCM in a WAV container.
func (s *audioStream) Finalize(raw []byte) ([]byte, error) {
	s.mu.Lock()
	rate, ch := s.sampleRate, s.channels
	s.mu.Unlock()
	if rate == 0 {
		// Nothing arrived; emit a valid empty file at speech defaults.
		rate, ch = 16000, 1
	}
	return audio.EncodeWAV(raw, rate, ch)
}
