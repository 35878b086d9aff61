// Package portaudio adapts the host sound system to [audio.Source] and
// [audio.Player] through github.com/gordonklaus/portaudio.
//
// The package needs the PortAudio C library at build and run time.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxloop/pkg/audio"
)

// Config selects the device and format.
type Config struct {
	// SampleRate in Hz. Default: 16000.
	SampleRate int

	// Channels to capture. Default: 1.
	Channels int

	// FrameSize is the number of sample frames per callback. Default: 320
	// (20ms at 16kHz).
	FrameSize int

	// Device is the PortAudio device index; a negative value selects the
	// host default.
	Device int
}

func (c *Config) defaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 320
	}
}

// Input captures microphone frames. It implements [audio.Source].
type Input struct {
	cfg Config

	mu     sync.Mutex
	stream *portaudio.Stream
	out    chan audio.AudioFrame
	cancel context.CancelFunc
	done   chan struct{}
}

var _ audio.Source = (*Input)(nil)

// NewInput returns an unopened microphone source.
func NewInput(cfg Config) *Input {
	cfg.defaults()
	return &Input{cfg: cfg}
}

// Open initialises PortAudio and starts the input stream.
func (in *Input) Open(ctx context.Context) (<-chan audio.AudioFrame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream != nil {
		return nil, errors.New("portaudio: input already open")
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	params, err := inputParams(in.cfg)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	out := make(chan audio.AudioFrame, 64)
	start := time.Now()
	stream, err := portaudio.OpenStream(params, func(samples []int16) {
		frame := audio.AudioFrame{
			Data:       audio.Int16ToBytes(samples),
			SampleRate: in.cfg.SampleRate,
			Channels:   in.cfg.Channels,
			Timestamp:  time.Since(start),
		}
		select {
		case out <- frame:
		default:
		}
	})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	in.stream = stream
	in.out = out
	in.cancel = cancel
	in.done = make(chan struct{})

	go func(done chan struct{}) {
		<-ctx.Done()
		in.mu.Lock()
		in.shutdownLocked()
		in.mu.Unlock()
		close(done)
	}(in.done)

	slog.Info("portaudio: microphone open",
		"sample_rate", in.cfg.SampleRate,
		"channels", in.cfg.Channels,
		"frame_size", in.cfg.FrameSize,
	)
	return out, nil
}

// Close stops the stream and closes the frame channel. Safe to call more than
// once.
func (in *Input) Close() error {
	in.mu.Lock()
	cancel, done := in.cancel, in.done
	in.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (in *Input) shutdownLocked() {
	if in.stream == nil {
		return
	}
	if err := in.stream.Stop(); err != nil {
		slog.Warn("portaudio: stop input stream", "err", err)
	}
	_ = in.stream.Close()
	_ = portaudio.Terminate()
	close(in.out)
	in.stream = nil
	in.cancel = nil
}

func inputParams(cfg Config) (portaudio.StreamParameters, error) {
	var dev *portaudio.DeviceInfo
	if cfg.Device >= 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("portaudio: list devices: %w", err)
		}
		if cfg.Device >= len(devices) {
			return portaudio.StreamParameters{}, fmt.Errorf("portaudio: device %d out of range (%d devices)", cfg.Device, len(devices))
		}
		dev = devices[cfg.Device]
		if dev.MaxInputChannels == 0 {
			return portaudio.StreamParameters{}, fmt.Errorf("portaudio: device %q has no input channels", dev.Name)
		}
	} else {
		var err error
		dev, err = portaudio.DefaultInputDevice()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("portaudio: default input device: %w", err)
		}
	}
	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FrameSize,
	}, nil
}

// Output plays clips on the default output device. It implements
// [audio.Player]. Concurrent Play calls are serialised.
type Output struct {
	frameSize int
	mu        sync.Mutex
}

var _ audio.Player = (*Output)(nil)

// NewOutput returns a speaker player. frameSize <= 0 selects 512 frames per
// buffer.
func NewOutput(frameSize int) *Output {
	if frameSize <= 0 {
		frameSize = 512
	}
	return &Output{frameSize: frameSize}
}

// Play renders clip and blocks until it finishes. Cancelling ctx aborts the
// stream without draining buffered audio.
func (o *Output) Play(ctx context.Context, clip audio.Clip) error {
	if len(clip.PCM) == 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer portaudio.Terminate()

	samples := audio.BytesToInt16(clip.PCM)
	finished := make(chan struct{})
	var once sync.Once
	pos := 0

	stream, err := portaudio.OpenDefaultStream(0, clip.Channels, float64(clip.SampleRate), o.frameSize, func(out []int16) {
		n := copy(out, samples[pos:])
		pos += n
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
		if pos >= len(samples) {
			once.Do(func() { close(finished) })
		}
	})
	if err != nil {
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}

	select {
	case <-finished:
		// Let the device drain the last buffer.
		return stream.Stop()
	case <-ctx.Done():
		_ = stream.Abort()
		return ctx.Err()
	}
}
