package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	screenMimeType   = "video/webm"
	screenChunkSize  = 32 << 10
	screenStartGrace = 300 * time.Millisecond
	screenStopWait   = 2 * time.Second
)

// ScreenConfig configures a [ScreenDevice].
type ScreenConfig struct {
	// FFmpegPath is the ffmpeg binary. Default: "ffmpeg" from PATH.
	FFmpegPath string

	// Display is the X11 display to grab. Default: ":0.0".
	Display string

	// FrameRate of the recording. Default: 10.
	FrameRate int

	// AudioInput is the PulseAudio source recorded alongside the screen when
	// audio is requested. Default: "default".
	AudioInput string

	// Args replaces the generated ffmpeg arguments entirely. The command must
	// write the container to stdout and exit when it reads "q" on stdin.
	Args []string
}

// ScreenDevice records the screen into WebM through an ffmpeg subprocess.
type ScreenDevice struct {
	cfg ScreenConfig
}

var _ Device = (*ScreenDevice)(nil)

// NewScreenDevice returns a screen recorder.
func NewScreenDevice(cfg ScreenConfig) *ScreenDevice {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Display == "" {
		cfg.Display = ":0.0"
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 10
	}
	if cfg.AudioInput == "" {
		cfg.AudioInput = "default"
	}
	return &ScreenDevice{cfg: cfg}
}

func (d *ScreenDevice) args(c Constraints) []string {
	if len(d.cfg.Args) > 0 {
		return d.cfg.Args
	}
	args := []string{"-hide_banner", "-loglevel", "error",
		"-f", "x11grab", "-framerate", strconv.Itoa(d.cfg.FrameRate), "-i", d.cfg.Display,
	}
	if c.Audio {
		args = append(args, "-f", "pulse", "-i", d.cfg.AudioInput, "-c:a", "libopus")
	}
	return append(args,
		"-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8", "-b:v", "1M",
		"-f", "webm", "pipe:1",
	)
}

// RequestStream starts ffmpeg. A missing binary maps to ErrDeviceUnavailable;
// an early exit is classified from ffmpeg's stderr.
func (d *ScreenDevice) RequestStream(ctx context.Context, c Constraints) (Stream, error) {
	path, err := exec.LookPath(d.cfg.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("capture: %s: %w", err, ErrDeviceUnavailable)
	}

	cmd := exec.Command(path, d.args(c)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: stdout pipe: %w", err)
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start ffmpeg: %v: %w", err, ErrDeviceUnavailable)
	}

	s := &screenStream{
		cmd:    cmd,
		stdin:  stdin,
		chunks: make(chan []byte, 64),
		ended:  make(chan struct{}),
		exited: make(chan struct{}),
		read:   make(chan struct{}),
		stderr: stderr,
	}
	go s.pump(stdout)
	go s.wait()

	select {
	case <-s.exited:
		return nil, classifyExit(stderr.String())
	case <-time.After(screenStartGrace):
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
	slog.Debug("capture: screen recording started", "pid", cmd.Process.Pid)
	return s, nil
}

func classifyExit(stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "not authorized") {
		return fmt.Errorf("capture: ffmpeg: %s: %w", msg, ErrPermissionDenied)
	}
	return fmt.Errorf("capture: ffmpeg exited: %s: %w", msg, ErrDeviceUnavailable)
}

type screenStream struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	chunks chan []byte
	ended  chan struct{}
	exited chan struct{}
	read   chan struct{}
	stderr *lockedBuffer

	closeOnce sync.Once
	mu        sync.Mutex
	closing   bool
}

func (s *screenStream) pump(r io.Reader) {
	defer close(s.read)
	defer close(s.chunks)
	for {
		buf := make([]byte, screenChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			s.chunks <- buf[:n]
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("capture: screen stdout", "err", err)
			}
			return
		}
	}
}

func (s *screenStream) wait() {
	// Wait closes stdout, so all reads must be done first.
	<-s.read
	err := s.cmd.Wait()
	close(s.exited)
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if !closing {
		slog.Warn("capture: screen recording ended unexpectedly", "err", err, "stderr", s.stderr.String())
		close(s.ended)
	}
}

func (s *screenStream) Chunks() <-chan []byte  { return s.chunks }
func (s *screenStream) Ended() <-chan struct{} { return s.ended }
func (s *screenStream) MimeType() string       { return screenMimeType }

// Close asks ffmpeg to finish the container and kills it if it does not exit
// in time.
func (s *screenStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		_, _ = io.WriteString(s.stdin, "q")
		_ = s.stdin.Close()
		select {
		case <-s.exited:
		case <-time.After(screenStopWait):
			slog.Warn("capture: ffmpeg did not stop, killing")
			_ = s.cmd.Process.Kill()
			<-s.exited
		}
	})
	return nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
