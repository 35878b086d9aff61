package energy_test

import (
	"testing"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
	"github.com/MrWong99/voxloop/pkg/provider/vad/energy"
)

func frame(amplitude int16, samples int) []byte {
	s := make([]int16, samples)
	for i := range s {
		if i%2 == 0 {
			s[i] = amplitude
		} else {
			s[i] = -amplitude
		}
	}
	return audio.Int16ToBytes(s)
}

func newSession(t *testing.T, opts ...energy.Option) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New(opts...).NewSession(vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      20,
		SpeechThreshold:  0.1,
		SilenceThreshold: 0.05,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestSession_SpeechLifecycle(t *testing.T) {
	t.Parallel()

	sess := newSession(t, energy.WithHangover(2))
	loud := frame(8000, 320)
	quiet := frame(100, 320)

	want := []struct {
		in   []byte
		want vad.EventType
	}{
		{quiet, vad.EventSilence},
		{loud, vad.EventSpeechStart},
		{loud, vad.EventSpeechContinue},
		{quiet, vad.EventSpeechContinue},
		{quiet, vad.EventSpeechEnd},
		{quiet, vad.EventSilence},
	}
	for i, step := range want {
		ev, err := sess.ProcessFrame(step.in)
		if err != nil {
			t.Fatalf("step %d: ProcessFrame: %v", i, err)
		}
		if ev.Type != step.want {
			t.Errorf("step %d: got %v, want %v", i, ev.Type, step.want)
		}
	}
}

func TestSession_ProbabilityIsLevel(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	ev, err := sess.ProcessFrame(frame(16384, 320))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Probability < 0.49 || ev.Probability > 0.51 {
		t.Errorf("Probability = %f, want ~0.5", ev.Probability)
	}
}

func TestSession_GainClamps(t *testing.T) {
	t.Parallel()

	sess := newSession(t, energy.WithGain(100))
	ev, err := sess.ProcessFrame(frame(16384, 320))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Probability != 1 {
		t.Errorf("Probability = %f, want 1", ev.Probability)
	}
}

func TestSession_FrameSizeChecked(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	if _, err := sess.ProcessFrame(frame(1, 100)); err == nil {
		t.Error("expected error for wrong frame size")
	}
	if _, err := sess.ProcessFrame([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for odd frame length")
	}
}

func TestSession_ClosedErrors(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	_ = sess.Close()
	if _, err := sess.ProcessFrame(frame(1, 320)); err == nil {
		t.Error("expected error after Close")
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestEngine_InvalidConfig(t *testing.T) {
	t.Parallel()

	e := energy.New()
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero rate", vad.Config{SpeechThreshold: 0.5}},
		{"threshold too high", vad.Config{SampleRate: 16000, SpeechThreshold: 1.5}},
		{"silence above speech", vad.Config{SampleRate: 16000, SpeechThreshold: 0.2, SilenceThreshold: 0.3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.NewSession(tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
