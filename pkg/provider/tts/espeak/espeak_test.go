package espeak

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

func TestArgs(t *testing.T) {
	p := &Provider{binary: "espeak-ng", voice: "en-gb"}

	tests := []struct {
		name string
		req  tts.Request
		want []string
	}{
		{
			name: "defaults",
			req:  tts.Request{Text: "hello"},
			want: []string{"--stdout", "-v", "en-gb", "-s", "175", "-p", "50", "--", "hello"},
		},
		{
			name: "voice rate pitch",
			req:  tts.Request{Text: "-n leading dash", VoiceID: "de", Rate: 2, Pitch: 1.5},
			want: []string{"--stdout", "-v", "de", "-s", "350", "-p", "75", "--", "-n leading dash"},
		},
		{
			name: "pitch clamped",
			req:  tts.Request{Text: "x", Pitch: 3},
			want: []string{"--stdout", "-v", "en-gb", "-s", "175", "-p", "99", "--", "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.args(tt.req); !slices.Equal(got, tt.want) {
				t.Errorf("args = %v, want %v", got, tt.want)
			}
		})
	}
}

// fakeEspeak writes a script that records its arguments and prints a WAV.
func fakeEspeak(t *testing.T, exitCode int) (bin, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	dir := t.TempDir()
	wav, err := audio.EncodeWAV(make([]byte, 320), 22050, 1)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	wavFile := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(wavFile, wav, 0o644); err != nil {
		t.Fatal(err)
	}
	argsFile = filepath.Join(dir, "args")
	script := "#!/bin/sh\n" +
		"echo \"$@\" > " + argsFile + "\n"
	if exitCode != 0 {
		script += "echo 'voice not found' >&2\nexit 1\n"
	} else {
		script += "cat " + wavFile + "\n"
	}
	bin = filepath.Join(dir, "espeak-ng")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin, argsFile
}

func TestSynthesize_RunsBinary(t *testing.T) {
	bin, argsFile := fakeEspeak(t, 0)
	p, err := New(WithBinary(bin))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := p.Synthesize(context.Background(), tts.Request{Text: "local fallback"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.MimeType != tts.MimeWAV {
		t.Errorf("MimeType = %q", out.MimeType)
	}
	clip, err := audio.DecodeWAV(out.Data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if clip.SampleRate != 22050 {
		t.Errorf("SampleRate = %d", clip.SampleRate)
	}
	args, _ := os.ReadFile(argsFile)
	if !strings.Contains(string(args), "-v en-us") || !strings.Contains(string(args), "local fallback") {
		t.Errorf("args = %q", args)
	}
}

func TestSynthesize_FailureIncludesStderr(t *testing.T) {
	bin, _ := fakeEspeak(t, 1)
	p, _ := New(WithBinary(bin))

	_, err := p.Synthesize(context.Background(), tts.Request{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "voice not found") {
		t.Errorf("err = %v, want stderr in message", err)
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p := &Provider{binary: "/nonexistent", voice: "en"}
	if _, err := p.Synthesize(context.Background(), tts.Request{}); err != tts.ErrEmptyText {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}
