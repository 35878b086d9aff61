package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	got := audio.BytesToInt16(audio.MonoToStereo(audio.Int16ToBytes([]int16{100, 200, 300})))
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{name: "average", in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "no overflow at max", in: []int16{32767, 32767}, want: []int16{32767}},
		{name: "no overflow at min", in: []int16{-32768, -32768}, want: []int16{-32768}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.BytesToInt16(audio.StereoToMono(audio.Int16ToBytes(tc.in)))
			if len(got) != len(tc.want) {
				t.Fatalf("length mismatch: got %d, want %d", len(got), len(tc.want))
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestResampleMono16(t *testing.T) {
	pcm := audio.Int16ToBytes(make([]int16, 480))

	if out := audio.ResampleMono16(pcm, 48000, 48000); len(out) != len(pcm) {
		t.Errorf("same rate: got %d bytes, want %d", len(out), len(pcm))
	}
	if out := audio.ResampleMono16(pcm, 48000, 16000); len(out) != 160*2 {
		t.Errorf("downsample: got %d bytes, want %d", len(out), 160*2)
	}
	if out := audio.ResampleMono16(pcm, 16000, 48000); len(out) != 1440*2 {
		t.Errorf("upsample: got %d bytes, want %d", len(out), 1440*2)
	}
	if out := audio.ResampleMono16(pcm, 0, 16000); len(out) != len(pcm) {
		t.Errorf("invalid rate should return input unchanged")
	}
}

func TestToMono16(t *testing.T) {
	stereo := audio.Int16ToBytes(make([]int16, 960)) // 480 stereo frames @48k
	out := audio.ToMono16(stereo, 48000, 2, 16000)
	if len(out) != 160*2 {
		t.Errorf("got %d bytes, want %d", len(out), 160*2)
	}
}

func TestRMSAndLevel(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}

	square := audio.Int16ToBytes([]int16{1000, -1000, 1000, -1000})
	if got := audio.RMS(square); math.Abs(got-1000) > 0.001 {
		t.Errorf("RMS(square) = %f, want 1000", got)
	}

	full := audio.Int16ToBytes([]int16{-32768, -32768})
	if got := audio.Level(full); got != 1 {
		t.Errorf("Level(full scale) = %f, want 1", got)
	}
	if got := audio.Level(square); math.Abs(got-1000.0/32768) > 1e-9 {
		t.Errorf("Level(square) = %f, want %f", got, 1000.0/32768)
	}
}

func TestPCMDuration(t *testing.T) {
	tests := []struct {
		n, rate, ch int
		want        time.Duration
	}{
		{n: 32000, rate: 16000, ch: 1, want: time.Second},
		{n: 3840, rate: 48000, ch: 2, want: 20 * time.Millisecond},
		{n: 100, rate: 0, ch: 1, want: 0},
	}
	for _, tc := range tests {
		if got := audio.PCMDuration(tc.n, tc.rate, tc.ch); got != tc.want {
			t.Errorf("PCMDuration(%d, %d, %d) = %v, want %v", tc.n, tc.rate, tc.ch, got, tc.want)
		}
	}
}
