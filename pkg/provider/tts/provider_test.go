package tts_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

func TestAudio_Decode(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16ToBytes([]int16{100, -100, 200, -200})
	wav, err := audio.EncodeWAV(pcm, 22050, 1)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	tests := []struct {
		name     string
		in       tts.Audio
		wantErr  bool
		wantRate int
		wantCh   int
	}{
		{name: "wav", in: tts.Audio{Data: wav, MimeType: tts.MimeWAV}, wantRate: 22050, wantCh: 1},
		{name: "pcm defaults", in: tts.Audio{Data: pcm, MimeType: tts.MimePCM}, wantRate: 16000, wantCh: 1},
		{name: "pcm stereo", in: tts.Audio{Data: pcm, MimeType: tts.MimePCM, SampleRate: 48000, Channels: 2}, wantRate: 48000, wantCh: 2},
		{name: "empty", in: tts.Audio{MimeType: tts.MimeWAV}, wantErr: true},
		{name: "not riff", in: tts.Audio{Data: []byte("garbage"), MimeType: tts.MimeWAV}, wantErr: true},
		{name: "truncated wav", in: tts.Audio{Data: wav[:20], MimeType: tts.MimeWAV}, wantErr: true},
		{name: "partial frame", in: tts.Audio{Data: pcm[:6], MimeType: tts.MimePCM, Channels: 2}, wantErr: true},
		{name: "mp3", in: tts.Audio{Data: []byte{0xff, 0xfb}, MimeType: "audio/mpeg"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clip, err := tc.in.Decode()
			if tc.wantErr {
				if !errors.Is(err, tts.ErrBadAudio) {
					t.Fatalf("err = %v, want ErrBadAudio", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if clip.SampleRate != tc.wantRate || clip.Channels != tc.wantCh || len(clip.PCM) == 0 {
				t.Errorf("clip = %dHz/%dch/%d bytes", clip.SampleRate, clip.Channels, len(clip.PCM))
			}
		})
	}
}
