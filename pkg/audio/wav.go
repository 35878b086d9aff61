package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/youpy/go-wav"
)

// WAVMimeType is the MIME type of artifacts produced by [EncodeWAV].
const WAVMimeType = "audio/wav"

// EncodeWAV wraps 16-bit PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 || channels > 2 {
		return nil, fmt.Errorf("audio: encode wav: invalid format %dHz/%dch", sampleRate, channels)
	}
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	numSamples := uint32(len(pcm) / (2 * channels))
	w := wav.NewWriter(&buf, numSamples, uint16(channels), uint32(sampleRate), 16)
	if _, err := w.Write(pcm[:int(numSamples)*2*channels]); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeWAV extracts the audio of a WAV file as 16-bit PCM. 16-bit integer
// files are copied as-is; other bit depths and IEEE float are rescaled.
// Truncated input is an error.
func DecodeWAV(data []byte) (clip Clip, err error) {
	// go-riff panics when a chunk header runs past the end of the data.
	defer func() {
		if p := recover(); p != nil {
			clip, err = Clip{}, fmt.Errorf("audio: decode wav: truncated input: %v", p)
		}
	}()

	r := wav.NewReader(bytes.NewReader(data))
	f, err := r.Format()
	if err != nil {
		return Clip{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	clip = Clip{SampleRate: int(f.SampleRate), Channels: int(f.NumChannels)}
	if clip.Channels < 1 || clip.Channels > 2 {
		return Clip{}, fmt.Errorf("audio: decode wav: unsupported channel count %d", clip.Channels)
	}

	if f.AudioFormat == wav.AudioFormatPCM && f.BitsPerSample == 16 {
		pcm, err := io.ReadAll(r)
		if err != nil {
			return Clip{}, fmt.Errorf("audio: decode wav: %w", err)
		}
		clip.PCM = pcm
		return clip, nil
	}

	var out []int16
	for {
		samples, err := r.ReadSamples(4096)
		for _, s := range samples {
			for ch := range clip.Channels {
				out = append(out, scaleTo16(s.Values[ch], f))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Clip{}, fmt.Errorf("audio: decode wav: %w", err)
		}
		if len(samples) == 0 {
			break
		}
	}
	clip.PCM = Int16ToBytes(out)
	return clip, nil
}

func scaleTo16(v int, f *wav.WavFormat) int16 {
	if f.AudioFormat == wav.AudioFormatIEEEFloat {
		// go-wav maps float samples onto the int32 range.
		return int16(v >> 16)
	}
	switch {
	case f.BitsPerSample == 8:
		return int16((v - 128) << 8)
	case f.BitsPerSample > 16:
		return int16(v >> (f.BitsPerSample - 16))
	default:
		return int16(v)
	}
}
