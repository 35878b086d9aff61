package audio

import "time"

// AudioFrame is one block of 16-bit little-endian PCM as delivered by a
// [Source]. Frames are the unit the microphone hub fans out to the level
// meter, the capture recorder and the transcription stream.
type AudioFrame struct {
	// Data holds interleaved int16 samples.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for speech input).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture offset relative to the start of the source.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// Clip is a finished block of PCM ready for playback.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	return PCMDuration(len(c.PCM), c.SampleRate, c.Channels)
}

// PCMDuration returns how long n bytes of int16 PCM last at the given format.
// It returns zero for an invalid format.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
