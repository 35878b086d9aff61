package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "openai", "coqui", "espeak"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, e := range cfg.Providers.STTFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", e.Name)
	}
	if cfg.Providers.STT.Name == "" && len(cfg.Providers.STTFallbacks) > 0 {
		errs = append(errs, errors.New("providers.stt_fallbacks requires providers.stt"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", e.Name)
	}
	if cfg.Providers.LLM.Name == "" && len(cfg.Providers.LLMFallbacks) > 0 {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	ttsSeen := make(map[string]int, len(cfg.Providers.TTS))
	for i, e := range cfg.Providers.TTS {
		prefix := fmt.Sprintf("providers.tts[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := ttsSeen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.tts[%d]", prefix, e.Name, prev))
		}
		ttsSeen[e.Name] = i
		validateProviderName("tts", e.Name)
	}
	if len(cfg.Providers.TTS) == 0 {
		errs = append(errs, errors.New("providers.tts needs at least one entry"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; every turn will use the generic prompt")
	}

	// Audio
	if cfg.Audio.SampleRate < 0 || cfg.Audio.Channels < 0 || cfg.Audio.FrameSizeMs < 0 || cfg.Audio.OutputFrameSize < 0 {
		errs = append(errs, errors.New("audio: sample_rate, channels, frame_size_ms and output_frame_size must not be negative"))
	}
	if cfg.Audio.InputDevice != nil && *cfg.Audio.InputDevice < 0 {
		errs = append(errs, fmt.Errorf("audio.input_device %d must not be negative", *cfg.Audio.InputDevice))
	}
	if cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}

	// Listen
	if cfg.Listen.Threshold < 0 || cfg.Listen.Threshold > 1 {
		errs = append(errs, fmt.Errorf("listen.threshold %.2f is out of range [0, 1]", cfg.Listen.Threshold))
	}
	if cfg.Listen.Interval < 0 || cfg.Listen.MinVoiceDuration < 0 || cfg.Listen.SilenceSamples < 0 {
		errs = append(errs, errors.New("listen: interval, min_voice_duration and silence_samples must not be negative"))
	}

	// Capture
	if cfg.Capture.Mode != "" && !cfg.Capture.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("capture.mode %q is invalid; valid values: audio, screen", cfg.Capture.Mode))
	}
	if cfg.Capture.FrameRate < 0 {
		errs = append(errs, fmt.Errorf("capture.framerate %d must not be negative", cfg.Capture.FrameRate))
	}

	// Transcription
	if cfg.Transcription.Timeout < 0 {
		errs = append(errs, errors.New("transcription.timeout must not be negative"))
	}

	// Synthesis
	errs = append(errs, validateVoices(cfg)...)

	// Connection
	c := cfg.Connection
	if c.RealtimeURL == "" {
		errs = append(errs, errors.New("connection.realtime_url is required"))
	}
	if c.FallbackURL != "" && c.FallbackLLM {
		errs = append(errs, errors.New("connection.fallback_url and connection.fallback_llm are mutually exclusive"))
	}
	if c.FallbackLLM && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("connection.fallback_llm requires providers.llm"))
	}
	if c.MaxReconnectAttempts < 0 || c.MaxBusyRetries < 0 {
		errs = append(errs, errors.New("connection: max_reconnect_attempts and max_busy_retries must not be negative"))
	}
	if c.MinRetryDelay > 0 && c.MaxRetryDelay > 0 && c.MinRetryDelay > c.MaxRetryDelay {
		errs = append(errs, fmt.Errorf("connection.min_retry_delay %s exceeds max_retry_delay %s", c.MinRetryDelay, c.MaxRetryDelay))
	}

	// Conversation
	if cfg.Conversation.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("conversation.max_turns %d must not be negative", cfg.Conversation.MaxTurns))
	}

	return errors.Join(errs...)
}

func validateVoices(cfg *Config) []error {
	var errs []error
	names := make(map[string]int, len(cfg.Synthesis.Voices))
	for i, v := range cfg.Synthesis.Voices {
		prefix := fmt.Sprintf("synthesis.voices[%d]", i)
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := names[v.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of synthesis.voices[%d]", prefix, v.Name, prev))
			}
			names[v.Name] = i
		}
		if v.Rate != 0 && (v.Rate < 0.5 || v.Rate > 2.0) {
			errs = append(errs, fmt.Errorf("%s.rate %.2f is out of range [0.5, 2.0]", prefix, v.Rate))
		}
		if v.Pitch < -10 || v.Pitch > 10 {
			errs = append(errs, fmt.Errorf("%s.pitch %.2f is out of range [-10, 10]", prefix, v.Pitch))
		}
		if v.Volume < 0 || v.Volume > 1 {
			errs = append(errs, fmt.Errorf("%s.volume %.2f is out of range [0, 1]", prefix, v.Volume))
		}
		for entry := range v.Providers {
			if !slices.ContainsFunc(cfg.Providers.TTS, func(e ProviderEntry) bool { return e.Name == entry }) {
				slog.Warn("voice references a TTS provider that is not in the chain",
					"voice", v.Name,
					"provider", entry,
				)
			}
		}
	}
	if d := cfg.Synthesis.DefaultVoice; d != "" {
		if _, ok := names[d]; !ok {
			errs = append(errs, fmt.Errorf("synthesis.default_voice %q does not name a configured voice", d))
		}
	}
	if cfg.Synthesis.AttemptTimeout < 0 {
		errs = append(errs, errors.New("synthesis.attempt_timeout must not be negative"))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
