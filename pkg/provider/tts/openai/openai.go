// Package openai provides a TTS provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

const (
	defaultModel = string(oai.SpeechModelGPT4oMiniTTS)
	defaultVoice = "alloy"
)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	voice   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel selects the speech model (e.g. "tts-1", "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithDefaultVoice sets the voice used when a request carries none.
func WithDefaultVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

var _ tts.Provider = (*Provider)(nil)

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(cfg)
	}

	// The fallback chain decides what happens after a failure.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		voice:  cfg.voice,
	}, nil
}

// Synthesize renders req as a WAV file. StyleHint is passed as speaking
// instructions, which only the gpt-4o family honours.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}

	resp, err := p.client.Audio.Speech.New(ctx, p.buildParams(req))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai tts: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(data) == 0 {
		return tts.Audio{}, errors.New("openai tts: empty audio response")
	}
	return tts.Audio{Data: data, MimeType: tts.MimeWAV}, nil
}

func (p *Provider) buildParams(req tts.Request) oai.AudioSpeechNewParams {
	voice := req.VoiceID
	if voice == "" {
		voice = p.voice
	}
	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if req.Rate > 0 {
		params.Speed = oai.Float(min(max(req.Rate, 0.25), 4))
	}
	if hint := strings.TrimSpace(req.StyleHint); hint != "" && strings.HasPrefix(p.model, "gpt-") {
		params.Instructions = oai.String("Speak in a " + hint + " tone.")
	}
	return params
}
