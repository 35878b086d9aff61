// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs text-to-speech REST API. It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultVoice     = "21m00Tcm4TlvDq8ikWAM"
	defaultOutputFmt = "pcm_16000"
)

// defaultStyles maps style hints to the ElevenLabs style exaggeration value.
var defaultStyles = map[string]float64{
	"neutral":    0,
	"calm":       0,
	"warm":       0.3,
	"cheerful":   0.5,
	"expressive": 0.6,
	"dramatic":   0.9,
}

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format. Only pcm_* formats are
// supported (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithDefaultVoice sets the voice used when a request carries no voice ID.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) {
		p.voice = id
	}
}

// WithVoiceSettings overrides stability and similarity boost (0..1).
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) {
		p.stability = stability
		p.similarity = similarity
	}
}

// WithBaseURL overrides the API base URL. Mainly useful for tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	voice        string
	stability    float64
	similarity   float64
	baseURL      string
	httpClient   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		voice:        defaultVoice,
		stability:    0.5,
		similarity:   0.75,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if _, err := sampleRateOf(p.outputFormat); err != nil {
		return nil, err
	}
	return p, nil
}

// ---- request types ----

// speechRequest is the JSON body for POST /v1/text-to-speech/{voice_id}.
type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed"`
}

// errorResponse is the body ElevenLabs returns on failure.
type errorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize renders req as raw PCM.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}
	voice := req.VoiceID
	if voice == "" {
		voice = p.voice
	}

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	endpoint := p.baseURL + "/v1/text-to-speech/" + url.PathEscape(voice) +
		"?output_format=" + url.QueryEscape(p.outputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/pcm")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, readError(resp.Body))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(pcm) == 0 {
		return tts.Audio{}, errors.New("elevenlabs: empty audio response")
	}
	rate, _ := sampleRateOf(p.outputFormat)
	return tts.Audio{Data: pcm, MimeType: tts.MimePCM, SampleRate: rate, Channels: 1}, nil
}

// buildRequest maps a generic request onto the ElevenLabs body. Speed is
// clamped to the 0.7..1.2 range the API accepts.
func (p *Provider) buildRequest(req tts.Request) speechRequest {
	speed := min(max(req.RateOr(1), 0.7), 1.2)
	return speechRequest{
		Text:    req.Text,
		ModelID: p.model,
		VoiceSettings: voiceSettings{
			Stability:       p.stability,
			SimilarityBoost: p.similarity,
			Style:           styleValue(req.StyleHint),
			Speed:           speed,
		},
	}
}

// styleValue accepts a known style name or a numeric value in 0..1.
func styleValue(hint string) float64 {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if v, ok := defaultStyles[hint]; ok {
		return v
	}
	if v, err := strconv.ParseFloat(hint, 64); err == nil {
		return min(max(v, 0), 1)
	}
	return 0
}

func sampleRateOf(format string) (int, error) {
	rate, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q", format)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("elevenlabs: unsupported output format %q", format)
	}
	return n, nil
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 2048))
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Detail.Message != "" {
		return er.Detail.Message
	}
	return strings.TrimSpace(string(data))
}
