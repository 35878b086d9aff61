// Package openai provides an LLM provider backed by the OpenAI API.
//
// User messages may carry image and audio attachments. They are sent as
// image_url (data URL) and input_audio content parts when the model supports
// them and dropped otherwise.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voxloop/pkg/provider/llm"
)

// Provider is an [llm.Provider] on the OpenAI chat completions API.
type Provider struct {
	client oai.Client
	model  string
	caps   llm.ModelCapabilities
}

var _ llm.Provider = (*Provider)(nil)

// Option adds a request option to the underlying client.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option { return with(option.WithBaseURL(url)) }

// WithOrganization sets the organization header.
func WithOrganization(org string) Option { return with(option.WithOrganization(org)) }

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return with(option.WithHTTPClient(&http.Client{Timeout: d}))
}

// WithMaxRetries overrides the SDK retry count. The default is one retry.
func WithMaxRetries(n int) Option { return with(option.WithMaxRetries(n)) }

func with(o option.RequestOption) Option {
	return func(opts *[]option.RequestOption) { *opts = append(*opts, o) }
}

// New returns a Provider for model. Later options override earlier ones.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: apiKey must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		caps:   modelCapabilities(model),
	}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return p.caps
}

type capabilityRule struct {
	prefixes []string
	caps     llm.ModelCapabilities
}

// First matching rule wins; audio variants are checked before their base
// model.
var capabilityRules = []capabilityRule{
	{[]string{"o1-mini", "o3-mini"}, llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536}},
	{[]string{"o1", "o3", "o4"}, llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsVision: true}},
	{[]string{"gpt-4.1"}, llm.ModelCapabilities{ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsVision: true}},
	{[]string{"gpt-4o"}, llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsVision: true}},
	{[]string{"gpt-4-turbo"}, llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsVision: true}},
	{[]string{"gpt-4"}, llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096}},
	{[]string{"gpt-3.5-turbo"}, llm.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}},
}

func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "-audio") {
		return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsAudio: true}
	}
	for _, r := range capabilityRules {
		for _, p := range r.prefixes {
			if strings.HasPrefix(lower, p) {
				return r.caps
			}
		}
	}
	return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
}

// buildParams converts a CompletionRequest into OpenAI SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		msg, err := p.convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// convertMessage converts an llm.Message to an OpenAI SDK message param.
func (p *Provider) convertMessage(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case llm.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case llm.RoleUser:
		if len(m.Attachments) == 0 {
			return oai.UserMessage(m.Content), nil
		}
		return oai.UserMessage(p.contentParts(m)), nil

	case llm.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// contentParts renders a user message with attachments as a multi-part body.
func (p *Provider) contentParts(m llm.Message) []oai.ChatCompletionContentPartUnionParam {
	var parts []oai.ChatCompletionContentPartUnionParam
	if m.Content != "" {
		parts = append(parts, oai.TextContentPart(m.Content))
	}
	for _, a := range m.Attachments {
		encoded := base64.StdEncoding.EncodeToString(a.Data)
		switch {
		case a.IsImage() && p.caps.SupportsVision:
			parts = append(parts, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:" + a.MimeType + ";base64," + encoded,
			}))
		case a.IsAudio() && p.caps.SupportsAudio:
			parts = append(parts, oai.InputAudioContentPart(oai.ChatCompletionContentPartInputAudioInputAudioParam{
				Data:   encoded,
				Format: audioFormat(a.MimeType),
			}))
		default:
			slog.Debug("openai: dropping unsupported attachment", "model", p.model, "mime_type", a.MimeType)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, oai.TextContentPart(m.Content))
	}
	return parts
}

func audioFormat(mimeType string) string {
	if strings.Contains(mimeType, "mpeg") || strings.Contains(mimeType, "mp3") {
		return "mp3"
	}
	return "wav"
}
