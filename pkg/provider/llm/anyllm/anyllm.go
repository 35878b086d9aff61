// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// The provider is text-only: attachments are replaced with a short note naming
// the media that was left out.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.New("ollama", "llama3.2")
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/voxloop/pkg/provider/llm"
)

// Provider is an [llm.Provider] on top of one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
	caps    llm.ModelCapabilities
}

var _ llm.Provider = (*Provider)(nil)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

func ctor[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := f(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var constructors = map[string]constructor{
	"openai":    ctor(anyllmoai.New),
	"anthropic": ctor(anthropic.New),
	"gemini":    ctor(gemini.New),
	"ollama":    ctor(ollama.New),
	"deepseek":  ctor(deepseek.New),
	"mistral":   ctor(mistral.New),
	"groq":      ctor(groq.New),
	"llamacpp":  ctor(llamacpp.New),
	"llamafile": ctor(llamafile.New),
}

// Backends lists the backend names accepted by [New].
func Backends() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New returns a Provider for model on backend. opts are any-llm-go options
// such as anyllmlib.WithAPIKey and anyllmlib.WithBaseURL; without a key the
// backend falls back to its usual environment variable.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	switch {
	case backend == "":
		return nil, errors.New("anyllm: backend name must not be empty")
	case model == "":
		return nil, errors.New("anyllm: model must not be empty")
	}
	newBackend, ok := constructors[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s", backend, strings.Join(Backends(), ", "))
	}
	b, err := newBackend(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backend, err)
	}
	return &Provider{backend: b, model: model, caps: modelCapabilities(model)}, nil
}

// Complete sends req as a text-only chat completion.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: response has no choices")
	}
	out := &llm.CompletionResponse{Content: strings.TrimSpace(resp.Choices[0].Message.ContentString())}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

// Capabilities never reports media support; attachments are not forwarded.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.caps }

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)+1),
	}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, convertMessage(m))
	}
	if t := req.Temperature; t != 0 {
		params.Temperature = &t
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxTokens = &n
	}
	return params
}

// convertMessage flattens m to text. Each attachment becomes a note naming
// its type and size.
func convertMessage(m llm.Message) anyllmlib.Message {
	parts := make([]string, 0, len(m.Attachments)+1)
	if m.Content != "" {
		parts = append(parts, m.Content)
	}
	for _, a := range m.Attachments {
		parts = append(parts, fmt.Sprintf("[%s attachment omitted, %d bytes]", a.MimeType, len(a.Data)))
	}
	return anyllmlib.Message{Role: m.Role, Content: strings.Join(parts, "\n")}
}

// capabilityRule applies to models whose lower-cased name matches.
type capabilityRule struct {
	match     func(model string) bool
	window    int
	maxOutput int
}

func prefix(p ...string) func(string) bool {
	return func(m string) bool {
		return slices.ContainsFunc(p, func(s string) bool { return strings.HasPrefix(m, s) })
	}
}

// First match wins; order more specific names first.
var capabilityRules = []capabilityRule{
	{match: prefix("gpt-4o"), window: 128_000, maxOutput: 16_384},
	{match: prefix("gpt-4"), window: 8_192, maxOutput: 4_096},
	{match: prefix("claude"), window: 200_000, maxOutput: 8_192},
	{match: func(m string) bool { return strings.Contains(m, "gemini-1.5-pro") }, window: 2_097_152, maxOutput: 8_192},
	{match: prefix("gemini"), window: 1_048_576, maxOutput: 8_192},
	{match: prefix("llama", "mistral", "qwen"), window: 32_768, maxOutput: 4_096},
}

func modelCapabilities(model string) llm.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, r := range capabilityRules {
		if r.match(lower) {
			return llm.ModelCapabilities{ContextWindow: r.window, MaxOutputTokens: r.maxOutput}
		}
	}
	return llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
}
