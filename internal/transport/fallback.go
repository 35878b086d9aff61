package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voxloop/internal/session"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
)

// ── HTTP fallback ────────────────────────────────────────────────────────────

// HTTPOption is a functional option for [NewHTTPFallback].
type HTTPOption func(*HTTPFallback)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(f *HTTPFallback) { f.apiKey = key }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFallback) { f.client = c }
}

// WithSessionConfig attaches cfg to every request envelope.
func WithSessionConfig(cfg map[string]any) HTTPOption {
	return func(f *HTTPFallback) { f.sessionConfig = cfg }
}

// HTTPFallback posts one [Envelope] per request and expects a result or
// error envelope back.
type HTTPFallback struct {
	url           string
	apiKey        string
	client        *http.Client
	sessionConfig map[string]any
}

var _ Fallback = (*HTTPFallback)(nil)

// NewHTTPFallback returns a fallback posting to url.
func NewHTTPFallback(url string, opts ...HTTPOption) *HTTPFallback {
	f := &HTTPFallback{url: url, client: &http.Client{Timeout: 2 * time.Minute}}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Analyze implements [Fallback].
func (f *HTTPFallback) Analyze(ctx context.Context, req AnalysisRequest, history []session.Turn) (AnalysisResult, error) {
	env := requestEnvelope("", req, history)
	env.SessionConfig = f.sessionConfig
	body, err := json.Marshal(env)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("transport: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("transport: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("transport: fallback request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, defaultReadLimit))
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("transport: read response: %w", err)
	}

	var out Envelope
	decodeErr := json.Unmarshal(data, &out)
	if resp.StatusCode >= 300 {
		be := &BackendError{Message: strings.TrimSpace(string(data))}
		if decodeErr == nil && out.Type == TypeError {
			be.Kind, be.Message = out.Kind, out.Message
			be.RetryAfter = time.Duration(out.RetryAfterMs) * time.Millisecond
		}
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			be.Kind = KindRateLimited
		case http.StatusServiceUnavailable, 529:
			be.Kind = KindOverloaded
		case http.StatusUnauthorized, http.StatusForbidden:
			be.Kind = KindFatal
		}
		if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
			be.RetryAfter = d
		}
		if be.Kind == "" {
			return AnalysisResult{}, fmt.Errorf("transport: fallback status %d: %s", resp.StatusCode, be.Message)
		}
		return AnalysisResult{}, be
	}
	if decodeErr != nil {
		return AnalysisResult{}, fmt.Errorf("transport: decode response: %w", decodeErr)
	}
	return outcome(out)
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// ── LLM fallback ─────────────────────────────────────────────────────────────

// LLMOption is a functional option for [NewLLMFallback].
type LLMOption func(*LLMFallback)

// WithSystemPrompt sets the system prompt of every completion.
func WithSystemPrompt(p string) LLMOption {
	return func(f *LLMFallback) { f.systemPrompt = p }
}

// WithCompletionLimits sets temperature and maximum output tokens.
func WithCompletionLimits(temperature float64, maxTokens int) LLMOption {
	return func(f *LLMFallback) { f.temperature, f.maxTokens = temperature, maxTokens }
}

// LLMFallback answers requests with a direct chat completion. The captured
// artifact is attached when the model accepts that media type.
type LLMFallback struct {
	provider     llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
}

var _ Fallback = (*LLMFallback)(nil)

// NewLLMFallback returns a fallback backed by provider.
func NewLLMFallback(provider llm.Provider, opts ...LLMOption) *LLMFallback {
	f := &LLMFallback{provider: provider}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Analyze implements [Fallback].
func (f *LLMFallback) Analyze(ctx context.Context, req AnalysisRequest, history []session.Turn) (AnalysisResult, error) {
	msgs := session.Messages(history)

	var parts []string
	if req.PromptContext != "" {
		parts = append(parts, req.PromptContext)
	}
	if req.Transcript != "" {
		parts = append(parts, "User said: "+req.Transcript)
	}
	user := llm.Message{Role: llm.RoleUser, Content: strings.Join(parts, "\n\n")}

	if len(req.Media) > 0 {
		att := llm.Attachment{MimeType: req.MimeType, Data: req.Media}
		caps := f.provider.Capabilities()
		if (att.IsImage() && caps.SupportsVision) || (att.IsAudio() && caps.SupportsAudio) {
			user.Attachments = []llm.Attachment{att}
		} else {
			slog.Debug("transport: model cannot take the captured media, sending text only", "mime", req.MimeType)
		}
	}
	msgs = append(msgs, user)

	resp, err := f.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: f.systemPrompt,
		Temperature:  f.temperature,
		MaxTokens:    f.maxTokens,
	})
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("transport: llm fallback: %w", err)
	}
	return AnalysisResult{Text: resp.Content}, nil
}
