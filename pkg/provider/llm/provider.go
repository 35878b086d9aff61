// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic,
// or a local Ollama instance) and exposes a uniform completion call. The
// transport package uses it as the direct fallback when the realtime analysis
// backend is unreachable.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"strings"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attachment is binary media attached to a user message.
type Attachment struct {
	// MimeType is e.g. "image/png", "audio/wav" or "video/webm".
	MimeType string

	// Data is the raw media.
	Data []byte
}

// IsImage reports whether the attachment is an image.
func (a Attachment) IsImage() bool { return strings.HasPrefix(a.MimeType, "image/") }

// IsAudio reports whether the attachment is audio.
func (a Attachment) IsAudio() bool { return strings.HasPrefix(a.MimeType, "audio/") }

// Message is a single message in an LLM conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Attachments carries media for user messages. Providers drop attachments
	// their model cannot accept (see [ModelCapabilities]).
	Attachments []Attachment
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the user and drives the response.
	Messages []Message

	// Temperature controls output randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string
}

// CompletionResponse is the full reply to a CompletionRequest.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool

	// SupportsAudio indicates the model accepts input audio parts.
	SupportsAudio bool
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
