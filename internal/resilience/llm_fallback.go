package resilience

import (
	"context"

	"github.com/MrWong99/voxloop/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across several LLM
// backends. Each backend only receives the attachments its model accepts, so
// a text-only fallback still answers a request carrying screen frames.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a chain with primary as its preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend to the chain.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Names lists the chain in try order.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete sends req to the first backend that answers.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, _ string, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, fitRequest(req, p.Capabilities()))
	})
}

// Capabilities merges the chain: media support is reported when any backend
// accepts it, token limits come from the primary.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	caps := f.group.entries[0].value.Capabilities()
	for _, e := range f.group.entries[1:] {
		c := e.value.Capabilities()
		caps.SupportsVision = caps.SupportsVision || c.SupportsVision
		caps.SupportsAudio = caps.SupportsAudio || c.SupportsAudio
	}
	return caps
}

// fitRequest drops the attachments caps cannot take. req is not modified.
func fitRequest(req llm.CompletionRequest, caps llm.ModelCapabilities) llm.CompletionRequest {
	keep := func(a llm.Attachment) bool {
		switch {
		case a.IsImage():
			return caps.SupportsVision
		case a.IsAudio():
			return caps.SupportsAudio
		}
		return caps.SupportsVision
	}

	var msgs []llm.Message
	for i, m := range req.Messages {
		var kept []llm.Attachment
		for _, a := range m.Attachments {
			if keep(a) {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(m.Attachments) {
			continue
		}
		if msgs == nil {
			msgs = append([]llm.Message(nil), req.Messages...)
		}
		msgs[i].Attachments = kept
	}
	if msgs != nil {
		req.Messages = msgs
	}
	return req
}
