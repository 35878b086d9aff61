// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio (or errors) and to verify which
// requests reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Err: errors.New("quota exceeded")}
//	_, err := p.Synthesize(ctx, tts.Request{Text: "hi"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned on success. When Data is empty a 100ms block of
	// 16 kHz mono silence is returned instead.
	Audio tts.Audio

	// Err, if non-nil, is returned by Synthesize.
	Err error

	// Delay is waited before answering. A cancelled ctx aborts the wait.
	Delay time.Duration

	// Block makes Synthesize wait for ctx to be done.
	Block bool

	// Calls records every call to Synthesize.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Audio or Err.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Req: req})
	out, err, delay, block := p.Audio, p.Err, p.Delay, p.Block
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return tts.Audio{}, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Audio{}, err
	}
	if len(out.Data) == 0 {
		out = tts.Audio{Data: make([]byte, 3200), MimeType: tts.MimePCM, SampleRate: 16000, Channels: 1}
	}
	return out, nil
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastRequest returns the most recent request, or the zero value.
func (p *Provider) LastRequest() tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return tts.Request{}
	}
	return p.Calls[len(p.Calls)-1].Req
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
