package resilience

import (
	"context"

	"github.com/MrWong99/voxloop/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover at stream start. Once
// a session is open, mid-stream errors are the caller's responsibility.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a session against the first healthy provider.
//
// The attempt timeout only bounds connection setup: the session itself is
// bound to ctx, not to the per-attempt context.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(attemptCtx context.Context, _ string, p stt.Provider) (stt.SessionHandle, error) {
		type result struct {
			h   stt.SessionHandle
			err error
		}
		done := make(chan result, 1)
		go func() {
			h, err := p.StartStream(ctx, cfg)
			done <- result{h, err}
		}()
		select {
		case r := <-done:
			return r.h, r.err
		case <-attemptCtx.Done():
			// Close a session that shows up after we gave up on it.
			go func() {
				if r := <-done; r.h != nil {
					_ = r.h.Close()
				}
			}()
			return nil, attemptCtx.Err()
		}
	})
}
