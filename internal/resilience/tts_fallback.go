package resilience

import (
	"context"

	"github.com/MrWong99/voxloop/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] over an ordered chain of TTS
// backends. Each attempt gets the request with its voice resolved for that
// backend (see [tts.Request.ForProvider]). A backend whose audio does not
// decode counts as failed. The last backend is the local last resort and is
// tried on every call, whatever its breaker says.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	cfg.AlwaysTryLast = true
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider at the end of the chain.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the chain order.
func (f *TTSFallback) Names() []string { return f.group.Names() }

// Synthesize tries each backend in order until one produces playable audio.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, name string, p tts.Provider) (tts.Audio, error) {
		out, err := p.Synthesize(ctx, req.ForProvider(name))
		if err != nil {
			return tts.Audio{}, err
		}
		if _, err := out.Decode(); err != nil {
			return tts.Audio{}, err
		}
		return out, nil
	})
}
