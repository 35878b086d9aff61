package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxloop/pkg/provider/llm"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by [Factories.Create] for unknown names.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// Factories holds the named constructors of one provider kind. It is safe
// for concurrent use.
type Factories[T any] struct {
	kind string

	mu sync.RWMutex
	m  map[string]Factory[T]
}

func newFactories[T any](kind string) *Factories[T] {
	return &Factories[T]{kind: kind, m: make(map[string]Factory[T])}
}

// Register adds f under name, replacing any earlier registration.
func (f *Factories[T]) Register(name string, factory Factory[T]) {
	f.mu.Lock()
	f.m[name] = factory
	f.mu.Unlock()
}

// Create runs the factory registered under entry.Name.
func (f *Factories[T]) Create(entry ProviderEntry) (T, error) {
	f.mu.RLock()
	factory, ok := f.m[entry.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered names in sorted order.
func (f *Factories[T]) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for name := range f.m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Registry groups the factories of every provider kind the pipeline uses.
type Registry struct {
	LLM *Factories[llm.Provider]
	STT *Factories[stt.Provider]
	TTS *Factories[tts.Provider]
	VAD *Factories[vad.Engine]
}

// NewRegistry returns a registry with no factories.
func NewRegistry() *Registry {
	return &Registry{
		LLM: newFactories[llm.Provider]("llm"),
		STT: newFactories[stt.Provider]("stt"),
		TTS: newFactories[tts.Provider]("tts"),
		VAD: newFactories[vad.Engine]("vad"),
	}
}

// Names returns the sorted names registered for kind, or nil for an unknown
// kind.
func (r *Registry) Names(kind string) []string {
	switch kind {
	case "llm":
		return r.LLM.Names()
	case "stt":
		return r.STT.Names()
	case "tts":
		return r.TTS.Names()
	case "vad":
		return r.VAD.Names()
	}
	return nil
}

// ── Entry options ──

// OptString returns the string option key, or "".
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptFloat returns the numeric option key. YAML decodes whole numbers as int, so
// both are accepted.
func (e ProviderEntry) OptFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
