// Command voxloop is the main entry point for the voxloop capture-and-respond
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxloop/internal/app"
	"github.com/MrWong99/voxloop/internal/config"
	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
	"github.com/MrWong99/voxloop/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/voxloop/pkg/provider/llm/openai"
	"github.com/MrWong99/voxloop/pkg/provider/stt"
	"github.com/MrWong99/voxloop/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxloop/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxloop/pkg/provider/tts"
	"github.com/MrWong99/voxloop/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxloop/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voxloop/pkg/provider/tts/espeak"
	oatts "github.com/MrWong99/voxloop/pkg/provider/tts/openai"
	"github.com/MrWong99/voxloop/pkg/provider/vad"
	"github.com/MrWong99/voxloop/pkg/provider/vad/energy"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxloop: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxloop: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("voxloop starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxloop",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		application.ApplyConfig(next)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", application.Handler())
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The openai entry talks to the official SDK directly; every other
	// backend goes through any-llm with optional APIKey and BaseURL.
	reg.LLM.Register("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.LLM.Register(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.LLM.Register("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.STT.Register("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if boost, ok := entry.OptFloat("keyword_boost"); ok {
			opts = append(opts, deepgram.WithKeywordBoost(boost))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.STT.Register("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.TTS.Register("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if v := entry.OptString("voice"); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.TTS.Register("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if v := entry.OptString("voice"); v != "" {
			opts = append(opts, oatts.WithDefaultVoice(v))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	reg.TTS.Register("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if speaker := entry.OptString("speaker"); speaker != "" {
			opts = append(opts, coqui.WithDefaultSpeaker(speaker))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.TTS.Register("espeak", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []espeak.Option
		if bin := entry.OptString("binary"); bin != "" {
			opts = append(opts, espeak.WithBinary(bin))
		}
		if v := entry.OptString("voice"); v != "" {
			opts = append(opts, espeak.WithDefaultVoice(v))
		}
		return espeak.New(opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.VAD.Register("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if gain, ok := entry.OptFloat("gain"); ok {
			opts = append(opts, energy.WithGain(gain))
		}
		return energy.New(opts...), nil
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// STT and TTS entries are chained behind resilience fallbacks whose attempts
// are recorded in metrics.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	fbCfg := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			AttemptTimeout: cfg.Synthesis.AttemptTimeout,
			OnAttempt: func(name string, _ time.Duration, err error) {
				status := "ok"
				if err != nil {
					status = "error"
					metrics.RecordProviderError(context.Background(), name, kind)
				}
				metrics.RecordProviderRequest(context.Background(), name, kind, status)
			},
		}
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.LLM.Create(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		if len(cfg.Providers.LLMFallbacks) > 0 {
			llmCfg := fbCfg("llm")
			llmCfg.AttemptTimeout = 0
			chain := resilience.NewLLMFallback(p, name, llmCfg)
			for _, entry := range cfg.Providers.LLMFallbacks {
				fp, err := reg.LLM.Create(entry)
				if err != nil {
					return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
				}
				chain.AddFallback(entry.Name, fp)
			}
			ps.LLM = chain
		}
		slog.Info("provider created", "kind", "llm", "name", name, "fallbacks", len(cfg.Providers.LLMFallbacks))
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.STT.Create(cfg.Providers.STT)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		sttCfg := fbCfg("stt")
		sttCfg.AttemptTimeout = 0
		chain := resilience.NewSTTFallback(p, name, sttCfg)
		for _, entry := range cfg.Providers.STTFallbacks {
			fp, err := reg.STT.Create(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			chain.AddFallback(entry.Name, fp)
		}
		ps.STT = chain
		slog.Info("provider created", "kind", "stt", "name", name, "fallbacks", len(cfg.Providers.STTFallbacks))
	}

	var chain *resilience.TTSFallback
	for _, entry := range cfg.Providers.TTS {
		p, err := reg.TTS.Create(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		if chain == nil {
			chain = resilience.NewTTSFallback(p, entry.Name, fbCfg("tts"))
		} else {
			chain.AddFallback(entry.Name, p)
		}
	}
	if chain != nil {
		ps.TTS = chain
		slog.Info("provider created", "kind", "tts", "chain", chain.Names())
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.VAD.Create(cfg.Providers.VAD)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown vad provider, using energy", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		} else {
			ps.VAD = p
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxloop · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	for i, e := range cfg.Providers.TTS {
		printProvider(fmt.Sprintf("TTS #%d", i+1), e.Name, e.Model)
	}
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	fmt.Printf("║  Capture mode    : %-19s ║\n", cfg.Capture.Mode)
	fallback := "(none)"
	switch {
	case cfg.Connection.FallbackURL != "":
		fallback = "http"
	case cfg.Connection.FallbackLLM:
		fallback = "llm"
	}
	fmt.Printf("║  Fallback        : %-19s ║\n", fallback)
	fmt.Printf("║  Voices          : %-19d ║\n", len(cfg.Synthesis.Voices))
	fmt.Printf("║  Rearm required  : %-19t ║\n", cfg.Conversation.RequireRearm)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
