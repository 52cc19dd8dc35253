package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emvazquez/agora/internal/config"
	"github.com/emvazquez/agora/internal/httpapi"
	"github.com/emvazquez/agora/internal/observability"
	"github.com/emvazquez/agora/internal/orchestrator"
	"github.com/emvazquez/agora/internal/provider"
	"github.com/emvazquez/agora/internal/schedule"
	"github.com/emvazquez/agora/internal/session"
	"github.com/emvazquez/agora/internal/speech"
	"github.com/emvazquez/agora/internal/textgen"
	"github.com/emvazquez/agora/internal/turnlog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	turns, err := turnlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("turn store init failed: %v", err)
	}
	defer turns.Close()

	textChain, err := buildTextChain(cfg)
	if err != nil {
		log.Fatalf("text provider init failed: %v", err)
	}
	generator := textgen.NewChainGenerator(textChain)

	speechChain, err := buildSpeechChain(cfg)
	if err != nil {
		log.Fatalf("speech provider init failed: %v", err)
	}
	cache := speech.NewCache(cfg.CacheTTL)
	pipeline := speech.NewPipeline(cache, speechChain, speech.NewStaticResolver(nil), metrics)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	scheduler := schedule.New(schedule.NewLeastRecentSelector())
	orch := orchestrator.New(sessions, scheduler, generator, pipeline, turns, metrics, logger, orchestrator.Config{
		GenerationTimeout: cfg.GenerationTimeout,
		LookaheadEnabled:  cfg.LookaheadEnabled,
	})

	api := httpapi.New(cfg, sessions, turns, orch, pipeline, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)
	cache.StartJanitor(runCtx, time.Minute)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// buildTextChain assembles the priority-ordered text generation backends.
// Configured providers come first; the mock backend is always last so the
// service stays usable without any API keys.
func buildTextChain(cfg config.Config) (*provider.Chain[textgen.Request, string], error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.TextProvider))
	if mode == "" {
		mode = "auto"
	}

	var backends []provider.Backend[textgen.Request, string]
	openai := textgen.NewOpenAIBackend(textgen.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	})

	switch mode {
	case "openai":
		if !openai.Available() {
			return nil, errors.New("TEXTGEN_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
		backends = append(backends, openai.Backend())
	case "mock":
		// Nothing to add; the mock below covers it.
	case "auto":
		if openai.Available() {
			log.Printf("text provider: openai (%s)", cfg.OpenAIModel)
		}
		backends = append(backends, openai.Backend())
	default:
		return nil, errors.New("invalid TEXTGEN_PROVIDER: expected auto|openai|mock")
	}
	backends = append(backends, textgen.NewMockBackend().Backend())

	return provider.NewChain(cfg.GenerationTimeout, backends...)
}

// buildSpeechChain assembles the synthesis fallback order: ElevenLabs,
// then an OpenAI-compatible speech endpoint, then deterministic mock audio.
func buildSpeechChain(cfg config.Config) (*provider.Chain[speech.SynthesisRequest, speech.SynthesisResult], error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.SpeechProvider))
	if mode == "" {
		mode = "auto"
	}

	elevenlabs := speech.NewElevenLabsBackend(speech.ElevenLabsConfig{
		APIKey:       cfg.ElevenLabsAPIKey,
		BaseURL:      cfg.ElevenLabsBaseURL,
		ModelID:      cfg.ElevenLabsTTSModel,
		OutputFormat: cfg.ElevenLabsTTSOutputFormat,
	})
	openai := speech.NewOpenAISpeechBackend(speech.OpenAISpeechConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
	})

	var backends []provider.Backend[speech.SynthesisRequest, speech.SynthesisResult]
	switch mode {
	case "elevenlabs":
		if !elevenlabs.Available() {
			return nil, errors.New("SPEECH_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		backends = append(backends, elevenlabs.Backend())
	case "mock":
		// Nothing to add; the mock below covers it.
	case "auto":
		if elevenlabs.Available() {
			log.Printf("speech provider: elevenlabs (%s)", cfg.ElevenLabsTTSModel)
		}
		backends = append(backends, elevenlabs.Backend(), openai.Backend())
	default:
		return nil, errors.New("invalid SPEECH_PROVIDER: expected auto|elevenlabs|mock")
	}
	backends = append(backends, speech.NewMockBackend().Backend())

	return provider.NewChain(cfg.SynthesisTimeout, backends...)
}
