package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the conversation service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
	CacheTTL          time.Duration
	LookaheadEnabled  bool

	TextProvider  string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	SpeechProvider            string
	ElevenLabsAPIKey          string
	ElevenLabsBaseURL         string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "agora"),
		AllowAnyOrigin:   false,

		TextProvider:  envOrDefault("TEXTGEN_PROVIDER", "auto"),
		OpenAIAPIKey:  stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL: envOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:   envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),

		SpeechProvider:            envOrDefault("SPEECH_PROVIDER", "auto"),
		ElevenLabsAPIKey:          stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:         envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsTTSModel:        envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		GenerationTimeout:        45 * time.Second,
		SynthesisTimeout:         20 * time.Second,
		// Synthesized audio for identical text and voice stays reusable
		// for thirty days.
		CacheTTL:         30 * 24 * time.Hour,
		LookaheadEnabled: true,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesisTimeout, err = durationFromEnv("SYNTHESIS_TIMEOUT", cfg.SynthesisTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheTTL, err = durationFromEnv("SPEECH_CACHE_TTL", cfg.CacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LookaheadEnabled, err = boolFromEnv("LOOKAHEAD_ENABLED", cfg.LookaheadEnabled)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.GenerationTimeout < time.Second {
		return Config{}, fmt.Errorf("GENERATION_TIMEOUT must be at least 1s")
	}
	if cfg.SynthesisTimeout < time.Second {
		return Config{}, fmt.Errorf("SYNTHESIS_TIMEOUT must be at least 1s")
	}
	if cfg.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("SPEECH_CACHE_TTL must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
