package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emvazquez/agora/internal/provider"
	"github.com/emvazquez/agora/internal/reliability"
)

type OpenAISpeechConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAISpeechBackend synthesizes speech through an OpenAI-compatible
// /v1/audio/speech endpoint. Arbitrary voice ids are mapped onto the
// endpoint's fixed voice set, so it serves as a lower-fidelity fallback
// rather than a faithful renderer of premade voices.
type OpenAISpeechBackend struct {
	cfg    OpenAISpeechConfig
	client *http.Client
}

func NewOpenAISpeechBackend(cfg OpenAISpeechConfig) *OpenAISpeechBackend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "tts-1"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAISpeechBackend{cfg: cfg, client: client}
}

func (b *OpenAISpeechBackend) Name() string { return "openai_speech" }

func (b *OpenAISpeechBackend) Available() bool {
	return strings.TrimSpace(b.cfg.APIKey) != ""
}

func (b *OpenAISpeechBackend) Backend() provider.Backend[SynthesisRequest, SynthesisResult] {
	return provider.Backend[SynthesisRequest, SynthesisResult]{
		Name:      b.Name(),
		Available: b.Available,
		Call:      b.Synthesize,
	}
}

var openAIVoices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

func (b *OpenAISpeechBackend) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	payload, err := json.Marshal(map[string]any{
		"model":           b.cfg.Model,
		"input":           req.Text,
		"voice":           mapToOpenAIVoice(req.VoiceID),
		"speed":           req.Settings.Speed,
		"response_format": "mp3",
	})
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("encode speech request: %w", err)
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/audio/speech"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SynthesisResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		switch {
		case reliability.IsQuotaHTTPStatus(resp.StatusCode):
			return SynthesisResult{}, fmt.Errorf("status %d: %s: %w", resp.StatusCode, detail, provider.ErrQuotaExceeded)
		case reliability.IsUnavailableHTTPStatus(resp.StatusCode):
			return SynthesisResult{}, fmt.Errorf("status %d: %s: %w", resp.StatusCode, detail, provider.ErrUnavailable)
		default:
			return SynthesisResult{}, fmt.Errorf("speech failed with status %d: %s", resp.StatusCode, detail)
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("read speech audio: %w", err)
	}
	if len(audio) == 0 {
		return SynthesisResult{}, fmt.Errorf("openai speech returned empty audio")
	}
	return SynthesisResult{Audio: audio, Format: "mp3"}, nil
}

// mapToOpenAIVoice deterministically folds any voice id onto the endpoint's
// fixed voice set so the same requested voice always renders the same way.
func mapToOpenAIVoice(voiceID string) string {
	v := strings.ToLower(strings.TrimSpace(voiceID))
	for _, known := range openAIVoices {
		if v == known {
			return known
		}
	}
	var sum int
	for _, r := range v {
		sum += int(r)
	}
	return openAIVoices[sum%len(openAIVoices)]
}
