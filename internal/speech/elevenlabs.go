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

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	ModelID      string
	OutputFormat string
	HTTPClient   *http.Client
}

// ElevenLabsBackend synthesizes speech through the ElevenLabs HTTP API.
type ElevenLabsBackend struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsBackend(cfg ElevenLabsConfig) *ElevenLabsBackend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ElevenLabsBackend{cfg: cfg, client: client}
}

func (b *ElevenLabsBackend) Name() string { return "elevenlabs" }

func (b *ElevenLabsBackend) Available() bool {
	return strings.TrimSpace(b.cfg.APIKey) != ""
}

// Backend adapts the provider to a chain entry.
func (b *ElevenLabsBackend) Backend() provider.Backend[SynthesisRequest, SynthesisResult] {
	return provider.Backend[SynthesisRequest, SynthesisResult]{
		Name:      b.Name(),
		Available: b.Available,
		Call:      b.Synthesize,
	}
}

type elevenLabsRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	LanguageCode  string         `json:"language_code,omitempty"`
	VoiceSettings map[string]any `json:"voice_settings,omitempty"`
}

func (b *ElevenLabsBackend) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	if strings.TrimSpace(req.VoiceID) == "" {
		return SynthesisResult{}, fmt.Errorf("voice_id is required")
	}

	body := elevenLabsRequest{
		Text:         req.Text,
		ModelID:      b.cfg.ModelID,
		LanguageCode: strings.ToLower(strings.TrimSpace(req.Language)),
		VoiceSettings: map[string]any{
			"stability":        req.Settings.Stability,
			"similarity_boost": req.Settings.SimilarityBoost,
			"speed":            req.Settings.Speed,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("encode synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		strings.TrimRight(b.cfg.BaseURL, "/"), req.VoiceID, b.cfg.OutputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SynthesisResult{}, err
	}
	httpReq.Header.Set("xi-api-key", b.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("elevenlabs synthesis: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return SynthesisResult{}, classifySynthesisStatus(resp.StatusCode, string(detail))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("read synthesis audio: %w", err)
	}
	if len(audio) == 0 {
		return SynthesisResult{}, fmt.Errorf("elevenlabs returned empty audio")
	}

	return SynthesisResult{Audio: audio, Format: formatLabel(b.cfg.OutputFormat)}, nil
}

// classifySynthesisStatus maps an upstream HTTP failure onto the chain's
// error taxonomy. A 4xx that names the voice means the voice itself was
// refused, not the service.
func classifySynthesisStatus(status int, detail string) error {
	lower := strings.ToLower(detail)
	switch {
	case reliability.IsQuotaHTTPStatus(status):
		return fmt.Errorf("status %d: %s: %w", status, detail, provider.ErrQuotaExceeded)
	case reliability.IsUnavailableHTTPStatus(status):
		return fmt.Errorf("status %d: %s: %w", status, detail, provider.ErrUnavailable)
	case (status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity) && strings.Contains(lower, "voice"):
		return fmt.Errorf("status %d: %s: %w", status, detail, provider.ErrVoiceRejected)
	default:
		return fmt.Errorf("synthesis failed with status %d: %s", status, detail)
	}
}

func formatLabel(outputFormat string) string {
	switch {
	case strings.HasPrefix(outputFormat, "mp3"):
		return "mp3"
	case strings.HasPrefix(outputFormat, "pcm"):
		return "pcm"
	case strings.HasPrefix(outputFormat, "ulaw"):
		return "ulaw"
	default:
		return outputFormat
	}
}
