package textgen

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

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAIBackend generates turn text through an OpenAI-compatible chat
// completions endpoint. Any server that speaks the same wire format works,
// which is how local and hosted models share one backend.
type OpenAIBackend struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAIBackend{cfg: cfg, client: client}
}

func (b *OpenAIBackend) Name() string { return "openai-chat" }

func (b *OpenAIBackend) Available() bool {
	return strings.TrimSpace(b.cfg.APIKey) != ""
}

func (b *OpenAIBackend) Backend() provider.Backend[Request, string] {
	return provider.Backend[Request, string]{
		Name:      b.Name(),
		Available: b.Available,
		Call:      b.Generate,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (b *OpenAIBackend) Generate(ctx context.Context, req Request) (string, error) {
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt(req.Topic, req.Speaker)},
	}
	if history := transcript(req.Roster, req.Recent); history != "" {
		messages = append(messages, chatMessage{
			Role:    "user",
			Content: "Conversation so far:\n" + history + "\nYour next line:",
		})
	} else {
		messages = append(messages, chatMessage{
			Role:    "user",
			Content: "Open the conversation with your first line.",
		})
	}

	payload, err := json.Marshal(chatRequest{
		Model:       b.cfg.Model,
		Messages:    messages,
		Temperature: 0.8,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	url := strings.TrimRight(b.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", classifyChatStatus(resp.StatusCode, string(detail))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func classifyChatStatus(status int, detail string) error {
	switch {
	case reliability.IsQuotaHTTPStatus(status):
		return fmt.Errorf("status %d: %s: %w", status, detail, provider.ErrQuotaExceeded)
	case reliability.IsUnavailableHTTPStatus(status):
		return fmt.Errorf("status %d: %s: %w", status, detail, provider.ErrUnavailable)
	default:
		return fmt.Errorf("chat completion failed with status %d: %s", status, detail)
	}
}
