package speech

import (
	"context"
	"fmt"

	"github.com/emvazquez/agora/internal/provider"
)

// MockBackend produces deterministic placeholder audio for local development
// and tests. The payload depends only on the request, so repeat calls are
// byte-identical.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Backend() provider.Backend[SynthesisRequest, SynthesisResult] {
	return provider.Backend[SynthesisRequest, SynthesisResult]{
		Name: b.Name(),
		Call: b.Synthesize,
	}
}

func (b *MockBackend) Synthesize(_ context.Context, req SynthesisRequest) (SynthesisResult, error) {
	payload := fmt.Sprintf("mock-audio|%s|%s|%s", req.VoiceID, req.Language, Key(req.Text, req.VoiceID, req.Language))
	return SynthesisResult{Audio: []byte(payload), Format: "mock"}, nil
}
