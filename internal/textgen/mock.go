package textgen

import (
	"context"
	"fmt"

	"github.com/emvazquez/agora/internal/provider"
)

// MockBackend generates deterministic canned lines for development and
// tests. The line encodes the speaker and turn count so transcripts stay
// readable.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Backend() provider.Backend[Request, string] {
	return provider.Backend[Request, string]{
		Name: b.Name(),
		Call: b.Generate,
	}
}

func (b *MockBackend) Generate(_ context.Context, req Request) (string, error) {
	if len(req.Recent) == 0 {
		return fmt.Sprintf("Let me open our discussion of %s. I am %s and here is my first thought.",
			req.Topic, req.Speaker.DisplayName), nil
	}
	return fmt.Sprintf("Responding to turn %d as %s: my view on %s continues.",
		req.Recent[len(req.Recent)-1].TurnNumber, req.Speaker.DisplayName, req.Topic), nil
}
