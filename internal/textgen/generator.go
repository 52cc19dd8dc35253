package textgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/emvazquez/agora/internal/provider"
)

// ChainGenerator runs text generation through a priority provider chain.
type ChainGenerator struct {
	chain *provider.Chain[Request, string]
}

func NewChainGenerator(chain *provider.Chain[Request, string]) *ChainGenerator {
	return &ChainGenerator{chain: chain}
}

func (g *ChainGenerator) Generate(ctx context.Context, req Request) (string, error) {
	res, err := g.chain.Call(ctx, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Value)
	if text == "" {
		return "", fmt.Errorf("provider %s returned an empty line", res.Provider)
	}
	return text, nil
}
