package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emvazquez/agora/internal/observability"
	"github.com/emvazquez/agora/internal/provider"
	"github.com/emvazquez/agora/internal/session"
)

// Pipeline turns a line of text into a playable Artifact: cache lookup,
// provider-chain synthesis on miss, one-shot default-voice safety retry, and
// write-through of the result.
type Pipeline struct {
	cache    *Cache
	chain    *provider.Chain[SynthesisRequest, SynthesisResult]
	resolver VoiceResolver
	metrics  *observability.Metrics

	mu       sync.Mutex
	resolved map[string]string // speaker ID -> resolved voice, for the session's lifetime
}

func NewPipeline(cache *Cache, chain *provider.Chain[SynthesisRequest, SynthesisResult], resolver VoiceResolver, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		cache:    cache,
		chain:    chain,
		resolver: resolver,
		metrics:  metrics,
		resolved: make(map[string]string),
	}
}

// Synthesize produces the audio artifact for text spoken by speaker. On a
// cache hit no provider is contacted. Callers must treat a returned error as
// terminal for this turn; failures are never cached.
func (p *Pipeline) Synthesize(ctx context.Context, text string, sp session.Speaker) (*Artifact, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("synthesize: empty text")
	}

	voiceID, err := p.voiceFor(ctx, sp)
	if err != nil {
		return nil, fmt.Errorf("resolve voice for %s: %w", sp.ID, err)
	}
	language := sp.Voice.Language

	if hit := p.cache.Get(text, voiceID, language); hit != nil {
		p.countCache("hit")
		return hit, nil
	}
	p.countCache("miss")

	settings := SettingsForSpeaker(sp)
	start := time.Now()
	result, actualVoice, err := p.synthesizeWithSafetyFallback(ctx, SynthesisRequest{
		Text:     text,
		VoiceID:  voiceID,
		Language: language,
		Settings: settings,
	}, sp)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ObserveSynthesisLatency(time.Since(start))
	}

	artifact := &Artifact{
		Payload:     result.Audio,
		Format:      result.Format,
		VoiceIDUsed: actualVoice,
		Language:    language,
	}

	// A cancelled call must not publish into the shared cache.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Write-through under the requested voice so repeat requests hit even
	// when the safety fallback substituted the actual voice; the
	// substitution stays observable on the artifact itself.
	p.cache.Put(text, voiceID, language, artifact)
	stored := p.cache.Get(text, voiceID, language)
	if stored != nil {
		return stored, nil
	}
	return artifact, nil
}

// synthesizeWithSafetyFallback runs the provider chain, and if a specifically
// named voice was rejected or exhausted the chain, retries exactly once with
// the safe default voice for the speaker's language and gender. This one-shot
// retry is distinct from the chain's own multi-provider fallback: synthesis
// providers can refuse a single voice while otherwise healthy.
func (p *Pipeline) synthesizeWithSafetyFallback(ctx context.Context, req SynthesisRequest, sp session.Speaker) (SynthesisResult, string, error) {
	res, err := p.chain.Call(ctx, req)
	if err == nil {
		p.countFallback(res)
		return res.Value, req.VoiceID, nil
	}
	if ctx.Err() != nil {
		return SynthesisResult{}, "", ctx.Err()
	}
	if !provider.IsTerminal(err) {
		return SynthesisResult{}, "", err
	}
	p.countAttempts(err)

	defaultVoice := DefaultVoiceFor(nil, sp.Voice.Language, sp.Voice.Gender)
	if req.VoiceID == defaultVoice {
		return SynthesisResult{}, "", err
	}

	retryReq := req
	retryReq.VoiceID = defaultVoice
	res, retryErr := p.chain.Call(ctx, retryReq)
	if retryErr != nil {
		p.countAttempts(retryErr)
		// Report the original failure; the retry outcome is secondary.
		return SynthesisResult{}, "", fmt.Errorf("synthesis failed for voice %s (default-voice retry also failed): %w", req.VoiceID, err)
	}
	if p.metrics != nil {
		p.metrics.SessionEvents.WithLabelValues("voice_substituted").Inc()
	}
	p.countFallback(res)
	return res.Value, defaultVoice, nil
}

// voiceFor honors an explicit speaker voice, otherwise resolves a default
// once and memoizes it for the rest of the session.
func (p *Pipeline) voiceFor(ctx context.Context, sp session.Speaker) (string, error) {
	if v := strings.TrimSpace(sp.Voice.VoiceID); v != "" {
		return v, nil
	}

	p.mu.Lock()
	if v, ok := p.resolved[sp.ID]; ok {
		p.mu.Unlock()
		return v, nil
	}
	p.mu.Unlock()

	v, err := p.resolver.Resolve(ctx, sp.Voice.Language, sp.Voice.Gender)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.resolved[sp.ID] = v
	p.mu.Unlock()
	return v, nil
}

func (p *Pipeline) countCache(result string) {
	if p.metrics != nil {
		p.metrics.CacheEvents.WithLabelValues(result).Inc()
	}
}

func (p *Pipeline) countFallback(res provider.Result[SynthesisResult]) {
	if p.metrics == nil {
		return
	}
	if len(res.Attempts) > 0 {
		p.metrics.ProviderFallbacks.WithLabelValues(res.Provider).Inc()
	}
	for _, a := range res.Attempts {
		p.metrics.ProviderErrors.WithLabelValues(a.Provider, string(a.Class)).Inc()
	}
}

func (p *Pipeline) countAttempts(err error) {
	if p.metrics == nil {
		return
	}
	var tf *provider.TerminalFailure
	if errors.As(err, &tf) {
		for _, a := range tf.Attempts {
			p.metrics.ProviderErrors.WithLabelValues(a.Provider, string(a.Class)).Inc()
		}
	}
}
