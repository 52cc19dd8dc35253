package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emvazquez/agora/internal/provider"
	"github.com/emvazquez/agora/internal/session"
)

func agentSpeaker(voiceID string) session.Speaker {
	return session.Speaker{
		ID:          "socrates",
		DisplayName: "Socrates",
		Kind:        session.SpeakerAgent,
		Voice:       session.VoiceProfile{VoiceID: voiceID, Language: "en"},
	}
}

func pipelineWith(t *testing.T, backends ...provider.Backend[SynthesisRequest, SynthesisResult]) *Pipeline {
	t.Helper()
	chain, err := provider.NewChain(time.Second, backends...)
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	return NewPipeline(NewCache(time.Hour), chain, NewStaticResolver(nil), nil)
}

func TestSynthesizeCacheIdempotence(t *testing.T) {
	calls := 0
	backend := provider.Backend[SynthesisRequest, SynthesisResult]{
		Name: "counting",
		Call: func(_ context.Context, req SynthesisRequest) (SynthesisResult, error) {
			calls++
			return SynthesisResult{Audio: []byte("audio-" + req.VoiceID), Format: "mp3"}, nil
		},
	}
	p := pipelineWith(t, backend)
	sp := agentSpeaker("v1")

	first, err := p.Synthesize(context.Background(), "the unexamined life", sp)
	if err != nil {
		t.Fatalf("first Synthesize() error = %v", err)
	}
	second, err := p.Synthesize(context.Background(), "the unexamined life", sp)
	if err != nil {
		t.Fatalf("second Synthesize() error = %v", err)
	}

	if !bytes.Equal(first.Payload, second.Payload) {
		t.Fatalf("payloads differ across cached calls")
	}
	if calls != 1 {
		t.Fatalf("provider calls = %d, want 1 (second call must be a pure cache hit)", calls)
	}
	if second.CacheKey == "" {
		t.Fatalf("cached artifact should carry its cache key")
	}
}

func TestSynthesizeDefaultVoiceSafetyRetry(t *testing.T) {
	var seenVoices []string
	backend := provider.Backend[SynthesisRequest, SynthesisResult]{
		Name: "picky",
		Call: func(_ context.Context, req SynthesisRequest) (SynthesisResult, error) {
			seenVoices = append(seenVoices, req.VoiceID)
			if req.VoiceID == "exotic-voice" {
				return SynthesisResult{}, fmt.Errorf("voice refused: %w", provider.ErrQuotaExceeded)
			}
			return SynthesisResult{Audio: []byte("fallback audio"), Format: "mp3"}, nil
		},
	}
	p := pipelineWith(t, backend)
	sp := agentSpeaker("exotic-voice")

	artifact, err := p.Synthesize(context.Background(), "hello room", sp)
	if err != nil {
		t.Fatalf("Synthesize() error = %v, want default-voice recovery", err)
	}

	wantDefault := DefaultVoiceFor(nil, "en", "")
	if artifact.VoiceIDUsed != wantDefault {
		t.Fatalf("VoiceIDUsed = %q, want default %q (substitution must be observable)", artifact.VoiceIDUsed, wantDefault)
	}
	if len(seenVoices) != 2 || seenVoices[0] != "exotic-voice" || seenVoices[1] != wantDefault {
		t.Fatalf("voices tried = %v, want requested then default", seenVoices)
	}

	// A repeat for the same requested voice must now hit the cache.
	if _, err := p.Synthesize(context.Background(), "hello room", sp); err != nil {
		t.Fatalf("repeat Synthesize() error = %v", err)
	}
	if len(seenVoices) != 2 {
		t.Fatalf("provider calls after cache fill = %d, want 2", len(seenVoices))
	}
}

func TestSynthesizeTerminalFailureIsNotCached(t *testing.T) {
	calls := 0
	backend := provider.Backend[SynthesisRequest, SynthesisResult]{
		Name: "down",
		Call: func(context.Context, SynthesisRequest) (SynthesisResult, error) {
			calls++
			return SynthesisResult{}, fmt.Errorf("backend down: %w", provider.ErrUnavailable)
		},
	}
	p := pipelineWith(t, backend)
	sp := agentSpeaker(DefaultVoiceFor(nil, "en", ""))

	if _, err := p.Synthesize(context.Background(), "text", sp); !provider.IsTerminal(err) {
		t.Fatalf("error = %v, want TerminalFailure", err)
	}
	if p.cache.Len() != 0 {
		t.Fatalf("failures must not be cached, cache has %d entries", p.cache.Len())
	}

	before := calls
	if _, err := p.Synthesize(context.Background(), "text", sp); !provider.IsTerminal(err) {
		t.Fatalf("second error = %v, want TerminalFailure", err)
	}
	if calls == before {
		t.Fatalf("second call should reach the provider again, not a cached failure")
	}
}

func TestSynthesizeCancelledCallDoesNotWriteCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := provider.Backend[SynthesisRequest, SynthesisResult]{
		Name: "slowish",
		Call: func(_ context.Context, req SynthesisRequest) (SynthesisResult, error) {
			cancel()
			return SynthesisResult{Audio: []byte("late audio"), Format: "mp3"}, nil
		},
	}
	p := pipelineWith(t, backend)

	_, err := p.Synthesize(ctx, "text", agentSpeaker("v1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if p.cache.Len() != 0 {
		t.Fatalf("cancelled synthesis must not publish to the cache")
	}
}

func TestVoiceResolutionMemoizedPerSpeaker(t *testing.T) {
	resolves := 0
	resolver := resolverFunc(func(_ context.Context, language, gender string) (string, error) {
		resolves++
		return "resolved-" + language, nil
	})

	chain, _ := provider.NewChain(time.Second, NewMockBackend().Backend())
	p := NewPipeline(NewCache(time.Hour), chain, resolver, nil)

	sp := agentSpeaker("")
	if _, err := p.Synthesize(context.Background(), "first", sp); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "second", sp); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if resolves != 1 {
		t.Fatalf("resolver calls = %d, want 1 (memoized per speaker)", resolves)
	}

	explicit := agentSpeaker("chosen-voice")
	artifact, err := p.Synthesize(context.Background(), "third", explicit)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if artifact.VoiceIDUsed != "chosen-voice" {
		t.Fatalf("VoiceIDUsed = %q, explicit voice must win", artifact.VoiceIDUsed)
	}
	if resolves != 1 {
		t.Fatalf("resolver calls = %d, explicit voice must not resolve", resolves)
	}
}

type resolverFunc func(ctx context.Context, language, gender string) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, language, gender string) (string, error) {
	return f(ctx, language, gender)
}
