package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type countingBackend struct {
	calls int
	fn    func(call int) (string, error)
}

func (b *countingBackend) call(_ context.Context, _ string) (string, error) {
	b.calls++
	return b.fn(b.calls)
}

func TestChainFallsThroughQuotaToNextProvider(t *testing.T) {
	first := &countingBackend{fn: func(int) (string, error) {
		return "", fmt.Errorf("tts: %w", ErrQuotaExceeded)
	}}
	second := &countingBackend{fn: func(int) (string, error) {
		return "audio", nil
	}}

	chain, err := NewChain(time.Second,
		Backend[string, string]{Name: "first", Call: first.call},
		Backend[string, string]{Name: "second", Call: second.call},
	)
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}

	res, err := chain.Call(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Call() error = %v, want recovered fallback", err)
	}
	if res.Value != "audio" || res.Provider != "second" {
		t.Fatalf("result = %+v, want audio from second", res)
	}
	if first.calls != 1 {
		t.Fatalf("first provider calls = %d, want 1 (no retry on quota)", first.calls)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Class != ClassQuota {
		t.Fatalf("attempt log = %+v, want one quota attempt", res.Attempts)
	}
}

func TestChainRetriesOtherErrorsOnceThenAdvances(t *testing.T) {
	flaky := &countingBackend{fn: func(int) (string, error) {
		return "", errors.New("malformed response")
	}}
	healthy := &countingBackend{fn: func(int) (string, error) {
		return "ok", nil
	}}

	chain, _ := NewChain(time.Second,
		Backend[string, string]{Name: "flaky", Call: flaky.call},
		Backend[string, string]{Name: "healthy", Call: healthy.call},
	)

	res, err := chain.Call(context.Background(), "x")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("flaky calls = %d, want 2 (one retry)", flaky.calls)
	}
	if res.Provider != "healthy" {
		t.Fatalf("provider = %q, want healthy", res.Provider)
	}
	if len(res.Attempts) != 1 || !res.Attempts[0].Retried || res.Attempts[0].Class != ClassQuota {
		t.Fatalf("attempt log = %+v, want retried attempt downgraded to quota", res.Attempts)
	}
}

func TestChainRetrySucceedsOnSameProvider(t *testing.T) {
	flaky := &countingBackend{fn: func(call int) (string, error) {
		if call == 1 {
			return "", errors.New("transient network error")
		}
		return "ok", nil
	}}

	chain, _ := NewChain(time.Second, Backend[string, string]{Name: "flaky", Call: flaky.call})

	res, err := chain.Call(context.Background(), "x")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.Provider != "flaky" || flaky.calls != 2 {
		t.Fatalf("provider=%q calls=%d, want flaky after one retry", res.Provider, flaky.calls)
	}
}

func TestChainExhaustionReturnsTerminalFailure(t *testing.T) {
	quota := &countingBackend{fn: func(int) (string, error) {
		return "", fmt.Errorf("llm: %w", ErrQuotaExceeded)
	}}
	down := &countingBackend{fn: func(int) (string, error) {
		return "", fmt.Errorf("llm: %w", ErrUnavailable)
	}}

	chain, _ := NewChain(time.Second,
		Backend[string, string]{Name: "quota", Call: quota.call},
		Backend[string, string]{Name: "down", Call: down.call},
	)

	_, err := chain.Call(context.Background(), "x")
	if !IsTerminal(err) {
		t.Fatalf("error = %v, want TerminalFailure", err)
	}
	var tf *TerminalFailure
	errors.As(err, &tf)
	if len(tf.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(tf.Attempts))
	}
	if tf.Attempts[0].Provider != "quota" || tf.Attempts[1].Provider != "down" {
		t.Fatalf("attempt order = %+v, want priority order preserved", tf.Attempts)
	}
}

func TestChainSkipsUnavailableBackends(t *testing.T) {
	skipped := &countingBackend{fn: func(int) (string, error) {
		return "never", nil
	}}
	active := &countingBackend{fn: func(int) (string, error) {
		return "ok", nil
	}}

	chain, _ := NewChain(time.Second,
		Backend[string, string]{Name: "skipped", Available: func() bool { return false }, Call: skipped.call},
		Backend[string, string]{Name: "active", Call: active.call},
	)

	res, err := chain.Call(context.Background(), "x")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if skipped.calls != 0 || res.Provider != "active" {
		t.Fatalf("availability predicate not honored: skipped=%d provider=%q", skipped.calls, res.Provider)
	}
}

func TestChainPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocked := &countingBackend{fn: func(int) (string, error) {
		cancel()
		return "", errors.New("aborted mid-flight")
	}}

	chain, _ := NewChain(time.Second, Backend[string, string]{Name: "blocked", Call: blocked.call})

	_, err := chain.Call(ctx, "x")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled (never TerminalFailure)", err)
	}
}

func TestChainTreatsAttemptTimeoutAsUnavailable(t *testing.T) {
	slow := Backend[string, string]{Name: "slow", Call: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	fast := Backend[string, string]{Name: "fast", Call: func(context.Context, string) (string, error) {
		return "ok", nil
	}}

	chain, _ := NewChain(20*time.Millisecond, slow, fast)

	res, err := chain.Call(context.Background(), "x")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.Provider != "fast" {
		t.Fatalf("provider = %q, want fast after slow timed out", res.Provider)
	}
	if len(res.Attempts) == 0 || res.Attempts[0].Class != ClassUnavailable {
		t.Fatalf("attempt log = %+v, want slow classified unavailable", res.Attempts)
	}
}

func TestChainRetryIsPacedByBackoff(t *testing.T) {
	flaky := &countingBackend{fn: func(call int) (string, error) {
		if call == 1 {
			return "", errors.New("connection reset")
		}
		return "audio", nil
	}}

	chain, _ := NewChain(time.Second, Backend[string, string]{Name: "flaky", Call: flaky.call})

	started := time.Now()
	res, err := chain.Call(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if flaky.calls != 2 {
		t.Fatalf("calls = %d, want one retry", flaky.calls)
	}
	if res.Provider != "flaky" {
		t.Fatalf("provider = %q", res.Provider)
	}
	if elapsed := time.Since(started); elapsed < retryBaseDelay {
		t.Fatalf("retry fired after %v, want at least %v between attempts", elapsed, retryBaseDelay)
	}
}
