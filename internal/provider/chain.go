package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emvazquez/agora/internal/reliability"
)

// Delay before the single same-backend retry. Grows with how many backends
// already failed this call, so a chain deep into its fallbacks slows down
// instead of hammering whatever is left.
const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond
)

// Backend is one priority-ordered entry in a Chain. Available gates the
// backend per call (typically "has credentials"); a nil predicate means
// always available.
type Backend[Req, Resp any] struct {
	Name      string
	Available func() bool
	Call      func(ctx context.Context, req Req) (Resp, error)
}

// Chain tries backends in fixed priority order. Quota and availability
// failures advance to the next backend without surfacing an error; any other
// failure is retried once against the same backend before advancing. Only
// full exhaustion is reported, as a TerminalFailure carrying the ordered
// attempt log.
//
// The chain keeps no state across calls; it is safe for concurrent use by
// independent sessions.
type Chain[Req, Resp any] struct {
	backends       []Backend[Req, Resp]
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// Result carries the winning response plus which backend answered and the
// attempts that preceded it.
type Result[Resp any] struct {
	Value    Resp
	Provider string
	Attempts []Attempt
}

func NewChain[Req, Resp any](attemptTimeout time.Duration, backends ...Backend[Req, Resp]) (*Chain[Req, Resp], error) {
	if len(backends) == 0 {
		return nil, errors.New("provider chain requires at least one backend")
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	return &Chain[Req, Resp]{
		backends:       backends,
		attemptTimeout: attemptTimeout,
		logger:         slog.Default().With("component", "provider.chain"),
	}, nil
}

func (c *Chain[Req, Resp]) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger.With("component", "provider.chain")
	}
}

// Names lists configured backends in priority order.
func (c *Chain[Req, Resp]) Names() []string {
	names := make([]string, 0, len(c.backends))
	for _, b := range c.backends {
		names = append(names, b.Name)
	}
	return names
}

func (c *Chain[Req, Resp]) Call(ctx context.Context, req Req) (Result[Resp], error) {
	attempts := make([]Attempt, 0, len(c.backends))

	for i, b := range c.backends {
		if b.Available != nil && !b.Available() {
			continue
		}

		resp, err := c.callOnce(ctx, b, req)
		if err == nil {
			if i > 0 {
				c.logger.Info("fallback provider succeeded", "provider", b.Name, "priority", i)
			}
			return Result[Resp]{Value: resp, Provider: b.Name, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return Result[Resp]{}, ctx.Err()
		}

		class := Classify(err)
		retried := false
		if class == ClassOther || class == ClassVoiceRejected {
			// One retry against the same backend, after a short capped
			// backoff; a second failure counts as quota so the chain
			// advances.
			retried = true
			wait := time.NewTimer(reliability.ExponentialBackoff(len(attempts), retryBaseDelay, retryMaxDelay))
			select {
			case <-wait.C:
			case <-ctx.Done():
				wait.Stop()
				return Result[Resp]{}, ctx.Err()
			}
			resp, err = c.callOnce(ctx, b, req)
			if err == nil {
				return Result[Resp]{Value: resp, Provider: b.Name, Attempts: attempts}, nil
			}
			if ctx.Err() != nil {
				return Result[Resp]{}, ctx.Err()
			}
			if next := Classify(err); next == ClassOther {
				class = ClassQuota
			} else {
				class = next
			}
		}

		attempts = append(attempts, Attempt{Provider: b.Name, Class: class, Err: err, Retried: retried})
		c.logger.Warn("provider failed, trying next", "provider", b.Name, "class", string(class), "error", err)
	}

	return Result[Resp]{}, &TerminalFailure{Attempts: attempts}
}

func (c *Chain[Req, Resp]) callOnce(ctx context.Context, b Backend[Req, Resp], req Req) (Resp, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	resp, err := b.Call(attemptCtx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// A stuck backend must not stall the session; treat the per-attempt
		// timeout as the provider being unavailable.
		err = errors.Join(ErrUnavailable, err)
	}
	return resp, err
}
