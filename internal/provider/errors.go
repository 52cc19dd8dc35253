package provider

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the upstream error taxonomy. Backends wrap their raw
// failures with one of these so the chain can classify without knowing any
// vendor's response schema.
var (
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUnavailable   = errors.New("provider unavailable")
	// ErrVoiceRejected means a synthesis provider refused a specific named
	// voice while the service itself is up.
	ErrVoiceRejected = errors.New("synthesis voice rejected")
)

// Class is the chain's view of a single attempt outcome.
type Class string

const (
	ClassQuota         Class = "quota_exceeded"
	ClassUnavailable   Class = "unavailable"
	ClassVoiceRejected Class = "voice_rejected"
	ClassOther         Class = "other"
)

func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return ClassQuota
	case errors.Is(err, ErrUnavailable):
		return ClassUnavailable
	case errors.Is(err, ErrVoiceRejected):
		return ClassVoiceRejected
	default:
		return ClassOther
	}
}

// Attempt is one entry in a call's ordered attempt log.
type Attempt struct {
	Provider string
	Class    Class
	Err      error
	Retried  bool
}

// TerminalFailure aggregates every failed attempt after the chain is
// exhausted. It is the only error shape the chain surfaces besides context
// cancellation.
type TerminalFailure struct {
	Attempts []Attempt
}

func (f *TerminalFailure) Error() string {
	if len(f.Attempts) == 0 {
		return "no provider available"
	}
	parts := make([]string, 0, len(f.Attempts))
	for _, a := range f.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// IsTerminal reports whether err is (or wraps) a chain exhaustion.
func IsTerminal(err error) bool {
	var tf *TerminalFailure
	return errors.As(err, &tf)
}
