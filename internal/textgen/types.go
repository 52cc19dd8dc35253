// Package textgen produces the spoken lines for agent speakers. Generation
// goes through the same priority chain machinery as speech synthesis, so a
// quota-exhausted or down provider falls through to the next one.
package textgen

import (
	"context"

	"github.com/emvazquez/agora/internal/session"
)

// Request carries everything a backend needs to write the next line.
type Request struct {
	SessionID string
	Topic     string
	Speaker   session.Speaker
	Roster    []session.Speaker
	Recent    []session.Turn
}

// Generator produces the text of the next turn for a speaker.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
