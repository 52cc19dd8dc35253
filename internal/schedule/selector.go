package schedule

import (
	"context"
	"fmt"

	"github.com/emvazquez/agora/internal/session"
)

// LeastRecentSelector picks the agent speaker who has gone longest without
// a turn. Speakers who never spoke win over everyone; ties break on roster
// order. Deterministic, so free-for-all sessions replay the same way.
type LeastRecentSelector struct{}

func NewLeastRecentSelector() *LeastRecentSelector { return &LeastRecentSelector{} }

func (sel *LeastRecentSelector) SelectNextSpeaker(_ context.Context, s *session.Session, recent []session.Turn) (string, error) {
	if s == nil {
		return "", session.ErrNotFound
	}

	// Highest turn number each speaker produced, interjections included.
	lastSpoke := make(map[string]int, len(s.Speakers))
	for _, t := range recent {
		if t.TurnNumber > lastSpoke[t.SpeakerID] {
			lastSpoke[t.SpeakerID] = t.TurnNumber
		}
	}

	bestIdx := -1
	var bestTurn int
	for i, sp := range s.Speakers {
		if sp.Kind != session.SpeakerAgent {
			continue
		}
		turn := lastSpoke[sp.ID]
		if bestIdx < 0 || turn < bestTurn {
			bestIdx = i
			bestTurn = turn
		}
	}
	if bestIdx < 0 {
		return "", fmt.Errorf("session %s has no agent speakers", s.ID)
	}
	return s.Speakers[bestIdx].ID, nil
}
