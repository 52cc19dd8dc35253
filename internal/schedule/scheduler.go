package schedule

import (
	"context"
	"fmt"

	"github.com/emvazquez/agora/internal/session"
)

// StepKind tells the orchestrator what the next scheduling step is.
type StepKind string

const (
	// StepGenerate schedules an automated turn for an agent speaker.
	StepGenerate StepKind = "generate_for_speaker"
	// StepAwaitHuman pauses the loop until the scheduled human submits text.
	StepAwaitHuman StepKind = "await_human_input"
	// StepAwaitModerator pauses the loop until an explicit speaker selection.
	StepAwaitModerator StepKind = "await_moderator_selection"
)

type Step struct {
	Kind         StepKind
	SpeakerID    string
	SpeakerIndex int
}

// SpeakerSelector is the external "who speaks next" decision used by
// free-for-all sessions. It lives at the text-generation collaborator
// boundary; the scheduler only validates its answer.
type SpeakerSelector interface {
	SelectNextSpeaker(ctx context.Context, s *session.Session, recent []session.Turn) (string, error)
}

// Scheduler computes the next speaker for a session from its format and the
// last completed turn. It holds no per-session state; the rotation cursor
// lives on the session itself.
type Scheduler struct {
	selector SpeakerSelector
}

func New(selector SpeakerSelector) *Scheduler {
	return &Scheduler{selector: selector}
}

// Next returns the scheduling step following lastTurn. User interjections
// never move the cursor, so passing an interjection as lastTurn resumes at
// the slot that would have followed the last automated turn.
func (sc *Scheduler) Next(ctx context.Context, s *session.Session, lastTurn *session.Turn) (Step, error) {
	if s == nil {
		return Step{}, session.ErrNotFound
	}
	if s.Status == session.StatusCompleted || s.Status == session.StatusFailed {
		return Step{}, fmt.Errorf("scheduling on %s session: %w", s.Status, session.ErrInvalidTurnTransition)
	}

	switch s.Format {
	case session.FormatRoundRobin:
		return sc.nextRoundRobin(s)
	case session.FormatModerated:
		return Step{Kind: StepAwaitModerator}, nil
	case session.FormatFreeForAll:
		return sc.nextFreeForAll(ctx, s, lastTurn)
	default:
		return Step{}, fmt.Errorf("unsupported session format %q", s.Format)
	}
}

func (sc *Scheduler) nextRoundRobin(s *session.Session) (Step, error) {
	idx := s.TurnCursor
	if idx < 0 || idx >= len(s.Speakers) {
		return Step{}, fmt.Errorf("turn cursor %d out of range: %w", idx, session.ErrInvalidTurnTransition)
	}
	return stepForSpeaker(s.Speakers[idx], idx), nil
}

func (sc *Scheduler) nextFreeForAll(ctx context.Context, s *session.Session, lastTurn *session.Turn) (Step, error) {
	if sc.selector == nil {
		return Step{}, fmt.Errorf("free-for-all session %s has no speaker selector", s.ID)
	}

	var recent []session.Turn
	if lastTurn != nil {
		recent = []session.Turn{*lastTurn}
	}
	chosenID, err := sc.selector.SelectNextSpeaker(ctx, s, recent)
	if err != nil {
		return Step{}, fmt.Errorf("select next speaker: %w", err)
	}

	speaker, idx := s.SpeakerByID(chosenID)
	if idx < 0 {
		return Step{}, fmt.Errorf("selector chose unknown speaker %q", chosenID)
	}

	// An immediate repeat is only allowed when no other agent could take the
	// slot; otherwise hand the turn to the next eligible agent in roster
	// order so the conversation keeps moving.
	if lastTurn != nil && !lastTurn.IsUserAuthored && chosenID == lastTurn.SpeakerID && s.AgentCount() > 1 {
		speaker, idx = nextAgentAfter(s, idx)
	}
	return stepForSpeaker(speaker, idx), nil
}

// AcceptModeratorSelection validates an explicit "speaker X speaks now"
// command. Selections are rejected while a playback job is active.
func (sc *Scheduler) AcceptModeratorSelection(s *session.Session, speakerID string, playbackIdle bool) (Step, error) {
	if s == nil {
		return Step{}, session.ErrNotFound
	}
	if s.Format != session.FormatModerated {
		return Step{}, fmt.Errorf("speaker selection on %s session: %w", s.Format, session.ErrInvalidTurnTransition)
	}
	if s.Status == session.StatusCompleted || s.Status == session.StatusFailed {
		return Step{}, fmt.Errorf("speaker selection on %s session: %w", s.Status, session.ErrInvalidTurnTransition)
	}
	if !playbackIdle {
		return Step{}, fmt.Errorf("speaker selection while playback active: %w", session.ErrInvalidTurnTransition)
	}
	speaker, idx := s.SpeakerByID(speakerID)
	if idx < 0 {
		return Step{}, fmt.Errorf("unknown speaker %q", speakerID)
	}
	return stepForSpeaker(speaker, idx), nil
}

func stepForSpeaker(sp session.Speaker, idx int) Step {
	kind := StepGenerate
	if sp.Kind == session.SpeakerHuman {
		kind = StepAwaitHuman
	}
	return Step{Kind: kind, SpeakerID: sp.ID, SpeakerIndex: idx}
}

func nextAgentAfter(s *session.Session, idx int) (session.Speaker, int) {
	n := len(s.Speakers)
	for off := 1; off < n; off++ {
		i := (idx + off) % n
		if s.Speakers[i].Kind == session.SpeakerAgent {
			return s.Speakers[i], i
		}
	}
	return s.Speakers[idx], idx
}
