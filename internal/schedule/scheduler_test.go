package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emvazquez/agora/internal/session"
)

type stubSelector struct {
	pick string
	err  error
}

func (s *stubSelector) SelectNextSpeaker(context.Context, *session.Session, []session.Turn) (string, error) {
	return s.pick, s.err
}

func roundRobinSession(speakers ...session.Speaker) *session.Session {
	return &session.Session{
		ID:       "s1",
		Topic:    "justice",
		Format:   session.FormatRoundRobin,
		Status:   session.StatusActive,
		Speakers: speakers,
	}
}

func agent(id string) session.Speaker {
	return session.Speaker{ID: id, DisplayName: id, Kind: session.SpeakerAgent}
}

func human(id string) session.Speaker {
	return session.Speaker{ID: id, DisplayName: id, Kind: session.SpeakerHuman}
}

func TestRoundRobinRotation(t *testing.T) {
	s := roundRobinSession(agent("socrates"), agent("plato"), agent("aristotle"))
	sc := New(nil)

	want := []string{"socrates", "plato", "aristotle", "socrates", "plato", "aristotle"}
	for k, id := range want {
		step, err := sc.Next(context.Background(), s, nil)
		if err != nil {
			t.Fatalf("turn %d: Next() error = %v", k, err)
		}
		if step.Kind != StepGenerate || step.SpeakerID != id {
			t.Fatalf("turn %d: step = %+v, want generate for %q", k, step, id)
		}
		// Simulate the automated turn completing.
		s.TurnCursor = (step.SpeakerIndex + 1) % len(s.Speakers)
	}
}

func TestRoundRobinHumanSlotAwaitsInput(t *testing.T) {
	s := roundRobinSession(agent("socrates"), human("guest"))
	s.TurnCursor = 1
	sc := New(nil)

	step, err := sc.Next(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if step.Kind != StepAwaitHuman || step.SpeakerID != "guest" {
		t.Fatalf("step = %+v, want await human input for guest", step)
	}
}

func TestInterjectionDoesNotConsumeRotationSlot(t *testing.T) {
	s := roundRobinSession(agent("socrates"), agent("plato"))
	sc := New(nil)

	// Socrates spoke; cursor advanced to Plato.
	s.TurnCursor = 1

	interjection := &session.Turn{
		SessionID:      s.ID,
		TurnNumber:     1,
		SpeakerID:      "guest",
		IsUserAuthored: true,
		CreatedAt:      time.Now(),
	}

	step, err := sc.Next(context.Background(), s, interjection)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if step.SpeakerID != "plato" {
		t.Fatalf("speaker after interjection = %q, want plato (slot preserved)", step.SpeakerID)
	}
}

func TestModeratedNeverAutoAdvances(t *testing.T) {
	s := roundRobinSession(agent("socrates"), agent("plato"))
	s.Format = session.FormatModerated
	s.TurnCursor = session.CursorAwaitingSelection
	sc := New(nil)

	last := &session.Turn{SpeakerID: "socrates", TurnNumber: 3}
	for i := 0; i < 3; i++ {
		step, err := sc.Next(context.Background(), s, last)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if step.Kind != StepAwaitModerator {
			t.Fatalf("step = %+v, want await moderator regardless of history", step)
		}
	}
}

func TestModeratorSelectionValidation(t *testing.T) {
	s := roundRobinSession(agent("socrates"), agent("plato"))
	s.Format = session.FormatModerated
	sc := New(nil)

	step, err := sc.AcceptModeratorSelection(s, "plato", true)
	if err != nil {
		t.Fatalf("AcceptModeratorSelection() error = %v", err)
	}
	if step.Kind != StepGenerate || step.SpeakerID != "plato" {
		t.Fatalf("step = %+v, want generate for plato", step)
	}

	if _, err := sc.AcceptModeratorSelection(s, "plato", false); !errors.Is(err, session.ErrInvalidTurnTransition) {
		t.Fatalf("selection during playback error = %v, want ErrInvalidTurnTransition", err)
	}
	if _, err := sc.AcceptModeratorSelection(s, "nobody", true); err == nil {
		t.Fatalf("unknown speaker selection should fail")
	}

	s.Format = session.FormatRoundRobin
	if _, err := sc.AcceptModeratorSelection(s, "plato", true); !errors.Is(err, session.ErrInvalidTurnTransition) {
		t.Fatalf("selection on round-robin error = %v, want ErrInvalidTurnTransition", err)
	}
}

func TestFreeForAllValidatesSelector(t *testing.T) {
	s := roundRobinSession(agent("socrates"), agent("plato"), agent("aristotle"))
	s.Format = session.FormatFreeForAll

	sc := New(&stubSelector{pick: "plato"})
	step, err := sc.Next(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if step.SpeakerID != "plato" {
		t.Fatalf("speaker = %q, want plato", step.SpeakerID)
	}

	sc = New(&stubSelector{pick: "heraclitus"})
	if _, err := sc.Next(context.Background(), s, nil); err == nil {
		t.Fatalf("unknown selector choice should fail")
	}
}

func TestFreeForAllRejectsImmediateRepeat(t *testing.T) {
	s := roundRobinSession(agent("socrates"), agent("plato"))
	s.Format = session.FormatFreeForAll
	last := &session.Turn{SpeakerID: "socrates"}

	sc := New(&stubSelector{pick: "socrates"})
	step, err := sc.Next(context.Background(), s, last)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if step.SpeakerID != "plato" {
		t.Fatalf("speaker = %q, want plato (no immediate repeat)", step.SpeakerID)
	}
}

func TestFreeForAllAllowsRepeatWhenOnlyAgent(t *testing.T) {
	s := roundRobinSession(agent("socrates"), human("guest"))
	s.Format = session.FormatFreeForAll
	last := &session.Turn{SpeakerID: "socrates"}

	sc := New(&stubSelector{pick: "socrates"})
	step, err := sc.Next(context.Background(), s, last)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if step.SpeakerID != "socrates" {
		t.Fatalf("speaker = %q, want socrates (only eligible agent)", step.SpeakerID)
	}
}

func TestSchedulingOnTerminatedSessionFails(t *testing.T) {
	s := roundRobinSession(agent("socrates"), agent("plato"))
	sc := New(nil)

	for _, status := range []session.Status{session.StatusCompleted, session.StatusFailed} {
		s.Status = status
		if _, err := sc.Next(context.Background(), s, nil); !errors.Is(err, session.ErrInvalidTurnTransition) {
			t.Fatalf("status %s: error = %v, want ErrInvalidTurnTransition", status, err)
		}
	}
}
