package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func twoAgents() []Speaker {
	return []Speaker{
		{ID: "socrates", DisplayName: "Socrates", Kind: SpeakerAgent, Voice: VoiceProfile{Language: "en"}},
		{ID: "plato", DisplayName: "Plato", Kind: SpeakerAgent, Voice: VoiceProfile{Language: "en"}},
	}
}

func TestManagerCreateGetComplete(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create("justice", FormatRoundRobin, twoAgents())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if s.TurnCursor != 0 {
		t.Fatalf("TurnCursor = %d, want 0", s.TurnCursor)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Topic != "justice" || got.Format != FormatRoundRobin || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	done, err := m.Complete(s.ID)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", done.Status, StatusCompleted)
	}
}

func TestManagerCreateValidation(t *testing.T) {
	m := NewManager(time.Minute)

	if _, err := m.Create("t", FormatRoundRobin, twoAgents()[:1]); err == nil {
		t.Fatalf("round-robin with one speaker should fail")
	}
	if _, err := m.Create("t", Format("debate"), twoAgents()); err == nil {
		t.Fatalf("unknown format should fail")
	}
	dup := twoAgents()
	dup[1].ID = dup[0].ID
	if _, err := m.Create("t", FormatRoundRobin, dup); err == nil {
		t.Fatalf("duplicate speaker ids should fail")
	}

	mod, err := m.Create("t", FormatModerated, twoAgents()[:1])
	if err != nil {
		t.Fatalf("moderated single-speaker session should be allowed: %v", err)
	}
	if mod.TurnCursor != CursorAwaitingSelection {
		t.Fatalf("moderated cursor = %d, want sentinel %d", mod.TurnCursor, CursorAwaitingSelection)
	}
}

func TestManagerTurnNumbersStrictlyIncrease(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Create("t", FormatRoundRobin, twoAgents())

	for want := 0; want < 5; want++ {
		n, err := m.AllocateTurnNumber(s.ID)
		if err != nil {
			t.Fatalf("AllocateTurnNumber() error = %v", err)
		}
		if n != want {
			t.Fatalf("turn number = %d, want %d", n, want)
		}
	}

	if _, err := m.Complete(s.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := m.AllocateTurnNumber(s.ID); !errors.Is(err, ErrInvalidTurnTransition) {
		t.Fatalf("allocation on completed session error = %v, want ErrInvalidTurnTransition", err)
	}
}

func TestManagerAdvanceCursorWraps(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Create("t", FormatRoundRobin, twoAgents())

	if err := m.AdvanceCursor(s.ID, 0); err != nil {
		t.Fatalf("AdvanceCursor() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.TurnCursor != 1 {
		t.Fatalf("cursor = %d, want 1", got.TurnCursor)
	}

	if err := m.AdvanceCursor(s.ID, 1); err != nil {
		t.Fatalf("AdvanceCursor() error = %v", err)
	}
	got, _ = m.Get(s.ID)
	if got.TurnCursor != 0 {
		t.Fatalf("cursor = %d, want wrap to 0", got.TurnCursor)
	}

	if err := m.AdvanceCursor(s.ID, 7); !errors.Is(err, ErrInvalidTurnTransition) {
		t.Fatalf("out-of-range index error = %v, want ErrInvalidTurnTransition", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s, _ := m.Create("t", FormatRoundRobin, twoAgents())

	expired := make(chan string, 1)
	m.SetExpireHook(func(es *Session) { expired <- es.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired session = %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire inactive session")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q", got.Status, StatusCompleted)
	}
}
