package session

import (
	"errors"
	"time"
)

// Format is the policy governing who speaks next in a session.
type Format string

const (
	FormatRoundRobin Format = "round_robin"
	FormatFreeForAll Format = "free_for_all"
	FormatModerated  Format = "moderated"
)

func (f Format) Valid() bool {
	switch f {
	case FormatRoundRobin, FormatFreeForAll, FormatModerated:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type SpeakerKind string

const (
	SpeakerAgent SpeakerKind = "agent"
	SpeakerHuman SpeakerKind = "human"
)

// CursorAwaitingSelection marks a moderated session that has no scheduled
// speaker until an explicit selection arrives.
const CursorAwaitingSelection = -1

var (
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTurnTransition indicates a caller bug: an operation was
	// attempted in a state that does not permit it. It is surfaced, never
	// retried or swallowed.
	ErrInvalidTurnTransition = errors.New("invalid turn transition")
)

// VoiceProfile describes how a speaker should sound. VoiceID may be empty,
// in which case a default is resolved from Language and Gender.
type VoiceProfile struct {
	VoiceID      string  `json:"voice_id"`
	Language     string  `json:"language"`
	Gender       string  `json:"gender,omitempty"`
	SpeakingRate float64 `json:"speaking_rate,omitempty"`
	Warmth       float64 `json:"warmth,omitempty"`
}

// Speaker is immutable once its session starts.
type Speaker struct {
	ID          string       `json:"speaker_id"`
	DisplayName string       `json:"display_name"`
	Kind        SpeakerKind  `json:"kind"`
	Persona     string       `json:"persona,omitempty"`
	Voice       VoiceProfile `json:"voice"`
}

type Session struct {
	ID       string    `json:"session_id"`
	Topic    string    `json:"topic"`
	Format   Format    `json:"format"`
	Status   Status    `json:"status"`
	Speakers []Speaker `json:"speakers"`

	// TurnCursor is the roster index owning the next automated slot.
	// It is CursorAwaitingSelection for moderated sessions and is never
	// advanced by user interjections.
	TurnCursor     int       `json:"turn_cursor"`
	NextTurnNumber int       `json:"next_turn_number"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// SpeakerByID returns the speaker and its roster index, or -1 when absent.
func (s *Session) SpeakerByID(id string) (Speaker, int) {
	for i, sp := range s.Speakers {
		if sp.ID == id {
			return sp, i
		}
	}
	return Speaker{}, -1
}

func (s *Session) AgentCount() int {
	n := 0
	for _, sp := range s.Speakers {
		if sp.Kind == SpeakerAgent {
			n++
		}
	}
	return n
}

// Turn is one speaker's contribution at a fixed position in the session
// history. Turns are append-only and never mutated after creation.
type Turn struct {
	ID             string `json:"turn_id"`
	SessionID      string `json:"session_id"`
	TurnNumber     int    `json:"turn_number"`
	SpeakerID      string `json:"speaker_id"`
	SpeakerIndex   int    `json:"speaker_index"`
	Content        string `json:"content"`
	IsUserAuthored bool   `json:"is_user_authored"`
	// Degraded marks a turn whose content or audio could not be produced
	// after every provider was exhausted. The session continues past it.
	Degraded    bool      `json:"degraded,omitempty"`
	VoiceIDUsed string    `json:"voice_id_used,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
