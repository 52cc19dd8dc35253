// Package protocol defines the websocket wire format between conversation
// clients and the server. Every payload is a flat JSON object carrying its
// own type tag.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client to server.
	TypeClientControl MessageType = "client_control"
	TypeUserTurn      MessageType = "user_turn"
	TypeSpeakerSelect MessageType = "speaker_select"

	// Server to client.
	TypeTurnStarted   MessageType = "turn_started"
	TypeTurnText      MessageType = "turn_text"
	TypeTurnAudio     MessageType = "turn_audio"
	TypeTurnDegraded  MessageType = "turn_degraded"
	TypePlaybackState MessageType = "playback_state"
	TypeAwaitingInput MessageType = "awaiting_input"
	TypeSessionEvent  MessageType = "session_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Control actions accepted in a ClientControl message.
const (
	ActionStart            = "start"
	ActionPause            = "pause"
	ActionResume           = "resume"
	ActionStop             = "stop"
	ActionReplay           = "replay"
	ActionPlaybackFinished = "playback_finished"
	ActionEndSession       = "end_session"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl drives the playback state machine and the session loop.
// playback_finished is how the client reports that audio ran to its end;
// the server never guesses at playout completion.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// UserTurn submits human-authored text. When the scheduler is waiting on
// this participant the text fills their slot; otherwise it is recorded as
// an interjection that does not advance the rotation.
type UserTurn struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	SpeakerID string      `json:"speaker_id"`
	Text      string      `json:"text"`
}

// SpeakerSelect is the moderated-format "speaker X speaks now" command.
type SpeakerSelect struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	SpeakerID string      `json:"speaker_id"`
}

type TurnStarted struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	TurnNumber int         `json:"turn_number"`
	SpeakerID  string      `json:"speaker_id"`
}

type TurnText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	SpeakerID string      `json:"speaker_id"`
	Text      string      `json:"text"`
}

type TurnAudio struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
	VoiceID     string      `json:"voice_id"`
}

// TurnDegraded announces a turn whose audio could not be produced; the text
// is still delivered so the conversation can continue silently.
type TurnDegraded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	SpeakerID string      `json:"speaker_id"`
	Text      string      `json:"text"`
	Reason    string      `json:"reason"`
}

type PlaybackState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	TurnID    string      `json:"turn_id,omitempty"`
}

// AwaitingInput tells the client whose input the session loop is blocked on:
// a human speaker's turn or the moderator's next selection.
type AwaitingInput struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Kind      string      `json:"kind"`
	SpeakerID string      `json:"speaker_id,omitempty"`
}

type SessionEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one inbound websocket frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validAction(msg.Action) {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	case TypeUserTurn:
		var msg UserTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.SpeakerID == "" || msg.Text == "" {
			return nil, errors.New("invalid user_turn")
		}
		return msg, nil
	case TypeSpeakerSelect:
		var msg SpeakerSelect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.SpeakerID == "" {
			return nil, errors.New("invalid speaker_select")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

func validAction(action string) bool {
	switch action {
	case ActionStart, ActionPause, ActionResume, ActionStop, ActionReplay,
		ActionPlaybackFinished, ActionEndSession:
		return true
	default:
		return false
	}
}
