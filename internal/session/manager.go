package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns all live sessions. Sessions are mutated only through it; every
// accessor returns a copy so callers never share the internal struct.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create validates the roster and starts a new active session. Multi-party
// formats (round-robin, free-for-all) require at least two speakers; a
// moderated session may start with one.
func (m *Manager) Create(topic string, format Format, speakers []Speaker) (*Session, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("unsupported session format %q", format)
	}
	if len(speakers) == 0 {
		return nil, fmt.Errorf("session requires at least one speaker")
	}
	if (format == FormatRoundRobin || format == FormatFreeForAll) && len(speakers) < 2 {
		return nil, fmt.Errorf("%s sessions require at least two speakers", format)
	}
	seen := make(map[string]struct{}, len(speakers))
	roster := make([]Speaker, len(speakers))
	copy(roster, speakers)
	for i := range roster {
		if roster[i].ID == "" {
			roster[i].ID = uuid.NewString()
		}
		if _, dup := seen[roster[i].ID]; dup {
			return nil, fmt.Errorf("duplicate speaker id %q", roster[i].ID)
		}
		seen[roster[i].ID] = struct{}{}
		if roster[i].Kind != SpeakerAgent && roster[i].Kind != SpeakerHuman {
			return nil, fmt.Errorf("speaker %q has unsupported kind %q", roster[i].ID, roster[i].Kind)
		}
	}

	cursor := 0
	if format == FormatModerated {
		cursor = CursorAwaitingSelection
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Topic:          topic,
		Format:         format,
		Status:         StatusActive,
		Speakers:       roster,
		TurnCursor:     cursor,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// AllocateTurnNumber hands out the next strictly increasing turn number.
func (m *Manager) AllocateTurnNumber(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	if s.Status != StatusActive && s.Status != StatusPaused {
		return 0, ErrInvalidTurnTransition
	}
	n := s.NextTurnNumber
	s.NextTurnNumber++
	s.LastActivityAt = time.Now().UTC()
	return n, nil
}

// AdvanceCursor records that the automated slot at speakerIndex completed and
// moves the rotation to the following roster index. User interjections never
// call this, which keeps their slot-preserving behavior.
func (m *Manager) AdvanceCursor(sessionID string, speakerIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if speakerIndex < 0 || speakerIndex >= len(s.Speakers) {
		return ErrInvalidTurnTransition
	}
	if s.Format == FormatModerated {
		s.TurnCursor = CursorAwaitingSelection
	} else {
		s.TurnCursor = (speakerIndex + 1) % len(s.Speakers)
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) SetStatus(sessionID string, status Status) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = status
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

// Complete terminates the session normally.
func (m *Manager) Complete(sessionID string) (*Session, error) {
	return m.SetStatus(sessionID, StatusCompleted)
}

// Fail terminates the session after an unrecoverable provider failure.
func (m *Manager) Fail(sessionID string) (*Session, error) {
	return m.SetStatus(sessionID, StatusFailed)
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive || s.Status == StatusPaused {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive && s.Status != StatusPaused {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusCompleted
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.Speakers = make([]Speaker, len(s.Speakers))
	copy(c.Speakers, s.Speakers)
	return &c
}
