package turnlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emvazquez/agora/internal/session"
)

// InMemoryStore is a simple in-process turn log for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]session.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{turns: make(map[string][]session.Turn)}
}

func (s *InMemoryStore) Append(_ context.Context, turn session.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

func (s *InMemoryStore) History(_ context.Context, sessionID string, limit int) ([]session.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]session.Turn, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
