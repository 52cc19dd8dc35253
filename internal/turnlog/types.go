package turnlog

import (
	"context"

	"github.com/emvazquez/agora/internal/session"
)

// Store is the append-only turn log. Append failures are logged by callers
// and never fatal to a live session; the orchestrator proceeds without it.
type Store interface {
	Append(ctx context.Context, turn session.Turn) error
	History(ctx context.Context, sessionID string, limit int) ([]session.Turn, error)
	Close() error
}
