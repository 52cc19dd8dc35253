package turnlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emvazquez/agora/internal/session"
)

// PostgresStore persists the turn log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			speaker_id TEXT NOT NULL,
			speaker_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			is_user_authored BOOLEAN NOT NULL DEFAULT FALSE,
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			voice_id_used TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, turn_number)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_session_created
			ON conversation_turns (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, turn session.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns
			(id, session_id, turn_number, speaker_id, speaker_index, content, is_user_authored, degraded, voice_id_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		turn.ID,
		turn.SessionID,
		turn.TurnNumber,
		turn.SpeakerID,
		turn.SpeakerIndex,
		turn.Content,
		turn.IsUserAuthored,
		turn.Degraded,
		turn.VoiceIDUsed,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, sessionID string, limit int) ([]session.Turn, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, turn_number, speaker_id, speaker_index, content, is_user_authored, degraded, voice_id_used, created_at
		 FROM conversation_turns WHERE session_id=$1 ORDER BY turn_number DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	items := make([]session.Turn, 0, limit)
	for rows.Next() {
		var t session.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TurnNumber, &t.SpeakerID, &t.SpeakerIndex, &t.Content, &t.IsUserAuthored, &t.Degraded, &t.VoiceIDUsed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
