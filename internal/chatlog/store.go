// Package chatlog records chat transcripts in PostgreSQL so conversations
// can be reviewed per session.
package chatlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type Entry struct {
	SessionID string
	Role      string
	Content   string
	UserAgent string
}

type Record struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	UserAgent *string   `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionSummary struct {
	SessionID      string    `json:"sessionId"`
	MessageCount   int64     `json:"messageCount"`
	FirstMessageAt time.Time `json:"firstMessageAt"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	Preview        string    `json:"preview"`
}

// Store persists chat log entries.
type Store interface {
	Insert(ctx context.Context, e Entry) (Record, error)
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
	Sessions(ctx context.Context, limit int) ([]SessionSummary, error)
}

// PGStore is the PostgreSQL Store over the chat_logs table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, e Entry) (Record, error) {
	rec := Record{SessionID: e.SessionID, Role: e.Role, Content: e.Content}
	if e.UserAgent != "" {
		ua := e.UserAgent
		rec.UserAgent = &ua
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_logs (session_id, role, content, user_agent, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING id, created_at`,
		e.SessionID, e.Role, e.Content, rec.UserAgent,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("inserting chat log: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, user_agent, created_at
		 FROM chat_logs
		 WHERE session_id = $1
		 ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chat logs: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var ua sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Role, &rec.Content, &ua, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat log row: %w", err)
		}
		if ua.Valid {
			rec.UserAgent = &ua.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Sessions summarises the most recently active sessions, newest first. The
// preview is the session's first user message.
func (s *PGStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id,
		        COUNT(*) AS message_count,
		        MIN(created_at) AS first_message_at,
		        MAX(created_at) AS last_message_at,
		        COALESCE((ARRAY_AGG(content ORDER BY created_at ASC, id ASC)
		                  FILTER (WHERE role = 'user'))[1], '') AS preview
		 FROM chat_logs
		 GROUP BY session_id
		 ORDER BY last_message_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionSummary{}
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.SessionID, &ss.MessageCount, &ss.FirstMessageAt, &ss.LastMessageAt, &ss.Preview); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}
