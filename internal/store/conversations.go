package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// Conversation is one row of the conversations table.
type Conversation struct {
	ID           string
	CreatedAt    int64 // ms since epoch
	UpdatedAt    int64 // ms since epoch
	SystemPrompt string
	Title        string
}

// NewConversationID builds an id with the shape
// chat_YYYY-MM-DD-HH-mm-ss-SSS from the given instant.
func NewConversationID(now time.Time) string {
	return fmt.Sprintf("chat_%s-%03d", now.UTC().Format("2006-01-02-15-04-05"), now.UTC().Nanosecond()/1_000_000)
}

// CreateConversation inserts a new conversation row.
func (s *Store) CreateConversation(id string, now time.Time, systemPrompt, title string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := now.UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, created_at, updated_at, system_prompt, title) VALUES (?, ?, ?, ?, ?)`,
		id, ms, ms, systemPrompt, title,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("store: create conversation: %w", err)
	}
	return Conversation{ID: id, CreatedAt: ms, UpdatedAt: ms, SystemPrompt: systemPrompt, Title: title}, nil
}

// GetConversation fetches one conversation by id.
func (s *Store) GetConversation(id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Conversation
	var systemPrompt, title sql.NullString
	err := s.db.QueryRow(
		`SELECT id, created_at, updated_at, system_prompt, title FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &systemPrompt, &title)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	c.SystemPrompt = systemPrompt.String
	c.Title = title.String
	return c, nil
}

// ListConversations returns every conversation, most recently updated
// first.
func (s *Store) ListConversations() ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, created_at, updated_at, system_prompt, title FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var systemPrompt, title sql.NullString
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &systemPrompt, &title); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		c.SystemPrompt = systemPrompt.String
		c.Title = title.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and, via ON DELETE CASCADE,
// its messages and per-conversation config snapshot.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveOrCreateConversation returns id unchanged if non-empty, or
// mints and persists a fresh conversation (seeded with a snapshot of
// the current global knobs) when the caller has no conversation yet.
// Both the HTTP layer's first-message path and the worker's own
// fallback for a turn submitted with no conversation id share this.
func (s *Store) ResolveOrCreateConversation(id string, now time.Time) (string, error) {
	if id != "" {
		return id, nil
	}

	newID := NewConversationID(now)
	if _, err := s.CreateConversation(newID, now, "", ""); err != nil {
		return "", err
	}
	knobs, err := s.GetGlobalKnobs()
	if err != nil {
		return "", err
	}
	if err := s.SnapshotConversationKnobs(newID, knobs, now); err != nil {
		return "", err
	}
	return newID, nil
}

// SetConversationSystemPrompt overwrites a conversation's stored system
// prompt. Used by the worker to back-fill the resolved prompt the first
// time it processes a generation for a conversation whose row was
// minted without model metadata on hand (e.g. by the HTTP layer, which
// has no loaded model to resolve a "default" prompt against).
func (s *Store) SetConversationSystemPrompt(id, systemPrompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE conversations SET system_prompt = ? WHERE id = ?`, systemPrompt, id)
	if err != nil {
		return fmt.Errorf("store: set conversation system prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// touchConversation bumps updated_at. Callers must already hold s.mu.
func (s *Store) touchConversation(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now.UnixMilli(), id)
	return err
}
