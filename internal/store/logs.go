package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LogRecord is one row of the bounded-retention logs table.
type LogRecord struct {
	ID             int64
	ConversationID string // empty for system-wide events
	Level          string
	Message        string
	Timestamp      int64
}

// logRetentionCap bounds the logs table so it never grows unbounded.
const logRetentionCap = 5000

// AppendLog inserts a log record and trims the table back to
// logRetentionCap rows, oldest first.
func (s *Store) AppendLog(conversationID, level, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var convID sql.NullString
	if conversationID != "" {
		convID = sql.NullString{String: conversationID, Valid: true}
	}

	if _, err := s.db.Exec(
		`INSERT INTO logs (conversation_id, level, message, ts) VALUES (?, ?, ?, ?)`,
		convID, level, message, now.Unix(),
	); err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}

	_, err := s.db.Exec(
		`DELETE FROM logs WHERE id NOT IN (SELECT id FROM logs ORDER BY id DESC LIMIT ?)`,
		logRetentionCap,
	)
	if err != nil {
		return fmt.Errorf("store: trim logs: %w", err)
	}
	return nil
}

// ListLogs returns the most recent log records, newest first, optionally
// filtered to one conversation.
func (s *Store) ListLogs(conversationID string, limit int) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	var err error
	if conversationID == "" {
		rows, err = s.db.Query(`SELECT id, COALESCE(conversation_id, ''), level, message, ts FROM logs ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT id, COALESCE(conversation_id, ''), level, message, ts FROM logs WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`, conversationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list logs: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var r LogRecord
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Level, &r.Message, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
