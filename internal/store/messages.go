package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is a message's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one row of the messages table.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Timestamp      int64 // seconds since epoch
	Seq            int
	IsStreaming    bool
}

// AppendMessage inserts msg at the next dense sequence number for its
// conversation and bumps the conversation's updated_at. Sequence numbers
// stay dense and start at 0 because the next seq is always COUNT(*)
// under the same transaction as the insert, and all writes to this
// store are serialized onto one connection.
func (s *Store) AppendMessage(conversationID string, role Role, content string, now time.Time, isStreaming bool) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&seq); err != nil {
		return Message{}, fmt.Errorf("store: append message: count: %w", err)
	}

	id := uuid.NewString()
	ts := now.Unix()
	streamingFlag := 0
	if isStreaming {
		streamingFlag = 1
	}
	_, err = tx.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, ts, seq, is_streaming) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, conversationID, role, content, ts, seq, streamingFlag,
	)
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: insert: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now.UnixMilli(), conversationID); err != nil {
		return Message{}, fmt.Errorf("store: append message: touch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("store: append message: commit: %w", err)
	}

	return Message{
		ID: id, ConversationID: conversationID, Role: role, Content: content,
		Timestamp: ts, Seq: seq, IsStreaming: isStreaming,
	}, nil
}

// GetMessages returns every message in a conversation, ordered by seq.
func (s *Store) GetMessages(conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getMessagesLocked(conversationID)
}

func (s *Store) getMessagesLocked(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, ts, seq, is_streaming FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var streamingFlag int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Timestamp, &m.Seq, &streamingFlag); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.IsStreaming = streamingFlag != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageContent overwrites a message's content and, optionally,
// its streaming flag (used by streaming finalization).
func (s *Store) UpdateMessageContent(messageID, content string, isStreaming bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateMessageContentLocked(messageID, content, isStreaming)
}

func (s *Store) updateMessageContentLocked(messageID, content string, isStreaming bool) error {
	streamingFlag := 0
	if isStreaming {
		streamingFlag = 1
	}
	res, err := s.db.Exec(`UPDATE messages SET content = ?, is_streaming = ? WHERE id = ?`, content, streamingFlag, messageID)
	if err != nil {
		return fmt.Errorf("store: update message: %w", err)
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

const (
	roleHeaderSystem    = "SYSTEM:"
	roleHeaderUser      = "USER:"
	roleHeaderAssistant = "ASSISTANT:"
)

func roleHeader(r Role) string {
	switch r {
	case RoleSystem:
		return roleHeaderSystem
	case RoleUser:
		return roleHeaderUser
	case RoleAssistant:
		return roleHeaderAssistant
	default:
		return strings.ToUpper(string(r)) + ":"
	}
}

// RenderTranscript renders a conversation's messages as role-tagged
// plain text: each turn is a role header line followed by its content,
// blank-line separated. If the conversation has a stored system prompt
// and no stored system-role message, a synthetic SYSTEM: block carrying
// that prompt is prepended ahead of the stored turns.
func (s *Store) RenderTranscript(conversationID string) (string, error) {
	s.mu.Lock()
	var conv Conversation
	var systemPrompt sql.NullString
	convErr := s.db.QueryRow(`SELECT system_prompt FROM conversations WHERE id = ?`, conversationID).Scan(&systemPrompt)
	msgs, err := s.getMessagesLocked(conversationID)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if convErr != nil && !errors.Is(convErr, sql.ErrNoRows) {
		return "", fmt.Errorf("store: render transcript: %w", convErr)
	}
	conv.SystemPrompt = systemPrompt.String

	haveSystemMessage := false
	for _, m := range msgs {
		if m.Role == RoleSystem {
			haveSystemMessage = true
			break
		}
	}

	var b strings.Builder
	if conv.SystemPrompt != "" && !haveSystemMessage {
		b.WriteString(roleHeader(RoleSystem))
		b.WriteByte('\n')
		b.WriteString(conv.SystemPrompt)
		b.WriteString("\n\n")
	}
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		b.WriteString(roleHeader(m.Role))
		b.WriteByte('\n')
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ParsedTurn is one role/content pair recovered from a rendered
// transcript by ParseTranscript.
type ParsedTurn struct {
	Role    Role
	Content string
}

// ParseTranscript recovers role/content turns from a rendered
// transcript: role headers are lines exactly equal to `SYSTEM:`, `USER:`,
// or `ASSISTANT:`; lines starting with `[COMMAND:` are legacy and
// dropped; empty content blocks are dropped entirely.
func ParseTranscript(text string) []ParsedTurn {
	lines := strings.Split(text, "\n")
	var out []ParsedTurn
	var curRole Role
	var curLines []string
	haveRole := false

	flush := func() {
		if !haveRole {
			return
		}
		content := strings.TrimSpace(strings.Join(curLines, "\n"))
		if content != "" {
			out = append(out, ParsedTurn{Role: curRole, Content: content})
		}
		curLines = nil
	}

	for _, line := range lines {
		switch line {
		case roleHeaderSystem:
			flush()
			curRole, haveRole = RoleSystem, true
			continue
		case roleHeaderUser:
			flush()
			curRole, haveRole = RoleUser, true
			continue
		case roleHeaderAssistant:
			flush()
			curRole, haveRole = RoleAssistant, true
			continue
		}
		if strings.HasPrefix(line, "[COMMAND:") {
			continue
		}
		curLines = append(curLines, line)
	}
	flush()
	return out
}
