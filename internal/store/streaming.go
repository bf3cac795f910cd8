package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StreamingBuffer is at most one row per conversation, holding the
// in-progress assistant message id, its accumulated partial content,
// and the token/context-size counters the UI shows live.
type StreamingBuffer struct {
	ConversationID string
	MessageID      string
	Content        string
	TokensUsed     int
	ContextSize    int
	UpdatedAt      int64
}

// StartStreaming creates the placeholder assistant message and its
// streaming buffer row at the start of a turn.
func (s *Store) StartStreaming(conversationID string, now time.Time, contextSize int) (StreamingBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return StreamingBuffer{}, fmt.Errorf("store: start streaming: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&seq); err != nil {
		return StreamingBuffer{}, fmt.Errorf("store: start streaming: count: %w", err)
	}

	msgID := fmt.Sprintf("%s-asst-%d", conversationID, seq)
	ts := now.Unix()
	if _, err := tx.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, ts, seq, is_streaming) VALUES (?, ?, ?, '', ?, ?, 1)`,
		msgID, conversationID, RoleAssistant, ts, seq,
	); err != nil {
		return StreamingBuffer{}, fmt.Errorf("store: start streaming: insert message: %w", err)
	}

	updatedAt := now.UnixMilli()
	if _, err := tx.Exec(
		`INSERT INTO streaming_buffers (conversation_id, message_id, content, tokens_used, context_size, updated_at) VALUES (?, ?, '', 0, ?, ?)`,
		conversationID, msgID, contextSize, updatedAt,
	); err != nil {
		return StreamingBuffer{}, fmt.Errorf("store: start streaming: insert buffer: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, updatedAt, conversationID); err != nil {
		return StreamingBuffer{}, fmt.Errorf("store: start streaming: touch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return StreamingBuffer{}, fmt.Errorf("store: start streaming: commit: %w", err)
	}

	return StreamingBuffer{ConversationID: conversationID, MessageID: msgID, ContextSize: contextSize, UpdatedAt: updatedAt}, nil
}

// AppendToken folds a generated piece into the streaming buffer (and its
// mirrored placeholder message), then publishes a coalesced broadcast
// event to any watchers.
func (s *Store) AppendToken(conversationID, piece string, tokensUsed, maxTokens int, now time.Time) (StreamingBuffer, error) {
	s.mu.Lock()

	var buf StreamingBuffer
	err := s.db.QueryRow(
		`SELECT message_id, content FROM streaming_buffers WHERE conversation_id = ?`, conversationID,
	).Scan(&buf.MessageID, &buf.Content)
	if errors.Is(err, sql.ErrNoRows) {
		s.mu.Unlock()
		return StreamingBuffer{}, ErrNotFound
	}
	if err != nil {
		s.mu.Unlock()
		return StreamingBuffer{}, fmt.Errorf("store: append token: %w", err)
	}

	buf.ConversationID = conversationID
	buf.Content += piece
	buf.TokensUsed = tokensUsed
	buf.UpdatedAt = now.UnixMilli()

	if _, err := s.db.Exec(
		`UPDATE streaming_buffers SET content = ?, tokens_used = ?, updated_at = ? WHERE conversation_id = ?`,
		buf.Content, buf.TokensUsed, buf.UpdatedAt, conversationID,
	); err != nil {
		s.mu.Unlock()
		return StreamingBuffer{}, fmt.Errorf("store: append token: update buffer: %w", err)
	}
	if err := s.updateMessageContentLocked(buf.MessageID, buf.Content, true); err != nil {
		s.mu.Unlock()
		return StreamingBuffer{}, fmt.Errorf("store: append token: update message: %w", err)
	}

	s.mu.Unlock()

	s.broadcast.publish(conversationID, Event{
		Kind:       EventToken,
		MessageID:  buf.MessageID,
		Content:    buf.Content,
		Delta:      piece,
		TokensUsed: tokensUsed,
		MaxTokens:  maxTokens,
	})
	return buf, nil
}

// FinalizeStreaming atomically copies the buffer's content to the
// message row, clears is_streaming, and deletes the buffer row.
func (s *Store) FinalizeStreaming(conversationID string) (Message, error) {
	s.mu.Lock()

	var buf StreamingBuffer
	err := s.db.QueryRow(
		`SELECT message_id, content FROM streaming_buffers WHERE conversation_id = ?`, conversationID,
	).Scan(&buf.MessageID, &buf.Content)
	if errors.Is(err, sql.ErrNoRows) {
		s.mu.Unlock()
		return Message{}, ErrNotFound
	}
	if err != nil {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("store: finalize streaming: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("store: finalize streaming: %w", err)
	}
	if _, err := tx.Exec(`UPDATE messages SET content = ?, is_streaming = 0 WHERE id = ?`, buf.Content, buf.MessageID); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return Message{}, fmt.Errorf("store: finalize streaming: update message: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM streaming_buffers WHERE conversation_id = ?`, conversationID); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return Message{}, fmt.Errorf("store: finalize streaming: delete buffer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("store: finalize streaming: commit: %w", err)
	}

	msgs, err := s.getMessagesLocked(conversationID)
	s.mu.Unlock()
	if err != nil {
		return Message{}, err
	}

	var final Message
	for _, m := range msgs {
		if m.ID == buf.MessageID {
			final = m
			break
		}
	}

	s.broadcast.publish(conversationID, Event{Kind: EventComplete, MessageID: buf.MessageID, Content: buf.Content})
	return final, nil
}

// CancelStreaming finalizes whatever content had accumulated so far (a
// cancelled generation keeps its partial answer) and notifies watchers.
func (s *Store) CancelStreaming(conversationID string) (Message, error) {
	msg, err := s.FinalizeStreaming(conversationID)
	if err != nil {
		return Message{}, err
	}
	s.broadcast.publish(conversationID, Event{Kind: EventCancelled, MessageID: msg.ID, Content: msg.Content})
	return msg, nil
}

// GetStreamingBuffer returns the live buffer for a conversation, if any.
func (s *Store) GetStreamingBuffer(conversationID string) (StreamingBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf StreamingBuffer
	err := s.db.QueryRow(
		`SELECT conversation_id, message_id, content, tokens_used, context_size, updated_at FROM streaming_buffers WHERE conversation_id = ?`,
		conversationID,
	).Scan(&buf.ConversationID, &buf.MessageID, &buf.Content, &buf.TokensUsed, &buf.ContextSize, &buf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamingBuffer{}, ErrNotFound
	}
	if err != nil {
		return StreamingBuffer{}, fmt.Errorf("store: get streaming buffer: %w", err)
	}
	return buf, nil
}

// Subscribe registers a watcher for a conversation's broadcast events.
// The returned cancel func must be called once the watcher disconnects.
func (s *Store) Subscribe(conversationID string) (<-chan Event, func()) {
	return s.broadcast.subscribe(conversationID)
}
