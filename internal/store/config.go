package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/intelligencedev/localforge/internal/config"
)

// GetGlobalKnobs returns the single-row global configuration, seeding it
// with defaults on first access.
func (s *Store) GetGlobalKnobs() (config.Knobs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var knobsJSON string
	err := s.db.QueryRow(`SELECT knobs_json FROM global_config WHERE id = 1`).Scan(&knobsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		seed := config.DefaultKnobs()
		if err := s.setGlobalKnobsLocked(seed, time.Now()); err != nil {
			return config.Knobs{}, err
		}
		return seed, nil
	}
	if err != nil {
		return config.Knobs{}, fmt.Errorf("store: get global knobs: %w", err)
	}

	var knobs config.Knobs
	if err := json.Unmarshal([]byte(knobsJSON), &knobs); err != nil {
		return config.Knobs{}, fmt.Errorf("store: decode global knobs: %w", err)
	}
	return knobs, nil
}

// SetGlobalKnobs overwrites the global configuration row.
func (s *Store) SetGlobalKnobs(knobs config.Knobs, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setGlobalKnobsLocked(knobs, now)
}

func (s *Store) setGlobalKnobsLocked(knobs config.Knobs, now time.Time) error {
	data, err := json.Marshal(knobs)
	if err != nil {
		return fmt.Errorf("store: encode global knobs: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO global_config (id, knobs_json, model_history_json, updated_at) VALUES (1, ?, '[]', ?)
		 ON CONFLICT(id) DO UPDATE SET knobs_json = excluded.knobs_json, updated_at = excluded.updated_at`,
		string(data), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: set global knobs: %w", err)
	}
	return nil
}

// SnapshotConversationKnobs freezes the global configuration's current
// value as this conversation's own knob set, independent of later
// changes to the global configuration.
func (s *Store) SnapshotConversationKnobs(conversationID string, knobs config.Knobs, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(knobs)
	if err != nil {
		return fmt.Errorf("store: encode conversation knobs: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO conversation_config (conversation_id, knobs_json, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET knobs_json = excluded.knobs_json`,
		conversationID, string(data), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: snapshot conversation knobs: %w", err)
	}
	return nil
}

// GetConversationKnobs returns the per-conversation snapshot, falling
// back to global configuration if absent.
func (s *Store) GetConversationKnobs(conversationID string) (config.Knobs, error) {
	s.mu.Lock()
	var knobsJSON string
	err := s.db.QueryRow(`SELECT knobs_json FROM conversation_config WHERE conversation_id = ?`, conversationID).Scan(&knobsJSON)
	s.mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		return s.GetGlobalKnobs()
	}
	if err != nil {
		return config.Knobs{}, fmt.Errorf("store: get conversation knobs: %w", err)
	}

	var knobs config.Knobs
	if err := json.Unmarshal([]byte(knobsJSON), &knobs); err != nil {
		return config.Knobs{}, fmt.Errorf("store: decode conversation knobs: %w", err)
	}
	return knobs, nil
}
