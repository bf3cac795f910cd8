package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/intelligencedev/localforge/internal/config"
)

// ModelHistory returns the most-recently-used model path list, most
// recent first.
func (s *Store) ModelHistory() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelHistoryLocked()
}

func (s *Store) modelHistoryLocked() ([]string, error) {
	var raw string
	err := s.db.QueryRow(`SELECT model_history_json FROM global_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: model history: %w", err)
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, fmt.Errorf("store: decode model history: %w", err)
	}
	return paths, nil
}

// PromoteModelPath moves path to position 0 of the model history,
// removing any prior occurrence and evicting from the tail beyond
// config.ModelHistoryCap.
func (s *Store) PromoteModelPath(path string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.modelHistoryLocked()
	if err != nil {
		return nil, err
	}

	next := make([]string, 0, len(existing)+1)
	next = append(next, path)
	for _, p := range existing {
		if p != path {
			next = append(next, p)
		}
	}
	if len(next) > config.ModelHistoryCap {
		next = next[:config.ModelHistoryCap]
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("store: encode model history: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO global_config (id, knobs_json, model_history_json, updated_at) VALUES (1, '{}', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET model_history_json = excluded.model_history_json, updated_at = excluded.updated_at`,
		string(data), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: promote model path: %w", err)
	}
	return next, nil
}
