// Package store is the SQLite-backed conversation store shared by the
// HTTP layer and the worker process. Every mutation goes through one
// *sql.DB pinned to a single connection (SetMaxOpenConns(1)), so
// statements are effectively serialized within this process; the two
// processes bridge over SQLite's own file-level locking (see DESIGN.md
// for the reasoning).
//
// The driver is modernc.org/sqlite, which registers itself under the
// "sqlite" database/sql name; Open applies the WAL and foreign-key
// pragmas and the additive CREATE TABLE IF NOT EXISTS schema bootstrap.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/intelligencedev/localforge/internal/config"
)

// Store is the single entry point for all persistence. Safe for
// concurrent use; every exported method takes the internal mutex.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	broadcast *Hub
}

// Open opens (creating if necessary) the SQLite database at path and
// brings its schema up to date.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, broadcast: newHub()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DefaultKnobsSeed returns the configuration seeded into a brand-new
// database's global config row.
var DefaultKnobsSeed = config.DefaultKnobs
