package store

// schemaStatements is additive: only CREATE TABLE IF NOT EXISTS and
// CREATE INDEX IF NOT EXISTS statements, no ALTER TABLE. Re-running
// migrate on an existing database is always safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		system_prompt TEXT,
		title TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		is_streaming INTEGER NOT NULL DEFAULT 0,
		UNIQUE(conversation_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
	`CREATE TABLE IF NOT EXISTS streaming_buffers (
		conversation_id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		context_size INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS global_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		knobs_json TEXT NOT NULL,
		model_history_json TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_config (
		conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
		knobs_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hub_downloads (
		model_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		destination TEXT NOT NULL,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		bytes_downloaded INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		etag TEXT,
		downloaded_at INTEGER,
		PRIMARY KEY (model_id, filename, destination)
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
