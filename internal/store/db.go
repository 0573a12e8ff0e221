// Package store provides SQLite-backed persistence for plan runs,
// per-conversation execution state, and conversation history.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrChatNotFound    = errors.New("chat not found")
	ErrProjectNotFound = errors.New("project not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS plan_runs (
	run_id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	plan_id TEXT NOT NULL,
	goal TEXT NOT NULL,
	status TEXT NOT NULL,
	steps_json TEXT NOT NULL,
	current_step_index INTEGER NOT NULL DEFAULT 0,
	current_step_path TEXT,
	last_event TEXT,
	error TEXT,
	created_ts INTEGER NOT NULL,
	updated_ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plan_runs_chat_status_updated
	ON plan_runs(chat_id, status, updated_ts);

CREATE TABLE IF NOT EXISTS chat_state (
	chat_id TEXT PRIMARY KEY,
	pending_run_id TEXT,
	active_run_id TEXT,
	last_run_id TEXT,
	last_run_status TEXT,
	last_run_ts INTEGER,
	updated_ts INTEGER
);

CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	tool_ids_json TEXT NOT NULL DEFAULT '[]',
	created_ts INTEGER NOT NULL,
	updated_ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_ts INTEGER NOT NULL,
	updated_ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_project ON chats(project_id, updated_ts);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, ts);

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	docs_url TEXT,
	openapi_url TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	endpoints_json TEXT NOT NULL DEFAULT '[]',
	created_ts INTEGER NOT NULL,
	updated_ts INTEGER NOT NULL
);
`

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. The returned handle is safe for concurrent use.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
