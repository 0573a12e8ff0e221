package store

import (
	"context"
	"database/sql"
	"time"
)

// ChatState is the per-conversation pointer state. Absent fields are nil and
// marshal away entirely, so a consumer can never mistake an unset field for a
// literal null run id.
type ChatState struct {
	PendingRunID  *string    `json:"pending_run_id,omitempty"`
	ActiveRunID   *string    `json:"active_run_id,omitempty"`
	LastRunID     *string    `json:"last_run_id,omitempty"`
	LastRunStatus *string    `json:"last_run_status,omitempty"`
	LastRunAt     *time.Time `json:"last_run_ts,omitempty"`
}

// ChatStateStore persists ChatState rows keyed by chat id.
type ChatStateStore struct {
	db *sql.DB
}

// NewChatStateStore returns a ChatStateStore backed by db.
func NewChatStateStore(db *sql.DB) *ChatStateStore {
	return &ChatStateStore{db: db}
}

// Get returns the state of a conversation. A missing row yields the zero
// state: every pointer nil.
func (s *ChatStateStore) Get(ctx context.Context, chatID string) (ChatState, error) {
	var (
		state   ChatState
		pending sql.NullString
		active  sql.NullString
		lastID  sql.NullString
		lastSt  sql.NullString
		lastTS  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT pending_run_id, active_run_id, last_run_id, last_run_status, last_run_ts
		FROM chat_state WHERE chat_id = ?`, chatID,
	).Scan(&pending, &active, &lastID, &lastSt, &lastTS)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	if pending.Valid {
		state.PendingRunID = &pending.String
	}
	if active.Valid {
		state.ActiveRunID = &active.String
	}
	if lastID.Valid {
		state.LastRunID = &lastID.String
	}
	if lastSt.Valid {
		state.LastRunStatus = &lastSt.String
	}
	if lastTS.Valid {
		t := time.UnixMilli(lastTS.Int64).UTC()
		state.LastRunAt = &t
	}
	return state, nil
}

// SetPending records runID as the run awaiting confirmation.
func (s *ChatStateStore) SetPending(ctx context.Context, chatID, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_state (chat_id, pending_run_id, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			pending_run_id = excluded.pending_run_id,
			updated_ts = excluded.updated_ts`,
		chatID, runID, time.Now().UnixMilli())
	return err
}

// Activate marks runID as executing and clears the pending pointer in one
// write. Called only after the draft CAS succeeded, never before.
func (s *ChatStateStore) Activate(ctx context.Context, chatID, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_state (chat_id, active_run_id, pending_run_id, updated_ts) VALUES (?, ?, NULL, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			active_run_id = excluded.active_run_id,
			pending_run_id = NULL,
			updated_ts = excluded.updated_ts`,
		chatID, runID, time.Now().UnixMilli())
	return err
}

// ClearPendingIf clears the pending pointer only while it still names runID,
// so a newer draft is never stomped.
func (s *ChatStateStore) ClearPendingIf(ctx context.Context, chatID, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_state SET pending_run_id = NULL, updated_ts = ?
		WHERE chat_id = ? AND pending_run_id = ?`,
		time.Now().UnixMilli(), chatID, runID)
	return err
}

// ClearActiveIf clears the active pointer only while it still names runID.
func (s *ChatStateStore) ClearActiveIf(ctx context.Context, chatID, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_state SET active_run_id = NULL, updated_ts = ?
		WHERE chat_id = ? AND active_run_id = ?`,
		time.Now().UnixMilli(), chatID, runID)
	return err
}

// RecordLastRun writes the finished-run summary and, in the same statement,
// releases the active/pending pointers when they still name this run.
func (s *ChatStateStore) RecordLastRun(ctx context.Context, chatID, runID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_state (chat_id, last_run_id, last_run_status, last_run_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_run_id = excluded.last_run_id,
			last_run_status = excluded.last_run_status,
			last_run_ts = excluded.last_run_ts,
			updated_ts = excluded.updated_ts,
			active_run_id = CASE WHEN chat_state.active_run_id = excluded.last_run_id
				THEN NULL ELSE chat_state.active_run_id END,
			pending_run_id = CASE WHEN chat_state.pending_run_id = excluded.last_run_id
				THEN NULL ELSE chat_state.pending_run_id END`,
		chatID, runID, status, time.Now().UnixMilli(), time.Now().UnixMilli())
	return err
}
