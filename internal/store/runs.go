package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pilot/internal/plan"
)

// RunStore persists plan runs. It is the sole writer of plan_runs rows.
type RunStore struct {
	db *sql.DB
}

// NewRunStore returns a RunStore backed by db.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// RunUpdate carries a partial update; nil fields are left unchanged.
type RunUpdate struct {
	Status           *plan.Status
	CurrentStepIndex *int
	CurrentStepPath  *string
	LastEvent        *string
	Error            *string
	Steps            []plan.Step
}

// Create inserts a run. The run must be in draft.
func (s *RunStore) Create(ctx context.Context, run *plan.Run) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_runs (run_id, chat_id, plan_id, goal, status, steps_json, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ChatID, run.PlanID, run.Goal, string(run.Status), string(stepsJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Get returns the run by id, or ErrRunNotFound.
func (s *RunStore) Get(ctx context.Context, runID string) (*plan.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, chat_id, plan_id, goal, status, steps_json,
		       current_step_index, current_step_path, last_event, error, created_ts, updated_ts
		FROM plan_runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListByChat returns the most recent runs of a conversation.
func (s *RunStore) ListByChat(ctx context.Context, chatID string, limit int) ([]*plan.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, chat_id, plan_id, goal, status, steps_json,
		       current_step_index, current_step_path, last_event, error, created_ts, updated_ts
		FROM plan_runs WHERE chat_id = ? ORDER BY updated_ts DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListByStatus returns every run currently in one of the given statuses.
// Used by the boot recovery sweep.
func (s *RunStore) ListByStatus(ctx context.Context, statuses ...plan.Status) ([]*plan.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `
		SELECT run_id, chat_id, plan_id, goal, status, steps_json,
		       current_step_index, current_step_path, last_event, error, created_ts, updated_ts
		FROM plan_runs WHERE status IN (?` + repeat(",?", len(statuses)-1) + `) ORDER BY updated_ts DESC`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Update applies a partial update to a run.
func (s *RunStore) Update(ctx context.Context, runID string, upd RunUpdate) error {
	sets := "updated_ts = ?"
	args := []any{time.Now().UnixMilli()}

	if upd.Status != nil {
		sets += ", status = ?"
		args = append(args, string(*upd.Status))
	}
	if upd.CurrentStepIndex != nil {
		sets += ", current_step_index = ?"
		args = append(args, *upd.CurrentStepIndex)
	}
	if upd.CurrentStepPath != nil {
		sets += ", current_step_path = ?"
		args = append(args, *upd.CurrentStepPath)
	}
	if upd.LastEvent != nil {
		sets += ", last_event = ?"
		args = append(args, *upd.LastEvent)
	}
	if upd.Error != nil {
		sets += ", error = ?"
		args = append(args, *upd.Error)
	}
	if upd.Steps != nil {
		stepsJSON, err := json.Marshal(upd.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		sets += ", steps_json = ?"
		args = append(args, string(stepsJSON))
	}

	args = append(args, runID)
	res, err := s.db.ExecContext(ctx, "UPDATE plan_runs SET "+sets+" WHERE run_id = ?", args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// TryTransitionFromDraft atomically moves a draft run to queued or cancelled.
// The conditional write is the single arbiter for confirmation: it returns
// false without mutating anything when the stored status is no longer draft.
func (s *RunStore) TryTransitionFromDraft(ctx context.Context, runID string, to plan.Status) (bool, error) {
	if !plan.CanTransition(plan.StatusDraft, to) {
		return false, fmt.Errorf("illegal draft transition to %s", to)
	}
	event := "confirm_accepted"
	if to == plan.StatusCancelled {
		event = "cancelled_by_user"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE plan_runs SET status = ?, last_event = ?, updated_ts = ?
		WHERE run_id = ? AND status = 'draft'`,
		string(to), event, time.Now().UnixMilli(), runID,
	)
	if err != nil {
		return false, fmt.Errorf("draft transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanRun(row *sql.Row) (*plan.Run, error) {
	var (
		run       plan.Run
		status    string
		stepsJSON string
		stepPath  sql.NullString
		lastEvent sql.NullString
		errText   sql.NullString
		created   int64
		updated   int64
	)
	err := row.Scan(&run.RunID, &run.ChatID, &run.PlanID, &run.Goal, &status, &stepsJSON,
		&run.CurrentStepIndex, &stepPath, &lastEvent, &errText, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	fillRun(&run, status, stepsJSON, stepPath, lastEvent, errText, created, updated)
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]*plan.Run, error) {
	var runs []*plan.Run
	for rows.Next() {
		var (
			run       plan.Run
			status    string
			stepsJSON string
			stepPath  sql.NullString
			lastEvent sql.NullString
			errText   sql.NullString
			created   int64
			updated   int64
		)
		err := rows.Scan(&run.RunID, &run.ChatID, &run.PlanID, &run.Goal, &status, &stepsJSON,
			&run.CurrentStepIndex, &stepPath, &lastEvent, &errText, &created, &updated)
		if err != nil {
			return nil, err
		}
		fillRun(&run, status, stepsJSON, stepPath, lastEvent, errText, created, updated)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func fillRun(run *plan.Run, status, stepsJSON string, stepPath, lastEvent, errText sql.NullString, created, updated int64) {
	run.Status = plan.Status(status)
	if err := json.Unmarshal([]byte(stepsJSON), &run.Steps); err != nil {
		run.Steps = nil
	}
	run.CurrentStepPath = stepPath.String
	run.LastEvent = lastEvent.String
	run.Error = errText.String
	run.CreatedAt = time.UnixMilli(created).UTC()
	run.UpdatedAt = time.UnixMilli(updated).UTC()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
