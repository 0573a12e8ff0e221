// Package recovery marks runs stranded by a restart as failed so no chat
// stays stuck in an executing state that no goroutine is driving.
package recovery

import (
	"context"
	"fmt"

	"pilot/internal/logging"
	"pilot/internal/plan"
	"pilot/internal/store"
)

// Sweep finds every queued or running run, marks it as error, releases the
// chat pointers that still name it and leaves a notice in the chat. It runs
// once at boot, before the server accepts traffic. Returns how many runs
// were recovered.
func Sweep(ctx context.Context, runs *store.RunStore, state *store.ChatStateStore, chats *store.ChatStore, logger *logging.Logger) (int, error) {
	logger = logging.OrNop(logger)

	stale, err := runs.ListByStatus(ctx, plan.StatusQueued, plan.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}

	recovered := 0
	for _, run := range stale {
		errStatus := plan.StatusError
		event := "recovered_after_restart"
		detail := "Run interrupted by a server restart."
		if err := runs.Update(ctx, run.RunID, store.RunUpdate{
			Status:    &errStatus,
			LastEvent: &event,
			Error:     &detail,
		}); err != nil {
			logger.Error("recovery update failed", "run_id", run.RunID, "error", err)
			continue
		}
		recovered++

		if err := state.ClearActiveIf(ctx, run.ChatID, run.RunID); err != nil {
			logger.Error("recovery pointer clear failed", "run_id", run.RunID, "error", err)
		}
		if err := state.ClearPendingIf(ctx, run.ChatID, run.RunID); err != nil {
			logger.Error("recovery pointer clear failed", "run_id", run.RunID, "error", err)
		}
		if err := state.RecordLastRun(ctx, run.ChatID, run.RunID, string(plan.StatusError)); err != nil {
			logger.Error("recovery last-run record failed", "run_id", run.RunID, "error", err)
		}

		msg := fmt.Sprintf("⚠️ The plan (run %s) was interrupted by a server restart. Propose and confirm it again if you still want it executed.", run.RunID)
		if err := chats.AppendMessage(ctx, run.ChatID, "assistant", msg); err != nil {
			logger.Warn("recovery chat notice failed", "run_id", run.RunID, "error", err)
		}

		logger.Info("run recovered", "run_id", run.RunID, "chat_id", run.ChatID, "was", run.Status)
	}

	logger.Info("recovery sweep finished", "recovered", recovered)
	return recovered, nil
}
