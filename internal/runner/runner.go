// Package runner executes confirmed plan runs in the background: one step
// at a time, with bounded retries and a single model-assisted correction
// for failed shell commands.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pilot/internal/async"
	"pilot/internal/executor"
	"pilot/internal/logging"
	"pilot/internal/metrics"
	"pilot/internal/plan"
	"pilot/internal/reasoner"
	"pilot/internal/registry"
	"pilot/internal/store"
)

// Invoker performs one HTTP call against a tool.
type Invoker interface {
	Invoke(ctx context.Context, call executor.Call) (executor.Result, error)
}

// Fixer proposes a corrected command for a failed one.
type Fixer interface {
	ProposeFix(ctx context.Context, goal, prevCmd, stdout, stderr string, attempt, maxAttempts int) (*reasoner.Proposal, error)
}

// ToolResolver looks up registered tools.
type ToolResolver interface {
	Resolve(ctx context.Context, toolID string) (*registry.Tool, error)
}

// Config wires a Runner.
type Config struct {
	Runs               *store.RunStore
	State              *store.ChatStateStore
	Chats              *store.ChatStore
	Tools              ToolResolver
	Invoker            Invoker
	Fixer              Fixer
	Notifier           Notifier
	Logger             *logging.Logger
	Metrics            *metrics.Metrics
	MaxCommandAttempts int
	PlanTimeout        time.Duration
}

// Runner drives plan runs to a terminal state.
type Runner struct {
	runs        *store.RunStore
	state       *store.ChatStateStore
	chats       *store.ChatStore
	tools       ToolResolver
	invoker     Invoker
	fixer       Fixer
	notifier    Notifier
	logger      *logging.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	planTimeout time.Duration
}

// New returns a Runner.
func New(cfg Config) *Runner {
	r := &Runner{
		runs:        cfg.Runs,
		state:       cfg.State,
		chats:       cfg.Chats,
		tools:       cfg.Tools,
		invoker:     cfg.Invoker,
		fixer:       cfg.Fixer,
		notifier:    cfg.Notifier,
		logger:      logging.OrNop(cfg.Logger),
		metrics:     cfg.Metrics,
		maxAttempts: cfg.MaxCommandAttempts,
		planTimeout: cfg.PlanTimeout,
	}
	if r.notifier == nil {
		r.notifier = NopNotifier{}
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 3
	}
	if r.planTimeout <= 0 {
		r.planTimeout = 10 * time.Minute
	}
	return r
}

// Launch starts the run on its own goroutine and returns immediately.
func (r *Runner) Launch(runID, chatID string) {
	async.Go(r.logger, "plan-runner", func() {
		r.Run(context.Background(), runID, chatID)
	})
}

// Run executes a queued run to completion. It is a no-op for runs in any
// other state, so a duplicate launch cannot double-execute.
func (r *Runner) Run(ctx context.Context, runID, chatID string) {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		r.logger.Error("run not loadable", "run_id", runID, "error", err)
		return
	}
	if run.Status != plan.StatusQueued {
		r.logger.Warn("refusing to execute run", "run_id", runID, "status", run.Status)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.planTimeout)
	defer cancel()

	r.metrics.RunsStarted.Inc()
	r.setStatus(runID, plan.StatusRunning, "runner_started", "")
	r.logger.Info("run started", "run_id", runID, "chat_id", chatID, "goal", run.Goal)
	r.say(chatID, fmt.Sprintf("⏳ Starting plan: %s\n(run %s)", run.Goal, runID))
	r.notify(Event{RunID: runID, ChatID: chatID, Kind: "run_started", At: time.Now().UTC()})

	defer r.finalize(runID, chatID)

	allowed := r.projectAllowlist(ctx, chatID)

	for i := range run.Steps {
		step := &run.Steps[i]
		run.CurrentStepIndex = i
		path := strconv.Itoa(i + 1)
		title := step.Title
		if title == "" {
			title = fmt.Sprintf("%s %s", step.Target.Method, step.Target.Path)
		}

		r.markStep(runID, i, path, "step_start")
		r.emit(runID, chatID, "step_start", path, title, "")

		if ctx.Err() != nil {
			step.Outcome = plan.OutcomeError
			step.Detail = "plan timeout exceeded"
			r.failRun(runID, chatID, run, path, title, step.Detail, "run_timeout")
			return
		}

		outcome, detail := r.executeStep(ctx, run, step, allowed)
		step.Outcome = outcome
		step.Detail = detail
		r.metrics.StepsFinished.WithLabelValues(string(outcome)).Inc()
		r.persistSteps(runID, run.Steps)

		if outcome == plan.OutcomeError {
			r.failRun(runID, chatID, run, path, title, detail, "step_err")
			return
		}
		r.emit(runID, chatID, "step_ok", path, title, detail)
	}

	r.setStatus(runID, plan.StatusDone, "run_done", "")
	r.logger.Info("run finished", "run_id", runID, "status", "done")
}

func (r *Runner) executeStep(ctx context.Context, run *plan.Run, step *plan.Step, allowed map[string]bool) (plan.Outcome, string) {
	if step.Kind == plan.KindNote {
		detail := step.Title
		if detail == "" {
			detail = "OK"
		}
		return plan.OutcomeOK, detail
	}

	t := step.Target
	if t.ToolID == "" || t.Method == "" || t.Path == "" {
		return plan.OutcomeError, "incomplete step: tool, method and path are required"
	}

	tool, err := r.tools.Resolve(ctx, t.ToolID)
	if err != nil {
		return plan.OutcomeError, fmt.Sprintf("tool %s is not registered", t.ToolID)
	}
	if !tool.Active {
		return plan.OutcomeError, fmt.Sprintf("tool %s is disabled", tool.Name)
	}
	if allowed != nil && !allowed[t.ToolID] {
		return plan.OutcomeError, fmt.Sprintf("tool %s is not enabled for this project", tool.Name)
	}

	if isCommandStep(step) {
		return r.runCommand(ctx, run, step)
	}

	res, err := r.invoker.Invoke(ctx, executor.Call{
		ToolID: t.ToolID, Method: t.Method, Path: t.Path, Query: t.Query, Body: t.Body,
	})
	step.AttemptCount++
	if err != nil {
		return plan.OutcomeError, err.Error()
	}
	if !res.OK() {
		return plan.OutcomeError, fmt.Sprintf("HTTP %d: %s", res.StatusCode, shortDetail(res.Body))
	}
	return plan.OutcomeOK, shortDetail(res.Body)
}

// runCommand retries a failed command with the same body up to the attempt
// limit, then consults the model exactly once for a substitute. A substitute
// is executed only when it passes the denylist and repeats no earlier
// attempt, and it gets a single extra attempt.
func (r *Runner) runCommand(ctx context.Context, run *plan.Run, step *plan.Step) (plan.Outcome, string) {
	t := step.Target
	body := t.Body
	tried := []string{strings.TrimSpace(commandText(body))}
	attempt := 1
	consulted := false
	stepPath := strconv.Itoa(run.CurrentStepIndex + 1)
	title := step.Title
	if title == "" {
		title = fmt.Sprintf("%s %s", t.Method, t.Path)
	}

	for {
		res, err := r.invoker.Invoke(ctx, executor.Call{
			ToolID: t.ToolID, Method: t.Method, Path: t.Path, Query: t.Query, Body: body,
		})
		step.AttemptCount = attempt
		if err != nil {
			return plan.OutcomeError, err.Error()
		}
		if !res.OK() {
			return plan.OutcomeError, fmt.Sprintf("HTTP %d: %s", res.StatusCode, shortDetail(res.Body))
		}

		failed, reason := commandFailed(res.Body)
		if !failed {
			return plan.OutcomeOK, reason
		}

		if attempt < r.maxAttempts {
			attempt++
			r.emit(run.RunID, run.ChatID, "step_retry", stepPath, title,
				fmt.Sprintf("Retrying command (%d/%d)", attempt, r.maxAttempts))
			continue
		}

		if consulted {
			return plan.OutcomeError, reason
		}
		consulted = true

		stdout, stderr := outputOf(res.Body)
		r.metrics.ReasonerCalls.Inc()
		proposal, ferr := r.fixer.ProposeFix(ctx, run.Goal, commandText(body), stdout, stderr, attempt, r.maxAttempts)
		if ferr != nil {
			r.logger.Warn("correction request failed", "run_id", run.RunID, "error", ferr)
			return plan.OutcomeError, reason
		}
		if proposal == nil || LooksDangerous(proposal.Cmd) || repeatsEarlier(tried, proposal.Cmd) {
			return plan.OutcomeError, reason
		}

		body = map[string]any{"cmd": proposal.Cmd}
		tried = append(tried, strings.TrimSpace(proposal.Cmd))
		attempt++
		r.emit(run.RunID, run.ChatID, "step_retry", stepPath, title,
			"Retrying with a corrected command: "+proposal.Cmd)
	}
}

func repeatsEarlier(tried []string, cmd string) bool {
	c := strings.TrimSpace(cmd)
	for _, t := range tried {
		if c == t {
			return true
		}
	}
	return false
}

func isCommandStep(step *plan.Step) bool {
	if step.Kind == plan.KindCommand {
		return true
	}
	return strings.EqualFold(step.Target.Method, "POST") && step.Target.Path == "/command"
}

// projectAllowlist returns the project's tool allowlist, or nil when the
// chat has no project restriction.
func (r *Runner) projectAllowlist(ctx context.Context, chatID string) map[string]bool {
	chat, err := r.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil
	}
	proj, err := r.chats.GetProject(ctx, chat.ProjectID)
	if err != nil || len(proj.ToolIDs) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(proj.ToolIDs))
	for _, id := range proj.ToolIDs {
		allowed[id] = true
	}
	return allowed
}

// failRun records a step failure as the run's terminal error state.
func (r *Runner) failRun(runID, chatID string, run *plan.Run, path, title, detail, event string) {
	errStatus := plan.StatusError
	r.runs.Update(context.Background(), runID, store.RunUpdate{
		Status:    &errStatus,
		LastEvent: &event,
		Error:     &detail,
		Steps:     run.Steps,
	})
	r.emit(runID, chatID, "step_err", path, title, detail)
	r.logger.Warn("run failed", "run_id", runID, "step", path, "error", detail)
}

// finalize runs unconditionally at the end of every execution, including
// panics, and is the only place pointer state is released.
func (r *Runner) finalize(runID, chatID string) {
	ctx := context.Background()

	if p := recover(); p != nil {
		r.logger.Error("run panicked", "run_id", runID, "panic", p)
		errStatus := plan.StatusError
		event := "run_panic"
		detail := fmt.Sprintf("internal error: %v", p)
		r.runs.Update(ctx, runID, store.RunUpdate{Status: &errStatus, LastEvent: &event, Error: &detail})
	}

	final := "unknown"
	lastPath := "-"
	goal := ""
	if run, err := r.runs.Get(ctx, runID); err == nil {
		final = string(run.Status)
		goal = run.Goal
		if run.CurrentStepPath != "" {
			lastPath = run.CurrentStepPath
		}
	}
	r.metrics.RunsFinished.WithLabelValues(final).Inc()

	if err := r.state.RecordLastRun(ctx, chatID, runID, final); err != nil {
		r.logger.Error("state cleanup failed", "run_id", runID, "chat_id", chatID, "error", err)
	}

	r.say(chatID, fmt.Sprintf("Plan '%s' finished with status: %s. Last step: %s", goal, final, lastPath))
	if err := r.chats.PreviewTitle(ctx, chatID); err != nil {
		r.logger.Debug("preview title failed", "chat_id", chatID, "error", err)
	}

	r.notify(Event{RunID: runID, ChatID: chatID, Kind: "run_finished", Status: final, At: time.Now().UTC()})
	r.logger.Info("run finalized", "run_id", runID, "status", final)
}

func (r *Runner) setStatus(runID string, status plan.Status, event, errText string) {
	upd := store.RunUpdate{Status: &status, LastEvent: &event}
	if errText != "" {
		upd.Error = &errText
	}
	if err := r.runs.Update(context.Background(), runID, upd); err != nil {
		r.logger.Error("run update failed", "run_id", runID, "error", err)
	}
}

func (r *Runner) markStep(runID string, index int, path, event string) {
	if err := r.runs.Update(context.Background(), runID, store.RunUpdate{
		CurrentStepIndex: &index,
		CurrentStepPath:  &path,
		LastEvent:        &event,
	}); err != nil {
		r.logger.Error("step mark failed", "run_id", runID, "error", err)
	}
}

func (r *Runner) persistSteps(runID string, steps []plan.Step) {
	if err := r.runs.Update(context.Background(), runID, store.RunUpdate{Steps: steps}); err != nil {
		r.logger.Error("steps persist failed", "run_id", runID, "error", err)
	}
}

// emit records the event on the run, mirrors it into the chat and publishes
// it to stream subscribers.
func (r *Runner) emit(runID, chatID, kind, stepPath, title, detail string) {
	event := kind
	r.runs.Update(context.Background(), runID, store.RunUpdate{LastEvent: &event, CurrentStepPath: &stepPath})

	var prefix string
	switch kind {
	case "step_start":
		prefix = "⏳"
	case "step_ok":
		prefix = "✅"
	case "step_err":
		prefix = "❌"
	case "step_retry":
		prefix = "⚠️"
	}
	if prefix != "" {
		msg := fmt.Sprintf("%s %s: %s", prefix, stepPath, title)
		if detail != "" {
			msg += "\n" + detail
		}
		r.say(chatID, msg)
	}

	r.notify(Event{
		RunID: runID, ChatID: chatID, Kind: kind,
		StepPath: stepPath, Title: title, Detail: detail,
		At: time.Now().UTC(),
	})
}

func (r *Runner) say(chatID, content string) {
	if err := r.chats.AppendMessage(context.Background(), chatID, "assistant", content); err != nil {
		r.logger.Warn("chat message failed", "chat_id", chatID, "error", err)
	}
}

func (r *Runner) notify(e Event) {
	r.notifier.Publish(e)
}
