package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/executor"
	"pilot/internal/plan"
	"pilot/internal/reasoner"
	"pilot/internal/registry"
	"pilot/internal/store"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []executor.Call
	fn    func(call executor.Call) (executor.Result, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, call executor.Call) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.fn(call)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResolver struct {
	tools map[string]*registry.Tool
}

func (f *fakeResolver) Resolve(ctx context.Context, toolID string) (*registry.Tool, error) {
	t, ok := f.tools[toolID]
	if !ok {
		return nil, registry.ErrToolNotFound
	}
	return t, nil
}

type fakeFixer struct {
	proposal *reasoner.Proposal
	err      error
	calls    int
}

func (f *fakeFixer) ProposeFix(ctx context.Context, goal, prevCmd, stdout, stderr string, attempt, maxAttempts int) (*reasoner.Proposal, error) {
	f.calls++
	return f.proposal, f.err
}

type env struct {
	runs   *store.RunStore
	state  *store.ChatStateStore
	chats  *store.ChatStore
	chatID string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	chats := store.NewChatStore(db)
	ctx := context.Background()
	p, err := chats.CreateProject(ctx, "homelab", "")
	require.NoError(t, err)
	c, err := chats.CreateChat(ctx, p.ID, "New chat")
	require.NoError(t, err)

	return &env{
		runs:   store.NewRunStore(db),
		state:  store.NewChatStateStore(db),
		chats:  chats,
		chatID: c.ID,
	}
}

// queuedRun creates a run, confirms it through the draft CAS and marks the
// chat's active pointer, mirroring what the confirmation path does.
func (e *env) queuedRun(t *testing.T, steps []plan.Step) *plan.Run {
	t.Helper()
	ctx := context.Background()
	run := plan.NewRun(e.chatID, "", "restart media stack", steps)
	require.NoError(t, e.runs.Create(ctx, run))
	ok, err := e.runs.TryTransitionFromDraft(ctx, run.RunID, plan.StatusQueued)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.state.Activate(ctx, e.chatID, run.RunID))
	return run
}

func (e *env) runner(inv Invoker, fix Fixer, tools map[string]*registry.Tool) *Runner {
	if tools == nil {
		tools = map[string]*registry.Tool{
			"t1": {ID: "t1", Name: "box", Active: true},
		}
	}
	return New(Config{
		Runs:    e.runs,
		State:   e.state,
		Chats:   e.chats,
		Tools:   &fakeResolver{tools: tools},
		Invoker: inv,
		Fixer:   fix,
	})
}

func (e *env) finalRun(t *testing.T, runID string) *plan.Run {
	t.Helper()
	run, err := e.runs.Get(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func commandStep(cmd string) plan.Step {
	return plan.Step{
		Title: "run " + cmd,
		Kind:  plan.KindCommand,
		Target: plan.Target{
			ToolID: "t1", Method: "POST", Path: "/command",
			Body: map[string]any{"cmd": cmd},
		},
	}
}

func okCommand() (executor.Result, error) {
	return executor.Result{StatusCode: 200, Body: map[string]any{"status": "ok", "exit_code": float64(0)}}, nil
}

func failedCommand(stderr string) (executor.Result, error) {
	return executor.Result{StatusCode: 200, Body: map[string]any{
		"status": "error", "exit_code": float64(1), "stderr": stderr,
	}}, nil
}

func TestRunHappyPath(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{
		{Title: "heads up", Kind: plan.KindNote},
		{Title: "check status", Kind: plan.KindToolCall, Target: plan.Target{ToolID: "t1", Method: "GET", Path: "/status"}},
	})

	inv := &fakeInvoker{fn: func(call executor.Call) (executor.Result, error) {
		return executor.Result{StatusCode: 200, Body: map[string]any{"up": true}}, nil
	}}
	e.runner(inv, &fakeFixer{}, nil).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusDone, got.Status)
	assert.Equal(t, plan.OutcomeOK, got.Steps[0].Outcome)
	assert.Equal(t, plan.OutcomeOK, got.Steps[1].Outcome)
	assert.Equal(t, 1, inv.callCount(), "note steps make no network calls")

	state, err := e.state.Get(context.Background(), e.chatID)
	require.NoError(t, err)
	assert.Nil(t, state.ActiveRunID, "finalization releases the active pointer")
	require.NotNil(t, state.LastRunStatus)
	assert.Equal(t, "done", *state.LastRunStatus)
}

func TestRunRefusesNonQueuedRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := plan.NewRun(e.chatID, "", "goal", []plan.Step{commandStep("uptime")})
	require.NoError(t, e.runs.Create(ctx, run))

	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) { return okCommand() }}
	e.runner(inv, &fakeFixer{}, nil).Run(ctx, run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusDraft, got.Status, "an unconfirmed run never executes")
	assert.Equal(t, 0, inv.callCount())
}

func TestToolStepNon2xxIsTerminal(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{
		{Kind: plan.KindToolCall, Target: plan.Target{ToolID: "t1", Method: "GET", Path: "/status"}},
		{Kind: plan.KindNote, Title: "never reached"},
	})

	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) {
		return executor.Result{StatusCode: 503, Body: "maintenance"}, nil
	}}
	e.runner(inv, &fakeFixer{}, nil).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Equal(t, 1, inv.callCount(), "no retry for plain tool calls")
	assert.Equal(t, plan.OutcomePending, got.Steps[1].Outcome, "later steps stay untouched")
}

func TestCommandRetriesSameBodyThenSucceeds(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{commandStep("uptime")})

	inv := &fakeInvoker{}
	inv.fn = func(call executor.Call) (executor.Result, error) {
		if inv.callCount() < 3 {
			return failedCommand("flaky")
		}
		return okCommand()
	}
	fix := &fakeFixer{}
	e.runner(inv, fix, nil).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusDone, got.Status)
	assert.Equal(t, 3, inv.callCount())
	assert.Equal(t, 3, got.Steps[0].AttemptCount)
	assert.Equal(t, 0, fix.calls, "retries below the limit never consult the model")

	// Attempts 1..N-1 reuse the failed body verbatim.
	for _, call := range inv.calls {
		assert.Equal(t, "uptime", call.Body.(map[string]any)["cmd"])
	}
}

func TestCommandCorrectedOnFinalAttempt(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{commandStep("service plex restart")})

	inv := &fakeInvoker{}
	inv.fn = func(call executor.Call) (executor.Result, error) {
		if call.Body.(map[string]any)["cmd"] == "systemctl restart plex" {
			return okCommand()
		}
		return failedCommand("unknown command")
	}
	fix := &fakeFixer{proposal: &reasoner.Proposal{Cmd: "systemctl restart plex"}}
	e.runner(inv, fix, nil).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusDone, got.Status)
	assert.Equal(t, 1, fix.calls, "the model is consulted exactly once per command step")
	assert.Equal(t, 4, inv.callCount(), "one substitute attempt on top of the limit")
	assert.Equal(t, "systemctl restart plex", inv.calls[3].Body.(map[string]any)["cmd"])
}

func TestCommandCorrectionFailsOnlyOnce(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{commandStep("foo")})

	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) {
		return failedCommand("still broken")
	}}
	fix := &fakeFixer{proposal: &reasoner.Proposal{Cmd: "bar"}}
	e.runner(inv, fix, nil).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Equal(t, 1, fix.calls, "a failed substitute never triggers a second consultation")
	assert.Equal(t, 4, inv.callCount())
	assert.Contains(t, got.Error, "still broken")
}

func TestDangerousProposalIsRejected(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{commandStep("cleanup")})

	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) {
		return failedCommand("nope")
	}}
	fix := &fakeFixer{proposal: &reasoner.Proposal{Cmd: "sudo rm -rf / --no-preserve-root"}}
	e.runner(inv, fix, nil).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Equal(t, 3, inv.callCount(), "a denied substitute is never executed")
}

func TestRepeatedProposalIsRejected(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{commandStep("uptime")})

	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) {
		return failedCommand("nope")
	}}
	fix := &fakeFixer{proposal: &reasoner.Proposal{Cmd: " uptime "}}
	e.runner(inv, fix, nil).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Equal(t, 3, inv.callCount(), "repeating an earlier attempt is a rejection")
}

func TestTransportFailureIsImmediatelyTerminal(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{commandStep("uptime")})

	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) {
		return executor.Result{}, errors.New("connection refused")
	}}
	fix := &fakeFixer{}
	e.runner(inv, fix, nil).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Equal(t, 1, inv.callCount(), "transport failures are not retried")
	assert.Equal(t, 0, fix.calls)
}

func TestInactiveToolFailsBeforeInvoke(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{commandStep("uptime")})

	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) { return okCommand() }}
	tools := map[string]*registry.Tool{"t1": {ID: "t1", Name: "box", Active: false}}
	e.runner(inv, &fakeFixer{}, tools).Run(context.Background(), run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Equal(t, 0, inv.callCount())
	assert.Contains(t, got.Error, "disabled")
}

func TestProjectAllowlistBlocksForeignTool(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Restrict the project to a different tool.
	chat, err := e.chats.GetChat(ctx, e.chatID)
	require.NoError(t, err)
	require.NoError(t, e.chats.UpdateProject(ctx, chat.ProjectID, store.ProjectUpdate{ToolIDs: []string{"other"}}))

	run := e.queuedRun(t, []plan.Step{commandStep("uptime")})
	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) { return okCommand() }}
	e.runner(inv, &fakeFixer{}, nil).Run(ctx, run.RunID, e.chatID)

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Equal(t, 0, inv.callCount())
	assert.Contains(t, got.Error, "not enabled for this project")
}

func TestPanicBecomesErrorAndReleasesPointers(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{commandStep("uptime")})

	inv := &fakeInvoker{fn: func(executor.Call) (executor.Result, error) {
		panic("invoker exploded")
	}}

	func() {
		defer func() { recover() }()
		e.runner(inv, &fakeFixer{}, nil).Run(context.Background(), run.RunID, e.chatID)
	}()

	got := e.finalRun(t, run.RunID)
	assert.Equal(t, plan.StatusError, got.Status)
	assert.Contains(t, got.Error, "internal error")

	state, err := e.state.Get(context.Background(), e.chatID)
	require.NoError(t, err)
	assert.Nil(t, state.ActiveRunID)
	require.NotNil(t, state.LastRunStatus)
	assert.Equal(t, "error", *state.LastRunStatus)
}

func TestFinalChatMessageWritten(t *testing.T) {
	e := newEnv(t)
	run := e.queuedRun(t, []plan.Step{{Kind: plan.KindNote, Title: "just a note"}})

	e.runner(&fakeInvoker{fn: func(executor.Call) (executor.Result, error) { return okCommand() }}, &fakeFixer{}, nil).
		Run(context.Background(), run.RunID, e.chatID)

	msgs, err := e.chats.History(context.Background(), e.chatID)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "assistant", last.Role)
	assert.Contains(t, last.Content, "finished with status: done")
}

func TestLooksDangerous(t *testing.T) {
	assert.True(t, LooksDangerous("sudo rm -rf / --force"))
	assert.True(t, LooksDangerous("DD if=/dev/zero of=/dev/sda"))
	assert.True(t, LooksDangerous("shutdown -h now"))
	assert.True(t, LooksDangerous(":(){ :|:& };:"))
	assert.False(t, LooksDangerous("rm -rf ./build"))
	assert.False(t, LooksDangerous("systemctl restart plex"))
}

func TestCommandFailed(t *testing.T) {
	failed, reason := commandFailed(map[string]any{"status": "ok", "exit_code": float64(0), "stdout": "up 3 days"})
	assert.False(t, failed)
	assert.Equal(t, "up 3 days", reason)

	// HTTP 200 with a non-zero exit code is still a failure.
	failed, reason = commandFailed(map[string]any{"status": "ok", "exit_code": float64(2), "stderr": "no such file"})
	assert.True(t, failed)
	assert.Equal(t, "no such file", reason)

	// Exit codes may arrive as strings.
	failed, _ = commandFailed(map[string]any{"status": "ok", "exit_code": "0"})
	assert.False(t, failed)

	failed, _ = commandFailed("not json")
	assert.True(t, failed)
}
