package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusQueued},
		{StatusDraft, StatusCancelled},
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusError},
		{StatusRunning, StatusDone},
		{StatusRunning, StatusError},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to Status }{
		{StatusDraft, StatusRunning},
		{StatusDraft, StatusDone},
		{StatusQueued, StatusDraft},
		{StatusQueued, StatusCancelled},
		{StatusRunning, StatusQueued},
		{StatusRunning, StatusCancelled},
		{StatusDone, StatusRunning},
		{StatusError, StatusQueued},
		{StatusCancelled, StatusQueued},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StatusDone.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusDraft.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestNewRun(t *testing.T) {
	steps := []Step{
		{Kind: KindToolCall, Target: Target{ToolID: "t1", Method: "GET", Path: "/status"}},
		{Kind: KindCommand, Target: Target{ToolID: "t1", Method: "POST", Path: "/command", Body: map[string]any{"cmd": "ls"}}},
	}
	run := NewRun("chat-1", "", "check status", steps)

	require.NotEmpty(t, run.RunID)
	require.NotEmpty(t, run.PlanID)
	assert.Equal(t, StatusDraft, run.Status)
	assert.Equal(t, "chat-1", run.ChatID)
	require.Len(t, run.Steps, 2)
	for _, s := range run.Steps {
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, OutcomePending, s.Outcome)
	}
}
